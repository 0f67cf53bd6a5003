// Command busboot-node runs one simulated bootloader node: it owns an
// application flash image, a redundant configuration store, and a bus
// transport, and services datagram commands from a host until it is
// interrupted (SIGINT/SIGTERM). A jump to the application, whether
// requested by command or triggered by the bootloader grace timer, is
// recorded by an in-process reboot-argument store rather than
// performed; the last recorded argument is logged on exit.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fieldnode/busboot/pkg/bootnode"
	"github.com/fieldnode/busboot/pkg/flashmem"
	"github.com/fieldnode/busboot/pkg/nodeconfig"
	"github.com/fieldnode/busboot/pkg/telemetry"
	"github.com/fieldnode/busboot/pkg/transport"
)

var (
	serialDevice = flag.String("serial", "/dev/ttyUSB0", "Serial device path")
	baudRate     = flag.Int("baud", 115200, "Serial baud rate")

	appImagePath = flag.String("app-image", "flash-app.img", "Backing file for the simulated application flash region")
	appSize      = flag.Int("app-size", 512*1024, "Size in bytes of the simulated application flash region")
	appBegin     = flag.Uint64("app-begin", 0x1000, "Application region start address")
	sectorSize   = flag.Uint64("sector-size", 4096, "Flash erase granularity in bytes")

	configImagePath = flag.String("config-image", "flash-config.img", "Backing file for the redundant configuration pages")
	configPageSize  = flag.Int("config-page-size", 1024, "Size in bytes of each configuration page")
	config1Addr     = flag.Uint64("config1-addr", 0, "Address of the first configuration page within config-image")
	config2Addr     = flag.Uint64("config2-addr", 1024, "Address of the second configuration page within config-image")

	defaultID          = flag.Uint("default-id", 1, "Node ID to assume when no valid configuration page is found")
	defaultName        = flag.String("default-name", "undefined", "Board name to assume when no valid configuration page is found")
	defaultDeviceClass = flag.String("default-device-class", "generic", "Device class to assume when no valid configuration page is found")

	redisAddr = flag.String("redis-addr", "", "Redis server address for telemetry (empty disables telemetry)")
	redisPass = flag.String("redis-pass", "", "Redis password")
	redisDB   = flag.Int("redis-db", 0, "Redis database number")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting busboot node")
	log.Printf("Serial device: %s at %d baud", *serialDevice, *baudRate)

	appFlash, err := flashmem.Open(*appImagePath, *appSize, uintptr(*sectorSize), uintptr(*appBegin), uintptr(*appBegin)+uintptr(*appSize))
	if err != nil {
		log.Fatalf("Failed to open application flash image: %v", err)
	}
	defer appFlash.Close()

	configFlashSize := int(*config2Addr) + *configPageSize
	cfgFlash, err := flashmem.Open(*configImagePath, configFlashSize, uintptr(*configPageSize), 0, uintptr(configFlashSize))
	if err != nil {
		log.Fatalf("Failed to open configuration flash image: %v", err)
	}
	defer cfgFlash.Close()

	var sink telemetry.Sink
	if *redisAddr != "" {
		redisSink, err := telemetry.NewRedisSink(*redisAddr, *redisPass, *redisDB, "node")
		if err != nil {
			log.Printf("Telemetry disabled: %v", err)
		} else {
			defer redisSink.Close()
			sink = redisSink
			log.Printf("Connected telemetry sink to Redis at %s", *redisAddr)
		}
	}

	store := nodeconfig.NewStore(cfgFlash,
		nodeconfig.Page{Addr: uintptr(*config1Addr), Size: *configPageSize},
		nodeconfig.Page{Addr: uintptr(*config2Addr), Size: *configPageSize},
		0, uintptr(configFlashSize),
		nodeconfig.Defaults{
			ID:          uint8(*defaultID),
			Name:        *defaultName,
			DeviceClass: *defaultDeviceClass,
		},
		sink, nil)

	bus, err := transport.OpenSerialBus(*serialDevice, *baudRate)
	if err != nil {
		log.Fatalf("Failed to open serial bus: %v", err)
	}
	defer bus.Close()

	rebooter := &bootnode.RAMArgStore{}
	node := bootnode.NewNode(bus, appFlash, store, rebooter, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("Shutting down...")
		cancel()
	}()

	if err := node.Run(ctx, bootnode.StartBootloader); err != nil && ctx.Err() == nil {
		log.Fatalf("Node exited with error: %v", err)
	}

	if arg, ok := rebooter.LastArg(); ok {
		log.Printf("Last reboot argument recorded: %d", arg)
	}
}
