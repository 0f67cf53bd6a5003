package transport

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/fieldnode/busboot/pkg/busframe"
	"github.com/fieldnode/busboot/pkg/crc32"
	"github.com/tarm/serial"
)

// Sync marker opening every frame on the wire.
const (
	sync1 = 0x7E
	sync2 = 0xA5
)

// SerialBus carries bus frames over a UART link: two sync bytes, a
// big-endian 11-bit identifier, a DLC byte, up to 8 data bytes, and a
// big-endian CRC-32 trailer over everything since the first sync
// byte.
type SerialBus struct {
	port *serial.Port

	sendMu sync.Mutex

	frames chan busframe.Frame
	errs   chan error
	stop   chan struct{}
	wg     sync.WaitGroup
}

// OpenSerialBus opens devicePath at baud and starts its receive loop.
func OpenSerialBus(devicePath string, baud int) (*SerialBus, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        devicePath,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", devicePath, err)
	}

	b := &SerialBus{
		port:   port,
		frames: make(chan busframe.Frame, 64),
		errs:   make(chan error, 1),
		stop:   make(chan struct{}),
	}
	b.wg.Add(1)
	go b.readLoop()
	return b, nil
}

func frameWireBytes(fr busframe.Frame) []byte {
	header := []byte{sync1, sync2, byte(fr.ID >> 8), byte(fr.ID), fr.DLC}
	body := fr.Payload()
	crc := crc32.Checksum(append(append([]byte{}, header...), body...))

	buf := make([]byte, 0, len(header)+len(body)+4)
	buf = append(buf, header...)
	buf = append(buf, body...)
	buf = append(buf, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
	return buf
}

// Send transmits fr, framed with its sync marker and CRC trailer.
func (b *SerialBus) Send(fr busframe.Frame) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	_, err := b.port.Write(frameWireBytes(fr))
	return err
}

// Recv blocks until a validated frame arrives, ctx is done, or the
// port reports a read error.
func (b *SerialBus) Recv(ctx context.Context) (busframe.Frame, error) {
	select {
	case fr := <-b.frames:
		return fr, nil
	case err := <-b.errs:
		return busframe.Frame{}, err
	case <-ctx.Done():
		return busframe.Frame{}, ctx.Err()
	}
}

// Close stops the receive loop and closes the underlying port.
func (b *SerialBus) Close() error {
	close(b.stop)
	b.wg.Wait()
	return b.port.Close()
}

const (
	stateSync1 = iota
	stateSync2
	stateIDHi
	stateIDLo
	stateDLC
	stateData
	stateCRC
)

// readLoop processes the link byte-at-a-time, advancing a small
// state machine through sync, header, payload, and CRC fields.
func (b *SerialBus) readLoop() {
	defer b.wg.Done()

	state := stateSync1
	var fr busframe.Frame
	var header []byte
	var dataRead uint8
	var crcBuf []byte

	rd := make([]byte, 1)
	for {
		select {
		case <-b.stop:
			return
		default:
		}

		n, err := b.port.Read(rd)
		if err != nil {
			if err != io.EOF {
				select {
				case b.errs <- fmt.Errorf("transport: read: %w", err):
				default:
				}
			}
			continue
		}
		if n == 0 {
			continue
		}
		c := rd[0]

		switch state {
		case stateSync1:
			if c == sync1 {
				header = []byte{c}
				state = stateSync2
			}
		case stateSync2:
			if c == sync2 {
				header = append(header, c)
				state = stateIDHi
			} else {
				state = stateSync1
			}
		case stateIDHi:
			fr.ID = uint16(c) << 8
			header = append(header, c)
			state = stateIDLo
		case stateIDLo:
			fr.ID |= uint16(c)
			header = append(header, c)
			state = stateDLC
		case stateDLC:
			if c > 8 {
				log.Printf("transport: frame DLC %d exceeds 8, resyncing", c)
				state = stateSync1
				continue
			}
			fr.DLC = c
			header = append(header, c)
			dataRead = 0
			if fr.DLC == 0 {
				crcBuf = crcBuf[:0]
				state = stateCRC
			} else {
				state = stateData
			}
		case stateData:
			fr.Data[dataRead] = c
			dataRead++
			if dataRead >= fr.DLC {
				crcBuf = crcBuf[:0]
				state = stateCRC
			}
		case stateCRC:
			crcBuf = append(crcBuf, c)
			if len(crcBuf) == 4 {
				want := uint32(crcBuf[0])<<24 | uint32(crcBuf[1])<<16 | uint32(crcBuf[2])<<8 | uint32(crcBuf[3])
				got := crc32.Checksum(append(header, fr.Payload()...))
				if got == want {
					select {
					case b.frames <- fr:
					case <-b.stop:
						return
					}
				} else {
					log.Printf("transport: frame CRC mismatch: want %#08x got %#08x", want, got)
				}
				state = stateSync1
				fr = busframe.Frame{}
			}
		}
	}
}
