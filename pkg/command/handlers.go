package command

import (
	"github.com/fieldnode/busboot/pkg/codec"
	"github.com/fieldnode/busboot/pkg/crc32"
	"github.com/fieldnode/busboot/pkg/flashmem"
	"github.com/fieldnode/busboot/pkg/nodeconfig"
)

func handleJumpToApplication(ctx *Context, argc uint32, args *codec.Reader, out *codec.Writer) {
	appBegin, _ := ctx.Flash.RegionBounds()
	cfg := ctx.Store.Live
	data := ctx.Flash.ReadAt(appBegin, cfg.ApplicationSize)
	if crc32.Checksum(data) == cfg.ApplicationCRC {
		ctx.Reboot(RebootStartApplication)
	} else {
		ctx.Reboot(RebootStartBootloaderNoTimeout)
	}
}

func handleCRCRegion(ctx *Context, argc uint32, args *codec.Reader, out *codec.Writer) {
	addr, err := args.ReadUint64()
	if err != nil {
		_ = out.WriteUint32(CRCErrorAddressUnspecified)
		return
	}
	size, err := args.ReadUint32()
	if err != nil {
		_ = out.WriteUint32(CRCErrorLengthUnspecified)
		return
	}

	begin, end := ctx.Flash.RegionBounds()
	a1 := uintptr(addr)
	a2 := a1 + uintptr(size)
	if a1 < begin || a1 >= end || a2 < begin || a2 >= end {
		_ = out.WriteUint32(CRCErrorIllegalAddress)
		return
	}

	sum := crc32.Checksum(ctx.Flash.ReadAt(a1, size))
	_ = out.WriteUint32(sum)
}

// checkAppRegionAndDeviceClass reads the (address uint64, device
// class string) argument pair every erase/write command shares. When
// ok is true the command may proceed at addr; otherwise code is the
// error code to reply with.
func checkAppRegionAndDeviceClass(ctx *Context, args *codec.Reader, beforeErr, afterErr, mismatchErr int) (addr uintptr, code int, ok bool) {
	a, err := args.ReadUint64()
	if err != nil {
		return 0, ErrorUnspecified, false
	}
	addr = uintptr(a)

	begin, end := ctx.Flash.RegionBounds()
	if addr < begin {
		return 0, beforeErr, false
	}
	if addr >= end {
		return 0, afterErr, false
	}

	dc, err := args.ReadString(nodeconfig.MaxNameLen)
	if err != nil {
		return 0, ErrorUnspecified, false
	}
	if dc != ctx.Store.Live.DeviceClass {
		return 0, mismatchErr, false
	}
	return addr, 0, true
}

func handleEraseFlashPage(ctx *Context, argc uint32, args *codec.Reader, out *codec.Writer) {
	addr, code, ok := checkAppRegionAndDeviceClass(ctx, args, FlashEraseErrorBeforeApp, FlashEraseErrorAfterApp, FlashEraseErrorDeviceClassMismatch)
	if !ok {
		_ = out.WriteUint32(uint32(code))
		return
	}

	ctx.Flash.Unlock()
	err := ctx.Flash.PageErase(addr)
	ctx.Flash.Lock()
	if err != nil {
		_ = out.WriteUint32(FlashEraseUnspecifiedError)
		return
	}
	_ = out.WriteUint32(FlashEraseSuccess)
}

func handleWriteFlash(ctx *Context, argc uint32, args *codec.Reader, out *codec.Writer) {
	addr, code, ok := checkAppRegionAndDeviceClass(ctx, args, FlashWriteErrorBeforeApp, FlashWriteErrorAfterApp, FlashWriteErrorDeviceClassMismatch)
	if !ok {
		_ = out.WriteUint32(uint32(code))
		return
	}

	// Zero-copy: data aliases the datagram's own payload buffer.
	data, err := args.ReadBytes()
	if err != nil {
		_ = out.WriteUint32(FlashWriteErrorUnknownSize)
		return
	}

	ctx.Flash.Unlock()
	err = ctx.Flash.PageProgram(addr, data)
	ctx.Flash.Lock()
	if err == flashmem.ErrNotErased {
		_ = out.WriteUint32(FlashWriteErrorNotErased)
		return
	}
	if err != nil {
		_ = out.WriteUint32(FlashWriteUnspecifiedError)
		return
	}
	_ = out.WriteUint32(FlashWriteSuccess)
}

func handlePing(ctx *Context, argc uint32, args *codec.Reader, out *codec.Writer) {
	_ = out.WriteBool(true)
}

func handleReadFlash(ctx *Context, argc uint32, args *codec.Reader, out *codec.Writer) {
	addr, err := args.ReadUint64()
	if err != nil {
		return
	}
	size, err := args.ReadUint32()
	if err != nil {
		return
	}
	_ = out.WriteBytes(ctx.Flash.ReadAt(uintptr(addr), size))
}

func handleConfigUpdate(ctx *Context, argc uint32, args *codec.Reader, out *codec.Writer) {
	_ = nodeconfig.Unmarshal(args, &ctx.Store.Live)
	_ = out.WriteBool(true)
}

func handleConfigWriteToFlash(ctx *Context, argc uint32, args *codec.Reader, out *codec.Writer) {
	ok := ctx.Store.WriteToFlash()
	_ = out.WriteBool(ok)
}

func handleConfigRead(ctx *Context, argc uint32, args *codec.Reader, out *codec.Writer) {
	_ = nodeconfig.Marshal(ctx.Store.Live, out)
}

func handleGetStatus(ctx *Context, argc uint32, args *codec.Reader, out *codec.Writer) {
	_ = out.WriteUint8(ctx.Status())
}
