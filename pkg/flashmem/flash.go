// Package flashmem provides a façade over a simulated on-chip flash
// array, backing it with an mmap'd region the way a virtual machine
// backs guest physical memory: file-backed when a path is given, so
// the image survives process restarts, or anonymous for ephemeral
// tests.
package flashmem

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// Sentinel errors for the address-range guard and erase-verify check.
var (
	// ErrBeforeRegion is returned when a target address lies below
	// the guarded region (application region, or a config page).
	ErrBeforeRegion = errors.New("flashmem: address before guarded region")
	// ErrAfterRegion is returned when a target address lies at or
	// beyond the guarded region's end.
	ErrAfterRegion = errors.New("flashmem: address at or after guarded region end")
	// ErrNotErased is returned by PageProgram when the target range
	// does not read back as all-0xFF.
	ErrNotErased = errors.New("flashmem: target range not erased")
	// ErrLocked is returned by PageErase/PageProgram when the flash
	// has not been Unlock'd.
	ErrLocked = errors.New("flashmem: flash is locked")
)

// Flash is an mmap-backed simulated flash array with a real flash
// chip's unlock/erase/program discipline: a per-sector "already
// erased this session" memoization, an erase-verify before
// programming, and an address-range guard against writing below or
// at/beyond the guarded region.
type Flash struct {
	mem []byte

	unlocked bool
	erased   map[uintptr]struct{}

	sectorSize  uintptr
	regionBegin uintptr
	regionEnd   uintptr

	file *os.File
}

// Open mmaps size bytes of simulated flash, file-backed at path (the
// file is created if it doesn't exist; a file shorter than size is
// extended and its whole contents reset to 0xFF, the erased state) or
// anonymous if path is empty. sectorSize is the erase granularity;
// regionBegin/regionEnd bound the range PageErase/PageProgram will
// accept (the application region, or a config page). Addresses are
// absolute offsets into the mapping, so size is expanded to at least
// regionEnd if it was given smaller: the guarded region must always
// lie entirely within the mapped array.
func Open(path string, size int, sectorSize uintptr, regionBegin, regionEnd uintptr) (*Flash, error) {
	if int(regionEnd) > size {
		size = int(regionEnd)
	}

	var (
		mem []byte
		f   *os.File
		err error
	)

	if path == "" {
		mem, err = unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
		if err != nil {
			return nil, err
		}
		// Simulated erased flash reads as all-0xFF.
		for i := range mem {
			mem[i] = 0xFF
		}
	} else {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		if info.Size() < int64(size) {
			if err := f.Truncate(int64(size)); err != nil {
				f.Close()
				return nil, err
			}
			blank := make([]byte, size)
			for i := range blank {
				blank[i] = 0xFF
			}
			if _, err := f.WriteAt(blank, 0); err != nil {
				f.Close()
				return nil, err
			}
		}
		mem, err = unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			f.Close()
			return nil, err
		}
	}

	return &Flash{
		mem:         mem,
		erased:      make(map[uintptr]struct{}),
		sectorSize:  sectorSize,
		regionBegin: regionBegin,
		regionEnd:   regionEnd,
		file:        f,
	}, nil
}

// Close unmaps the flash image and closes its backing file, if any.
func (f *Flash) Close() error {
	err := unix.Munmap(f.mem)
	if f.file != nil {
		if cerr := f.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Unlock arms the flash for erase/program operations.
func (f *Flash) Unlock() { f.unlocked = true }

// Lock disarms the flash, disabling all further write operations.
func (f *Flash) Lock() { f.unlocked = false }

// ResetSession clears the per-sector erase memoization, as though a
// new programming session had begun.
func (f *Flash) ResetSession() { f.erased = make(map[uintptr]struct{}) }

func (f *Flash) sector(addr uintptr) uintptr {
	return addr - (addr % f.sectorSize)
}

func (f *Flash) guard(addr uintptr, size uintptr) error {
	if addr < f.regionBegin {
		return ErrBeforeRegion
	}
	if addr+size > f.regionEnd {
		return ErrAfterRegion
	}
	return nil
}

// PageErase erases the sector containing addr, memoizing the
// operation for the remainder of the session so repeated small
// writes into the same sector don't re-erase it.
func (f *Flash) PageErase(addr uintptr) error {
	if !f.unlocked {
		return ErrLocked
	}
	if err := f.guard(addr, 1); err != nil {
		return err
	}
	sec := f.sector(addr)
	if _, done := f.erased[sec]; done {
		return nil
	}
	start := int(sec)
	end := start + int(f.sectorSize)
	if end > len(f.mem) {
		end = len(f.mem)
	}
	for i := start; i < end; i++ {
		f.mem[i] = 0xFF
	}
	f.erased[sec] = struct{}{}
	return nil
}

// IsErased reports whether [addr, addr+size) reads back as all-0xFF.
func (f *Flash) IsErased(addr uintptr, size uint32) bool {
	for i := uintptr(0); i < uintptr(size); i++ {
		if f.mem[addr+i] != 0xFF {
			return false
		}
	}
	return true
}

// PageProgram writes data at addr after verifying the target range
// is erased and within the guarded region.
func (f *Flash) PageProgram(addr uintptr, data []byte) error {
	if !f.unlocked {
		return ErrLocked
	}
	if err := f.guard(addr, uintptr(len(data))); err != nil {
		return err
	}
	if !f.IsErased(addr, uint32(len(data))) {
		return ErrNotErased
	}
	copy(f.mem[addr:addr+uintptr(len(data))], data)
	return nil
}

// ReadAt returns a copy of [addr, addr+size). There is no bounds
// check here by design: the flash-read command is a deliberate
// introspection affordance and the host is trusted for this one
// operation; erase/program/checksum operations enforce their own
// guards before ever reaching this method.
func (f *Flash) ReadAt(addr uintptr, size uint32) []byte {
	out := make([]byte, size)
	copy(out, f.mem[addr:addr+uintptr(size)])
	return out
}

// RegionBounds returns the guarded [begin, end) range this Flash
// enforces for erase/program operations.
func (f *Flash) RegionBounds() (begin, end uintptr) {
	return f.regionBegin, f.regionEnd
}
