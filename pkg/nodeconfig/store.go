package nodeconfig

import (
	"log"

	"github.com/fieldnode/busboot/pkg/flashmem"
)

// StatusSink receives write-outcome telemetry. Implemented by
// pkg/telemetry.Sink; kept as a narrow interface here so nodeconfig
// does not depend on Redis at all.
type StatusSink interface {
	RecordUpdateCount(n uint32)
	RecordConfigWriteOutcome(ok bool)
}

// Defaults fabricates a RAM-only configuration when neither on-flash
// copy is valid. It is never auto-persisted.
type Defaults struct {
	ID          uint8
	Name        string
	DeviceClass string
}

// Store owns the two redundant config pages and the live in-memory
// Record handlers read and mutate.
type Store struct {
	flash    *flashmem.Flash
	page1    Page
	page2    Page
	flashLo  uintptr
	flashHi  uintptr
	defaults Defaults
	sink     StatusSink
	logger   *log.Logger

	Live Record
}

// NewStore constructs a Store bound to flash, with config1/config2 at
// the given pages (each page.Size bytes), and the flash's overall
// address range [flashBegin, flashEnd) used by the page validity
// check. sink may be nil.
func NewStore(flash *flashmem.Flash, page1, page2 Page, flashBegin, flashEnd uintptr, defaults Defaults, sink StatusSink, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{
		flash:    flash,
		page1:    page1,
		page2:    page2,
		flashLo:  flashBegin,
		flashHi:  flashEnd,
		defaults: defaults,
		sink:     sink,
		logger:   logger,
	}
}

// Load reads the active configuration at startup: config1 if valid,
// else config2 if valid, else fabricated defaults (RAM only, never
// written back).
func (s *Store) Load() Record {
	if IsValid(s.flash, s.page1, s.flashLo, s.flashHi) {
		rec, err := Read(s.flash, s.page1)
		if err == nil {
			s.logger.Printf("nodeconfig: loaded config1 (update_count=%d)", rec.UpdateCount)
			s.Live = rec
			return rec
		}
		s.logger.Printf("nodeconfig: config1 valid but undecodable: %v", err)
	}
	if IsValid(s.flash, s.page2, s.flashLo, s.flashHi) {
		rec, err := Read(s.flash, s.page2)
		if err == nil {
			s.logger.Printf("nodeconfig: loaded config2 (update_count=%d)", rec.UpdateCount)
			s.Live = rec
			return rec
		}
		s.logger.Printf("nodeconfig: config2 valid but undecodable: %v", err)
	}

	s.logger.Printf("nodeconfig: no valid config page, fabricating defaults")
	s.Live = Record{
		ID:              s.defaults.ID,
		Name:            s.defaults.Name,
		DeviceClass:     s.defaults.DeviceClass,
		ApplicationCRC:  SentinelApplicationCRC,
		ApplicationSize: 0,
		UpdateCount:     1,
	}
	return s.Live
}

func (s *Store) writeAndVerify(p Page, buf []byte) bool {
	s.flash.Unlock()
	defer s.flash.Lock()
	// A config write is always a full erase/program cycle: clear the
	// per-sector erase memoization so PageErase really erases the page
	// even if it was already erased earlier in this session.
	s.flash.ResetSession()
	if err := s.flash.PageErase(p.Addr); err != nil {
		s.logger.Printf("nodeconfig: erase %#x failed: %v", p.Addr, err)
		return false
	}
	if err := s.flash.PageProgram(p.Addr, buf); err != nil {
		s.logger.Printf("nodeconfig: program %#x failed: %v", p.Addr, err)
		return false
	}
	return IsValid(s.flash, p, s.flashLo, s.flashHi)
}

// WriteToFlash executes the power-loss-safe dual-write sequence: bump
// update_count, re-serialize, and write the two copies in whichever
// order leaves a valid copy on flash at every instant the device
// could lose power. It reports whether both copies ended up valid.
func (s *Store) WriteToFlash() bool {
	s.Live.UpdateCount++

	buf, err := Encode(s.Live, s.page1.Size)
	if err != nil {
		s.logger.Printf("nodeconfig: encode failed: %v", err)
		if s.sink != nil {
			s.sink.RecordConfigWriteOutcome(false)
		}
		return false
	}

	config2Valid := IsValid(s.flash, s.page2, s.flashLo, s.flashHi)
	config1Valid := IsValid(s.flash, s.page1, s.flashLo, s.flashHi)

	var ok bool
	switch {
	case config2Valid:
		// config2 is the last-known-good: update config1 first.
		ok = s.writeAndVerify(s.page1, buf) && s.writeAndVerify(s.page2, buf)
	case config1Valid:
		ok = s.writeAndVerify(s.page2, buf) && s.writeAndVerify(s.page1, buf)
	default:
		// Neither copy valid: first boot / recovery. Write both,
		// success requires both to verify.
		a := s.writeAndVerify(s.page1, buf)
		b := s.writeAndVerify(s.page2, buf)
		ok = a && b
	}

	if s.sink != nil {
		s.sink.RecordUpdateCount(s.Live.UpdateCount)
		s.sink.RecordConfigWriteOutcome(ok)
	}
	return ok
}
