package bootnode

import "github.com/fieldnode/busboot/pkg/command"

// RebootArg is the boot argument a warm reset carries forward to the
// next boot stage. Its numeric values line up with pkg/command's
// RebootStart* constants so a command.RebootFunc callback (which only
// knows a bare int32) can be converted back into one directly.
type RebootArg int32

const (
	StartApplication         RebootArg = RebootArg(command.RebootStartApplication)
	StartBootloader          RebootArg = RebootArg(command.RebootStartBootloader)
	StartBootloaderNoTimeout RebootArg = RebootArg(command.RebootStartBootloaderNoTimeout)
	// StartSTBootloader delegates to the vendor ROM bootloader rather
	// than this firmware's own bootloader or application.
	StartSTBootloader RebootArg = RebootArg(command.RebootStartSTBootloader)
)

// Rebooter performs the platform reboot-with-argument operation: park
// arg somewhere the next boot stage reads it back from, then actually
// reset. The real mechanism (warm-reset RAM retention across a system
// reset) is a platform collaborator outside this module's scope.
type Rebooter interface {
	Reboot(arg RebootArg)
}

// RebootFunc adapts a plain function to Rebooter.
type RebootFunc func(arg RebootArg)

// Reboot implements Rebooter.
func (f RebootFunc) Reboot(arg RebootArg) { f(arg) }

// RAMArgStore stands in for the warm-reset RAM magic sequence: it
// records the last reboot argument without restarting anything,
// letting the in-process simulator and tests observe what a real
// reboot would have carried forward.
type RAMArgStore struct {
	last RebootArg
	set  bool
}

// Reboot implements Rebooter.
func (s *RAMArgStore) Reboot(arg RebootArg) {
	s.last = arg
	s.set = true
}

// LastArg returns the most recently recorded reboot argument, if any.
func (s *RAMArgStore) LastArg() (arg RebootArg, ok bool) { return s.last, s.set }
