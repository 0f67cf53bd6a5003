package command

import (
	"sync/atomic"

	"github.com/fieldnode/busboot/pkg/flashmem"
	"github.com/fieldnode/busboot/pkg/nodeconfig"
)

// RebootFunc hands a boot argument off to the platform reboot path.
// Defined here rather than in pkg/bootnode, which supplies the real
// implementation, to avoid a dependency cycle (bootnode imports
// command for Dispatcher/Context, not the reverse).
type RebootFunc func(arg int32)

// Reboot argument values passed to a RebootFunc. pkg/bootnode's
// RebootArg shares these numeric values.
const (
	RebootStartApplication         int32 = 0
	RebootStartBootloader          int32 = 1
	RebootStartBootloaderNoTimeout int32 = 2
	RebootStartSTBootloader        int32 = 3
)

// Context is the shared state every handler runs against.
type Context struct {
	Flash  *flashmem.Flash
	Store  *nodeconfig.Store
	Reboot RebootFunc

	status atomic.Uint32
}

// NewContext wires a handler Context around a guarded application
// flash, a configuration store, and a reboot hook.
func NewContext(flash *flashmem.Flash, store *nodeconfig.Store, reboot RebootFunc) *Context {
	return &Context{Flash: flash, Store: store, Reboot: reboot}
}

// SetStatus records the byte GET_STATUS will next report.
func (c *Context) SetStatus(code uint8) { c.status.Store(uint32(code)) }

// Status returns the byte GET_STATUS will next report.
func (c *Context) Status() uint8 { return uint8(c.status.Load()) }
