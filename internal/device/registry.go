// Package device holds the side effects of memory-mapped peripherals.
//
// Handlers are keyed by exact address, not by range. The interceptor
// dispatches every MMIO read and write here; addresses with no handler are
// no-ops. All dispatch happens on the emulation thread inside core hooks.
package device

import (
	"slices"

	glog "github.com/zboralski/bootrace/internal/log"
	"github.com/zboralski/bootrace/internal/symbols"
)

// Memory is the slice of the CPU core a device needs to publish register
// values back into the emulated address space.
type Memory interface {
	MemRead(addr uint32, size int) ([]byte, error)
	MemWrite(addr uint32, data []byte) error
}

// ReadHandler runs before a read at its address is observed.
type ReadHandler func(mem Memory, addr uint32) error

// WriteHandler runs after a write to its address has been logged.
type WriteHandler func(mem Memory, addr uint32, value uint64) error

// Def describes a device register. Nil handlers leave any existing handler
// for that direction untouched.
type Def struct {
	Name  string
	Addr  uint32
	Read  ReadHandler
	Write WriteHandler
}

type readEntry struct {
	name string
	fn   ReadHandler
}

type writeEntry struct {
	name string
	fn   WriteHandler
}

// Registry maps register addresses to side-effect handlers.
type Registry struct {
	reads  map[uint32]readEntry
	writes map[uint32]writeEntry

	syms *symbols.Table
	log  *glog.Logger
}

// NewRegistry creates an empty registry. syms is only used to name
// registers in diagnostics and may be nil.
func NewRegistry(syms *symbols.Table) *Registry {
	return &Registry{
		reads:  make(map[uint32]readEntry),
		writes: make(map[uint32]writeEntry),
		syms:   syms,
		log:    glog.Get().WithCategory("device"),
	}
}

// Register installs the handlers of def.
func (r *Registry) Register(def Def) {
	name := def.Name
	if name == "" {
		name = r.syms.Name(def.Addr)
	}
	if def.Read != nil {
		r.reads[def.Addr] = readEntry{name: name, fn: def.Read}
		r.log.DeviceRegister("read", name, def.Addr)
	}
	if def.Write != nil {
		r.writes[def.Addr] = writeEntry{name: name, fn: def.Write}
		r.log.DeviceRegister("write", name, def.Addr)
	}
}

// RegisterRead installs a read side effect at addr.
func (r *Registry) RegisterRead(addr uint32, fn ReadHandler) {
	r.Register(Def{Addr: addr, Read: fn})
}

// RegisterWrite installs a write side effect at addr.
func (r *Registry) RegisterWrite(addr uint32, fn WriteHandler) {
	r.Register(Def{Addr: addr, Write: fn})
}

// DispatchRead runs the read handler for addr, if any.
func (r *Registry) DispatchRead(mem Memory, addr uint32) error {
	e, ok := r.reads[addr]
	if !ok {
		return nil
	}
	return e.fn(mem, addr)
}

// DispatchWrite runs the write handler for addr, if any.
func (r *Registry) DispatchWrite(mem Memory, addr uint32, value uint64) error {
	e, ok := r.writes[addr]
	if !ok {
		return nil
	}
	return e.fn(mem, addr, value)
}

// Addresses returns every address with at least one handler, ascending.
func (r *Registry) Addresses() []uint32 {
	out := make([]uint32, 0, len(r.reads)+len(r.writes))
	for addr := range r.reads {
		out = append(out, addr)
	}
	for addr := range r.writes {
		if _, ok := r.reads[addr]; !ok {
			out = append(out, addr)
		}
	}
	slices.Sort(out)
	return out
}

// Count returns the number of registered handlers across both directions.
func (r *Registry) Count() int {
	return len(r.reads) + len(r.writes)
}
