// Package emulator provides big-endian 32-bit ARM emulation using Unicorn Engine.
package emulator

import (
	"encoding/binary"
	"errors"
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"golang.org/x/exp/constraints"

	"github.com/zboralski/bootrace/internal/arm"
	"github.com/zboralski/bootrace/internal/mmio"
	"github.com/zboralski/bootrace/internal/trace"
)

// PageSize is the mapping granularity required by Unicorn.
const PageSize = 0x1000

// ErrUnknownReg is returned for registers the core does not expose.
var ErrUnknownReg = errors.New("unknown register")

// Prot is a memory protection mask.
type Prot int

const (
	ProtRead  Prot = uc.PROT_READ
	ProtWrite Prot = uc.PROT_WRITE
	ProtExec  Prot = uc.PROT_EXEC
	ProtAll   Prot = uc.PROT_ALL
)

// CodeHookFunc is called on block entry or for each traced instruction.
type CodeHookFunc func(emu *Emulator, addr, size uint32)

var regIDs = map[arm.Reg]int{
	arm.R0:   uc.ARM_REG_R0,
	arm.R1:   uc.ARM_REG_R1,
	arm.R2:   uc.ARM_REG_R2,
	arm.R3:   uc.ARM_REG_R3,
	arm.R4:   uc.ARM_REG_R4,
	arm.R5:   uc.ARM_REG_R5,
	arm.R6:   uc.ARM_REG_R6,
	arm.R7:   uc.ARM_REG_R7,
	arm.R8:   uc.ARM_REG_R8,
	arm.R9:   uc.ARM_REG_R9,
	arm.R10:  uc.ARM_REG_R10,
	arm.R11:  uc.ARM_REG_R11,
	arm.R12:  uc.ARM_REG_R12,
	arm.SP:   uc.ARM_REG_SP,
	arm.LR:   uc.ARM_REG_LR,
	arm.PC:   uc.ARM_REG_PC,
	arm.CPSR: uc.ARM_REG_CPSR,
}

// Region is a mapped memory range.
type Region struct {
	Base uint32
	Size uint32
	Prot Prot
	Name string
}

// End returns the first address past the region.
func (r Region) End() uint64 {
	return uint64(r.Base) + uint64(r.Size)
}

// Emulator wraps Unicorn for big-endian ARM emulation.
type Emulator struct {
	mu      uc.Unicorn
	regions []Region
	hooks   []uc.Hook
}

// New creates a big-endian ARM emulator with nothing mapped.
func New() (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM, uc.MODE_ARM|uc.MODE_BIG_ENDIAN)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}
	return &Emulator{mu: mu}, nil
}

// Close releases resources
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// Align rounds a up to a multiple of b, which must be a power of two.
func Align[I constraints.Integer](a, b I) I {
	return (a + b - 1) &^ (b - 1)
}

// MapRegion maps [base, base+size) with prot. Size is rounded up to a page.
func (e *Emulator) MapRegion(name string, base, size uint32, prot Prot) error {
	if base%PageSize != 0 {
		return fmt.Errorf("map %s: base 0x%08x not page aligned", name, base)
	}
	sz := Align(uint64(size), PageSize)
	if err := e.mu.MemMapProt(uint64(base), sz, int(prot)); err != nil {
		return fmt.Errorf("map %s (0x%08x): %w", name, base, err)
	}
	e.regions = append(e.regions, Region{Base: base, Size: uint32(sz), Prot: prot, Name: name})
	return nil
}

// Regions returns the mapped regions in mapping order.
func (e *Emulator) Regions() []Region {
	return append([]Region(nil), e.regions...)
}

// LoadImage writes a flat binary image at base.
func (e *Emulator) LoadImage(base uint32, image []byte) error {
	if err := e.mu.MemWrite(uint64(base), image); err != nil {
		return fmt.Errorf("load image at 0x%08x: %w", base, err)
	}
	return nil
}

// MemRead reads size bytes at addr.
func (e *Emulator) MemRead(addr uint32, size int) ([]byte, error) {
	return e.mu.MemRead(uint64(addr), uint64(size))
}

// MemWrite writes data at addr.
func (e *Emulator) MemWrite(addr uint32, data []byte) error {
	return e.mu.MemWrite(uint64(addr), data)
}

// MemReadU32 reads a big-endian uint32.
func (e *Emulator) MemReadU32(addr uint32) (uint32, error) {
	data, err := e.mu.MemRead(uint64(addr), 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(data), nil
}

// MemWriteU32 writes a big-endian uint32.
func (e *Emulator) MemWriteU32(addr, val uint32) error {
	var data [4]byte
	binary.BigEndian.PutUint32(data[:], val)
	return e.mu.MemWrite(uint64(addr), data[:])
}

// RegRead reads a register value
func (e *Emulator) RegRead(reg arm.Reg) (uint32, error) {
	id, ok := regIDs[reg]
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrUnknownReg, reg)
	}
	v, err := e.mu.RegRead(id)
	return uint32(v), err
}

// RegWrite writes a register value
func (e *Emulator) RegWrite(reg arm.Reg, val uint32) error {
	id, ok := regIDs[reg]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownReg, reg)
	}
	return e.mu.RegWrite(id, uint64(val))
}

// PC returns the program counter
func (e *Emulator) PC() uint32 { return arm.Value(e, arm.PC) }

// LR returns the link register
func (e *Emulator) LR() uint32 { return arm.Value(e, arm.LR) }

// SP returns the stack pointer
func (e *Emulator) SP() uint32 { return arm.Value(e, arm.SP) }

// Thumb reports whether the CPSR T flag is set.
func (e *Emulator) Thumb() bool {
	return arm.Value(e, arm.CPSR)&arm.ThumbBit != 0
}

// HookBlock calls fn on every basic block entry.
func (e *Emulator) HookBlock(fn CodeHookFunc) error {
	h, err := e.mu.HookAdd(uc.HOOK_BLOCK, func(mu uc.Unicorn, addr uint64, size uint32) {
		fn(e, uint32(addr), size)
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("hook block: %w", err)
	}
	e.hooks = append(e.hooks, h)
	return nil
}

// HookTrace feeds every block entry to l along with the LR at that moment.
func (e *Emulator) HookTrace(l trace.BlockListener) error {
	return e.HookBlock(func(e *Emulator, addr, size uint32) {
		l.OnBlockEnter(e.LR(), addr)
	})
}

// HookCode calls fn for every instruction in [begin, end].
func (e *Emulator) HookCode(begin, end uint32, fn CodeHookFunc) error {
	h, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		fn(e, uint32(addr), size)
	}, uint64(begin), uint64(end))
	if err != nil {
		return fmt.Errorf("hook code: %w", err)
	}
	e.hooks = append(e.hooks, h)
	return nil
}

// HookMem routes reads and writes inside [begin, end] to l.
func (e *Emulator) HookMem(begin, end uint32, l mmio.AccessListener) error {
	h, err := e.mu.HookAdd(uc.HOOK_MEM_READ|uc.HOOK_MEM_WRITE,
		func(mu uc.Unicorn, access int, addr uint64, size int, value int64) {
			l.OnAccess(accessKind(access), uint32(addr), size, value)
		}, uint64(begin), uint64(end))
	if err != nil {
		return fmt.Errorf("hook mem: %w", err)
	}
	e.hooks = append(e.hooks, h)
	return nil
}

// HookInvalid routes unmapped and protection faults anywhere to l. The
// listener's return value tells Unicorn whether the fault was handled.
func (e *Emulator) HookInvalid(l mmio.AccessListener) error {
	h, err := e.mu.HookAdd(uc.HOOK_MEM_INVALID,
		func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
			return l.OnAccess(accessKind(access), uint32(addr), size, value)
		}, 1, 0)
	if err != nil {
		return fmt.Errorf("hook invalid: %w", err)
	}
	e.hooks = append(e.hooks, h)
	return nil
}

func accessKind(access int) mmio.Kind {
	switch access {
	case uc.MEM_READ:
		return mmio.Read
	case uc.MEM_WRITE:
		return mmio.Write
	}
	return mmio.Invalid
}

// Run executes from start until the PC reaches until or count instructions
// have run. count 0 means no limit. Set bit 0 of start for Thumb.
func (e *Emulator) Run(start, until uint32, count uint64) error {
	return e.mu.StartWithOptions(uint64(start), uint64(until), &uc.UcOptions{Count: count})
}

// Stop stops emulation
func (e *Emulator) Stop() error {
	return e.mu.Stop()
}
