// Package mmio intercepts memory-mapped I/O and invalid accesses coming out
// of the CPU core, applies device side effects and prints the access log.
//
// The interceptor never stops emulation on its own: every access is logged
// and execution is handed back to the core, which applies its own policy
// to unmapped or protected accesses.
//
// When the faulting PC is in the enhanced set, the access is bracketed by
// "[IO] ENHANCED DUMP START" and "[IO] ENHANCED DUMP END" lines, each next
// to a register dump tagged IO.
package mmio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/zboralski/bootrace/internal/arm"
	"github.com/zboralski/bootrace/internal/device"
	glog "github.com/zboralski/bootrace/internal/log"
	"github.com/zboralski/bootrace/internal/symbols"
)

// Sentinel is logged in place of a value that could not be re-read.
const Sentinel = 0x0BADADD4

// Kind classifies an access.
type Kind int

const (
	Read Kind = iota
	Write
	Invalid
)

func (k Kind) String() string {
	switch k {
	case Read:
		return "read"
	case Write:
		return "write"
	case Invalid:
		return "invalid"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// CPU is what the interceptor needs from the emulation core.
type CPU interface {
	device.Memory
	arm.Registers
}

// AccessListener receives classified memory accesses. The return value
// reports whether the access was handled; false lets the core decide.
type AccessListener interface {
	OnAccess(kind Kind, addr uint32, size int, value int64) bool
}

// Options configures an Interceptor.
type Options struct {
	Skip     []uint32  // addresses excluded from [IO] lines
	Enhanced []uint32  // faulting PCs that get full register dumps
	Out      io.Writer // defaults to os.Stdout
}

// Stats counts what the interceptor has seen.
type Stats struct {
	Reads        int
	Writes       int
	Invalid      int
	Skipped      int
	FetchErrors  int
	DeviceErrors int
}

// Interceptor implements AccessListener for the MMIO window and for
// invalid accesses anywhere.
type Interceptor struct {
	cpu      CPU
	devices  *device.Registry
	syms     *symbols.Table
	skip     map[uint32]bool
	enhanced map[uint32]bool
	out      io.Writer
	log      *glog.Logger
	stats    Stats
}

// New creates an interceptor. devices and syms may be nil.
func New(cpu CPU, devices *device.Registry, syms *symbols.Table, opts Options) *Interceptor {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if devices == nil {
		devices = device.NewRegistry(syms)
	}
	return &Interceptor{
		cpu:      cpu,
		devices:  devices,
		syms:     syms,
		skip:     toSet(opts.Skip),
		enhanced: toSet(opts.Enhanced),
		out:      out,
		log:      glog.Get().WithCategory("mmio"),
	}
}

func toSet(addrs []uint32) map[uint32]bool {
	s := make(map[uint32]bool, len(addrs))
	for _, a := range addrs {
		s[a] = true
	}
	return s
}

// Stats returns a copy of the access counters.
func (i *Interceptor) Stats() Stats {
	return i.stats
}

// OnAccess handles one access. It always returns false.
func (i *Interceptor) OnAccess(kind Kind, addr uint32, size int, value int64) bool {
	pc := arm.Value(i.cpu, arm.PC)
	enhanced := i.enhanced[pc]
	skipped := i.skip[addr]
	if skipped {
		i.stats.Skipped++
	}

	if enhanced {
		fmt.Fprintln(i.out, "[IO] ENHANCED DUMP START")
		DumpState(i.out, i.cpu, "IO", addr)
	}

	switch kind {
	case Read:
		i.stats.Reads++
		if err := i.devices.DispatchRead(i.cpu, addr); err != nil {
			i.stats.DeviceErrors++
			i.log.Warn("device read", glog.Addr(addr), zap.Error(err))
		}
		// Log what the load will observe, after side effects.
		v := i.fetch(addr)
		i.log.Access("read", addr, size, uint64(v), pc)
		if !skipped {
			fmt.Fprintf(i.out, "[IO][READ] (%d) %s: %08x @ PC=%08x\n", size, i.syms.Name(addr), v, pc)
		}

	case Write:
		i.stats.Writes++
		v := mask(value, size)
		i.log.Access("write", addr, size, v, pc)
		if !skipped {
			fmt.Fprintf(i.out, "[IO][WRITE] (%d) %s: %08x @ PC=%08x\n", size, i.syms.Name(addr), v, pc)
		}
		if err := i.devices.DispatchWrite(i.cpu, addr, v); err != nil {
			i.stats.DeviceErrors++
			i.log.Warn("device write", glog.Addr(addr), zap.Error(err))
		}

	default:
		i.stats.Invalid++
		i.log.Access("invalid", addr, size, uint64(value), pc)
		if !skipped {
			fmt.Fprintf(i.out, "[IO][UNKNOWN] Probably bad address=0x%08x access @ PC=0x%08x\n", addr, pc)
		}
		DumpState(i.out, i.cpu, "IO", addr)
	}

	if enhanced {
		DumpState(i.out, i.cpu, "IO", addr)
		fmt.Fprintln(i.out, "[IO] ENHANCED DUMP END")
	}
	return false
}

// fetch re-reads the 32-bit big-endian word at addr regardless of access
// size. Failures degrade to Sentinel.
func (i *Interceptor) fetch(addr uint32) uint32 {
	b, err := i.cpu.MemRead(addr, 4)
	if err != nil || len(b) < 4 {
		i.stats.FetchErrors++
		return Sentinel
	}
	return binary.BigEndian.Uint32(b)
}

func mask(value int64, size int) uint64 {
	switch size {
	case 1:
		return uint64(value) & 0xFF
	case 2:
		return uint64(value) & 0xFFFF
	case 4:
		return uint64(value) & 0xFFFFFFFF
	}
	return uint64(value)
}
