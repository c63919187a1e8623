package mmio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/zboralski/bootrace/internal/arm"
	"github.com/zboralski/bootrace/internal/device"
	"github.com/zboralski/bootrace/internal/symbols"
)

// fakeCPU backs memory with a map and registers with an array.
type fakeCPU struct {
	mem      map[uint32]byte
	regs     [17]uint32
	unmapped map[uint32]bool
}

func newFakeCPU() *fakeCPU {
	return &fakeCPU{mem: make(map[uint32]byte), unmapped: make(map[uint32]bool)}
}

func (c *fakeCPU) MemRead(addr uint32, size int) ([]byte, error) {
	if c.unmapped[addr] {
		return nil, errors.New("UC_ERR_READ_UNMAPPED")
	}
	out := make([]byte, size)
	for i := range out {
		out[i] = c.mem[addr+uint32(i)]
	}
	return out, nil
}

func (c *fakeCPU) MemWrite(addr uint32, data []byte) error {
	for i, b := range data {
		c.mem[addr+uint32(i)] = b
	}
	return nil
}

func (c *fakeCPU) RegRead(reg arm.Reg) (uint32, error) {
	return c.regs[reg], nil
}

func (c *fakeCPU) put32(addr, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	c.MemWrite(addr, b[:])
}

const (
	timerAddr = 0x0d800010
	gpioAddr  = 0x0d8000e0
	testPC    = 0x0d401234
)

func setup(opts Options) (*fakeCPU, *device.Registry, *symbols.Table, *bytes.Buffer, *Interceptor) {
	cpu := newFakeCPU()
	cpu.regs[arm.PC] = testPC
	syms := symbols.New()
	devs := device.NewRegistry(syms)
	var out bytes.Buffer
	opts.Out = &out
	return cpu, devs, syms, &out, New(cpu, devs, syms, opts)
}

func TestSkippedReadStillRunsDevice(t *testing.T) {
	cpu, devs, _, out, ic := setup(Options{Skip: []uint32{timerAddr}})
	timer := device.NewTimer(timerAddr)
	timer.Attach(devs)

	if ic.OnAccess(Read, timerAddr, 4, 0) {
		t.Error("OnAccess returned true")
	}
	if strings.Contains(out.String(), "[IO][READ]") {
		t.Errorf("skipped read was logged: %q", out.String())
	}
	if timer.Value() != 1 {
		t.Errorf("timer = %d, want 1", timer.Value())
	}
	b, _ := cpu.MemRead(timerAddr, 4)
	if binary.BigEndian.Uint32(b) != 1 {
		t.Errorf("timer memory = % x", b)
	}
	if ic.Stats().Skipped != 1 {
		t.Errorf("Skipped = %d", ic.Stats().Skipped)
	}
}

func TestReadLogsRefetchedValue(t *testing.T) {
	cpu, _, _, out, ic := setup(Options{})
	cpu.put32(gpioAddr, 0xCAFEF00D)

	ic.OnAccess(Read, gpioAddr, 2, 0x1111)

	want := "[IO][READ] (2) 0d8000e0: cafef00d @ PC=0d401234\n"
	if out.String() != want {
		t.Errorf("got %q, want %q", out.String(), want)
	}
}

func TestReadShowsPostSideEffectValue(t *testing.T) {
	cpu, devs, syms, out, ic := setup(Options{})
	syms.Add(timerAddr, "HW_TIMER")
	timer := device.NewTimer(timerAddr)
	timer.Attach(devs)
	timer.Set(41)
	cpu.put32(timerAddr, 41)

	ic.OnAccess(Read, timerAddr, 4, 0)

	want := "[IO][READ] (4) HW_TIMER: 0000002a @ PC=0d401234\n"
	if out.String() != want {
		t.Errorf("got %q, want %q", out.String(), want)
	}
}

func TestReadFetchFailureUsesSentinel(t *testing.T) {
	cpu, _, _, out, ic := setup(Options{})
	cpu.unmapped[gpioAddr] = true

	ic.OnAccess(Read, gpioAddr, 4, 0)

	if !strings.Contains(out.String(), ": 0badadd4 @") {
		t.Errorf("sentinel missing: %q", out.String())
	}
	if ic.Stats().FetchErrors != 1 {
		t.Errorf("FetchErrors = %d", ic.Stats().FetchErrors)
	}
}

func TestWriteLogsPassedValue(t *testing.T) {
	cpu, devs, syms, out, ic := setup(Options{})
	syms.Add(gpioAddr, "HW_GPIO_OUT")
	cpu.put32(gpioAddr, 0xFFFFFFFF)

	var seen uint64
	devs.RegisterWrite(gpioAddr, func(_ device.Memory, _ uint32, v uint64) error {
		if !strings.Contains(out.String(), "[IO][WRITE]") {
			t.Error("write handler ran before the log line")
		}
		seen = v
		return nil
	})

	ic.OnAccess(Write, gpioAddr, 4, 0x12345678)

	want := "[IO][WRITE] (4) HW_GPIO_OUT: 12345678 @ PC=0d401234\n"
	if out.String() != want {
		t.Errorf("got %q, want %q", out.String(), want)
	}
	if seen != 0x12345678 {
		t.Errorf("handler saw 0x%x", seen)
	}
}

func TestWriteMasksBySize(t *testing.T) {
	_, _, _, out, ic := setup(Options{})
	ic.OnAccess(Write, gpioAddr, 1, -1)
	if !strings.Contains(out.String(), ": 000000ff @") {
		t.Errorf("got %q", out.String())
	}
}

func TestSkippedWrite(t *testing.T) {
	_, devs, _, out, ic := setup(Options{Skip: []uint32{gpioAddr}})
	called := false
	devs.RegisterWrite(gpioAddr, func(device.Memory, uint32, uint64) error {
		called = true
		return nil
	})

	ic.OnAccess(Write, gpioAddr, 4, 1)

	if out.Len() != 0 {
		t.Errorf("skipped write logged: %q", out.String())
	}
	if !called {
		t.Error("write handler not called")
	}
}

func TestInvalidAlwaysDumps(t *testing.T) {
	for _, skip := range []bool{false, true} {
		var opts Options
		if skip {
			opts.Skip = []uint32{0x100}
		}
		cpu, _, _, out, ic := setup(opts)
		cpu.regs[arm.R0] = 0xDEADBABE
		cpu.regs[arm.LR] = 0x0d400100

		ic.OnAccess(Invalid, 0x100, 4, 0)

		s := out.String()
		if strings.Contains(s, "[IO][UNKNOWN]") == skip {
			t.Errorf("skip=%v: unexpected UNKNOWN presence in %q", skip, s)
		}
		if !strings.Contains(s, "[IO] ADDR=00000100 | R0 = 0xdeadbabe") {
			t.Errorf("skip=%v: no register dump in %q", skip, s)
		}
		if !strings.Contains(s, "       PC=0x0d401234 | SP=0x00000000 | CPSR=0x00000000\n") {
			t.Errorf("skip=%v: no PC line in %q", skip, s)
		}
	}
}

func TestInvalidLine(t *testing.T) {
	_, _, _, out, ic := setup(Options{})
	ic.OnAccess(Invalid, 0xFFFF0000, 4, 0)
	first := strings.SplitN(out.String(), "\n", 2)[0]
	want := "[IO][UNKNOWN] Probably bad address=0xffff0000 access @ PC=0x0d401234"
	if first != want {
		t.Errorf("got %q, want %q", first, want)
	}
}

func TestEnhancedDump(t *testing.T) {
	cpu, _, _, out, ic := setup(Options{Enhanced: []uint32{testPC}})
	cpu.put32(gpioAddr, 7)

	ic.OnAccess(Read, gpioAddr, 4, 0)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 7 {
		t.Fatalf("got %d lines:\n%s", len(lines), out.String())
	}
	if lines[0] != "[IO] ENHANCED DUMP START" || lines[6] != "[IO] ENHANCED DUMP END" {
		t.Errorf("markers wrong: %q / %q", lines[0], lines[6])
	}
	if !strings.HasPrefix(lines[3], "[IO][READ]") {
		t.Errorf("read line at %q", lines[3])
	}
}

func TestDeviceErrorDoesNotAbort(t *testing.T) {
	cpu, devs, _, out, ic := setup(Options{})
	cpu.put32(gpioAddr, 3)
	devs.RegisterRead(gpioAddr, func(device.Memory, uint32) error {
		return errors.New("bus error")
	})

	ic.OnAccess(Read, gpioAddr, 4, 0)

	if !strings.Contains(out.String(), ": 00000003 @") {
		t.Errorf("got %q", out.String())
	}
	if ic.Stats().DeviceErrors != 1 || ic.Stats().Reads != 1 {
		t.Errorf("stats = %+v", ic.Stats())
	}
}

func TestDumpStateFormat(t *testing.T) {
	cpu := newFakeCPU()
	cpu.regs[arm.R0] = 1
	cpu.regs[arm.R1] = 2
	cpu.regs[arm.R2] = 3
	cpu.regs[arm.R3] = 4
	cpu.regs[arm.LR] = 0x0d400010
	cpu.regs[arm.PC] = 0x0d400020
	cpu.regs[arm.SP] = 0x0d410000
	cpu.regs[arm.CPSR] = 0x1d3

	var buf bytes.Buffer
	DumpState(&buf, cpu, "UNKNOWN", NoAddr)

	want := "[UNKNOWN] ADDR=abadc0de | R0 = 0x00000001 | R1 = 0x00000002 | R2 = 0x00000003 | R3 = 0x00000004 | LR = 0x0d400010\n" +
		"       PC=0x0d400020 | SP=0x0d410000 | CPSR=0x000001d3\n"
	if buf.String() != want {
		t.Errorf("got:\n%s\nwant:\n%s", buf.String(), want)
	}
}
