// Package session wires the tracer, the MMIO interceptor and the device
// models into a Unicorn core and runs one boot image.
package session

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zboralski/bootrace/internal/arm"
	"github.com/zboralski/bootrace/internal/config"
	"github.com/zboralski/bootrace/internal/device"
	"github.com/zboralski/bootrace/internal/emulator"
	glog "github.com/zboralski/bootrace/internal/log"
	"github.com/zboralski/bootrace/internal/mmio"
	"github.com/zboralski/bootrace/internal/script"
	"github.com/zboralski/bootrace/internal/symbols"
	"github.com/zboralski/bootrace/internal/trace"
)

// Fault is a core execution error. It is reported, never fatal.
type Fault struct {
	PC   uint32
	Pass int
	Err  error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("fault at PC=0x%08x: %v", f.PC, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// CustomResult holds the two output words of a custom range run.
type CustomResult struct {
	Data uint32
	V1   uint32
	V2   uint32
}

// Result is the immutable outcome of a run.
type Result struct {
	ID      string
	Lines   []trace.Line
	Edges   []trace.Edge
	Fault   *Fault
	Stats   mmio.Stats
	Blocks  int
	Traced  int // instructions seen by the custom range code hook
	Passes  int
	Symbols int
	Devices int
	Custom  *CustomResult
	Final   map[arm.Reg]uint32
}

// Export converts r into a trace file record.
func (r *Result) Export() *trace.Export {
	e := &trace.Export{Session: r.ID, Lines: r.Lines}
	if r.Fault != nil {
		e.Fault = r.Fault.Error()
	}
	return e
}

// Session is one configured run. It is not safe for concurrent use.
type Session struct {
	cfg    *config.Config
	id     string
	image  []byte
	syms   *symbols.Table
	script *script.Engine
	out    io.Writer
	log    *glog.Logger
}

// Option configures a Session.
type Option func(*Session)

// WithOutput sets where the console protocol is written. Default os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(s *Session) { s.out = w }
}

// WithImage supplies the boot image instead of reading cfg.Image.
func WithImage(image []byte) Option {
	return func(s *Session) { s.image = image }
}

// WithSymbols supplies a symbol table instead of loading cfg.Symbols.
func WithSymbols(t *symbols.Table) Option {
	return func(s *Session) { s.syms = t }
}

// WithScript supplies a compiled script instead of loading cfg.Script.
func WithScript(e *script.Engine) Option {
	return func(s *Session) { s.script = e }
}

// New validates cfg and loads the image, symbol map and script. Failing to
// open any of them is fatal.
func New(cfg *config.Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{cfg: cfg, id: uuid.NewString(), out: os.Stdout}
	for _, opt := range opts {
		opt(s)
	}
	s.log = glog.Get().WithCategory("session").WithSession(s.id)

	if s.image == nil {
		if cfg.Image == "" {
			return nil, fmt.Errorf("%w: no image", config.ErrInvalid)
		}
		data, err := os.ReadFile(cfg.Image)
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}
		s.image = data
	}
	if uint64(len(s.image)) > uint64(cfg.RAMSize) {
		return nil, fmt.Errorf("%w: image is 0x%x bytes, ram is 0x%x", config.ErrInvalid, len(s.image), cfg.RAMSize)
	}

	if s.syms == nil {
		s.syms = symbols.New()
		if cfg.Symbols != "" {
			t, err := symbols.LoadFile(cfg.Symbols, func(e *symbols.FormatError) {
				fmt.Fprintln(s.out, e.Error())
				s.log.SymbolWarning(e.Line, e.Text, e.Err)
			})
			if err != nil {
				return nil, err
			}
			s.syms = t
		}
	}

	if s.script == nil && cfg.Script != "" {
		e, err := script.Load(cfg.Script)
		if err != nil {
			return nil, err
		}
		s.script = e
	}
	if s.script != nil {
		s.script.SetOutput(s.out)
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Symbols returns the session symbol table.
func (s *Session) Symbols() *symbols.Table { return s.syms }

// Run executes the image once and prints the console protocol. Core faults
// are captured in Result.Fault; only setup failures return an error.
// Cancelling ctx stops the core.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	cfg := s.cfg
	res := &Result{ID: s.id, Symbols: s.syms.Len()}

	emu, err := emulator.New()
	if err != nil {
		return nil, err
	}
	defer emu.Close()

	s.log.Debug("image", glog.Ptr("base", cfg.LoadBase), glog.Size(uint64(len(s.image))))
	fmt.Fprintln(s.out, "Emulate ARM Big-Endian code")
	fmt.Fprintf(s.out, "image size: 0x%08x (%d): %fKiB\n", len(s.image), len(s.image), float64(len(s.image))/1024.0)

	if err := emu.MapRegion("ram", cfg.LoadBase, cfg.RAMSize, emulator.ProtAll); err != nil {
		return nil, err
	}
	if err := emu.MapRegion("mmio", cfg.MMIO.Base, cfg.MMIO.Size, emulator.ProtAll); err != nil {
		return nil, err
	}
	if err := emu.LoadImage(cfg.LoadBase, s.image); err != nil {
		return nil, err
	}

	for _, r := range arm.GPRs() {
		if err := emu.RegWrite(r, cfg.Poison); err != nil {
			return nil, fmt.Errorf("poison %v: %w", r, err)
		}
	}
	if err := emu.RegWrite(arm.SP, cfg.StackTop()); err != nil {
		return nil, fmt.Errorf("set sp: %w", err)
	}

	devices := device.NewRegistry(s.syms)
	for _, addr := range cfg.Timers {
		device.NewTimer(addr).Attach(devices)
	}

	rec := trace.NewRecorder()
	icpt := mmio.New(emu, devices, s.syms, mmio.Options{
		Skip:     cfg.Skip,
		Enhanced: cfg.Enhanced,
		Out:      s.out,
	})

	if err := emu.HookTrace(rec); err != nil {
		return nil, err
	}
	if err := emu.HookBlock(func(e *emulator.Emulator, addr, size uint32) {
		res.Blocks++
	}); err != nil {
		return nil, err
	}
	if err := emu.HookMem(cfg.MMIO.Base, cfg.MMIO.End(), icpt); err != nil {
		return nil, err
	}
	if err := emu.HookInvalid(icpt); err != nil {
		return nil, err
	}

	start, until, count := cfg.LoadBase, cfg.LoadBase+0x10000, cfg.MaxInstructions
	data := cfg.DataArea()
	if cfg.Custom.Enabled {
		if err := s.setupCustom(emu, &res.Traced); err != nil {
			return nil, err
		}
		start = cfg.Custom.Start
		if cfg.Custom.Thumb {
			start |= 1
		}
		until = start + 0x10000
		count = cfg.Custom.MaxInstructions
	}

	if s.script != nil {
		if err := s.script.Bind(emu, devices); err != nil {
			return nil, err
		}
		if err := s.script.Setup(); err != nil {
			return nil, err
		}
	}
	res.Devices = devices.Count()

	stopped := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		emu.Stop()
		close(stopped)
	})
	defer func() {
		if !stop() {
			<-stopped
		}
	}()

	pc := start
	for pass := 0; pass < cfg.Passes; pass++ {
		if ctx.Err() != nil {
			break
		}
		res.Passes++
		s.log.Debug("start", zap.Int("pass", pass), glog.Ptr("pc", pc), zap.Uint64("count", count))
		if err := emu.Run(pc, until, count); err != nil {
			f := &Fault{PC: emu.PC(), Pass: pass, Err: err}
			res.Fault = f
			s.log.Fault(f.PC, err)
			fmt.Fprintln(s.out, err)
		}
		pc = emu.PC()
		if emu.Thumb() {
			pc |= 1
		}
	}

	res.Edges = rec.Edges()
	res.Lines = rec.Render(s.syms)
	fmt.Fprintln(s.out, "Code Flow:")
	for _, l := range res.Lines {
		fmt.Fprintln(s.out, l)
	}

	if cfg.Custom.Enabled {
		v1, _ := emu.MemReadU32(data)
		v2, _ := emu.MemReadU32(data + 4)
		res.Custom = &CustomResult{Data: data, V1: v1, V2: v2}
		fmt.Fprintf(s.out, "v1: 0x%08x\n", v1)
		fmt.Fprintf(s.out, "v2: 0x%08x\n", v2)
	}

	if s.script != nil {
		if err := s.script.Finish(); err != nil {
			s.log.Warn("script finish", zap.Error(err))
			fmt.Fprintln(s.out, err)
		}
	}

	fmt.Fprintln(s.out, ">>> Emulation done. Below is the CPU context")
	mmio.DumpState(s.out, emu, "UNKNOWN", mmio.NoAddr)

	res.Stats = icpt.Stats()
	res.Final = make(map[arm.Reg]uint32)
	for _, r := range arm.All() {
		res.Final[r] = arm.Value(emu, r)
	}
	return res, nil
}

// setupCustom points R0/R1 at the data area, applies pokes and traces
// every instruction in the custom range.
func (s *Session) setupCustom(emu *emulator.Emulator, traced *int) error {
	cfg := s.cfg
	data := cfg.DataArea()
	if err := emu.RegWrite(arm.R0, data); err != nil {
		return err
	}
	if err := emu.RegWrite(arm.R1, data+4); err != nil {
		return err
	}
	for _, p := range cfg.Custom.Pokes {
		if err := emu.MemWriteU32(p.Addr, p.Value); err != nil {
			return fmt.Errorf("poke 0x%08x: %w", p.Addr, err)
		}
	}
	return emu.HookCode(cfg.Custom.Start, cfg.Custom.End, func(e *emulator.Emulator, addr, size uint32) {
		*traced++
		s.log.Debug("step", glog.Addr(addr), zap.String("insn", e.Disasm(addr, e.Thumb())))
		mmio.DumpState(s.out, e, "CODE", addr)
	})
}
