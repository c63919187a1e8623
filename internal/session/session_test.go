package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zboralski/bootrace/internal/arm"
	"github.com/zboralski/bootrace/internal/config"
	"github.com/zboralski/bootrace/internal/script"
	"github.com/zboralski/bootrace/internal/symbols"
)

func words(ws ...uint32) []byte {
	out := make([]byte, 4*len(ws))
	for i, w := range ws {
		binary.BigEndian.PutUint32(out[i*4:], w)
	}
	return out
}

// MOV R0, #0x0d800000; STR R0, [R0, #0x20]
var storeImage = words(0xE3A006D8, 0xE5800020)

func run(t *testing.T, cfg *config.Config, opts ...Option) (*Result, string) {
	t.Helper()
	var out bytes.Buffer
	s, err := New(cfg, append(opts, WithOutput(&out))...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ID != s.ID() || res.ID == "" {
		t.Errorf("result id %q, session id %q", res.ID, s.ID())
	}
	return res, out.String()
}

func countPrefix(out, prefix string) int {
	n := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

func TestStoreToMMIO(t *testing.T) {
	cfg := config.Default()
	cfg.MaxInstructions = 2

	res, out := run(t, cfg, WithImage(storeImage))

	if n := countPrefix(out, "[IO][WRITE]"); n != 1 {
		t.Fatalf("got %d [IO][WRITE] lines:\n%s", n, out)
	}
	want := "[IO][WRITE] (4) 0d800020: 0d800000 @ PC=0d400004\n"
	if !strings.Contains(out, want) {
		t.Errorf("missing %q in:\n%s", want, out)
	}
	if res.Fault != nil {
		t.Errorf("unexpected fault: %v", res.Fault)
	}
	if res.Stats.Writes != 1 || res.Stats.Reads != 0 {
		t.Errorf("stats = %+v", res.Stats)
	}
	if len(res.Lines) == 0 || res.Lines[0].To != cfg.LoadBase {
		t.Errorf("lines = %v", res.Lines)
	}
	if !strings.Contains(out, "Code Flow:\n") {
		t.Error("missing Code Flow header")
	}
	if !strings.Contains(out, ">>> Emulation done. Below is the CPU context\n[UNKNOWN] ADDR=abadc0de") {
		t.Errorf("missing final dump:\n%s", out)
	}
}

func TestPoisonAndStack(t *testing.T) {
	cfg := config.Default()
	cfg.MaxInstructions = 1

	// MOV R0, #5
	res, _ := run(t, cfg, WithImage(words(0xE3A00005)))

	if res.Final[arm.R0] != 5 {
		t.Errorf("R0 = 0x%08x", res.Final[arm.R0])
	}
	for _, r := range []arm.Reg{arm.R1, arm.R7, arm.R12} {
		if res.Final[r] != config.DefaultPoison {
			t.Errorf("%v = 0x%08x, want poison", r, res.Final[r])
		}
	}
	if res.Final[arm.SP] != 0x0D410000 {
		t.Errorf("SP = 0x%08x", res.Final[arm.SP])
	}
}

func TestSkippedTimerRead(t *testing.T) {
	cfg := config.Default()
	cfg.MaxInstructions = 3

	// MOV R0, #0x0d800000; LDR R1, [R0, #0x10]; LDR R2, [R0, #0x10]
	img := words(0xE3A006D8, 0xE5901010, 0xE5902010)
	res, out := run(t, cfg, WithImage(img))

	if strings.Contains(out, "[IO][READ]") {
		t.Errorf("timer read was logged:\n%s", out)
	}
	if res.Final[arm.R1] != 1 || res.Final[arm.R2] != 2 {
		t.Errorf("R1=%d R2=%d, want 1 and 2", res.Final[arm.R1], res.Final[arm.R2])
	}
	if res.Stats.Reads != 2 || res.Stats.Skipped != 2 {
		t.Errorf("stats = %+v", res.Stats)
	}
}

func TestFaultIsCaptured(t *testing.T) {
	cfg := config.Default()

	// MOV R0, #0x10000000; LDR R1, [R0]
	res, out := run(t, cfg, WithImage(words(0xE3A00201, 0xE5901000)))

	if res.Fault == nil {
		t.Fatal("expected fault")
	}
	var f *Fault
	if !errors.As(error(res.Fault), &f) || f.PC != 0x0d400004 {
		t.Errorf("fault = %v", res.Fault)
	}
	if !strings.Contains(out, "[IO][UNKNOWN] Probably bad address=0x10000000 access @ PC=0x0d400004\n[IO] ADDR=10000000") {
		t.Errorf("missing invalid access report:\n%s", out)
	}
	if !strings.Contains(out, "Code Flow:") {
		t.Error("trace not rendered after fault")
	}
	if res.Export().Fault == "" {
		t.Error("export lost fault")
	}
}

func TestCustomRange(t *testing.T) {
	cfg := config.Default()
	cfg.Custom.Enabled = true
	cfg.Custom.Start = cfg.LoadBase + 0x100
	cfg.Custom.End = cfg.Custom.Start + 12
	cfg.Custom.Thumb = false
	cfg.Custom.MaxInstructions = 4

	img := make([]byte, 0x110)
	// MOV R2, #7; STR R2, [R0]; MOV R3, #9; STR R3, [R1]
	copy(img[0x100:], words(0xE3A02007, 0xE5802000, 0xE3A03009, 0xE5813000))

	res, out := run(t, cfg, WithImage(img))

	if res.Custom == nil || res.Custom.Data != 0x0D40E000 {
		t.Fatalf("custom = %+v", res.Custom)
	}
	if !strings.Contains(out, "v1: 0x00000007\nv2: 0x00000009\n") {
		t.Errorf("missing v1/v2:\n%s", out)
	}
	if n := countPrefix(out, "[CODE] ADDR="); n != 4 {
		t.Errorf("got %d CODE dumps", n)
	}
	if res.Traced != 4 {
		t.Errorf("Traced = %d", res.Traced)
	}
}

func TestScriptHooks(t *testing.T) {
	cfg := config.Default()
	cfg.MaxInstructions = 2

	eng, err := script.Compile("dev.js", `
onWrite(0x0d800020, function(addr, value) { print("dev", value.toString(16)); });
function finish(emu) { print("r0", (emu.reg("r0") >>> 0).toString(16)); }
`)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	res, out := run(t, cfg, WithImage(storeImage), WithScript(eng))

	if !strings.Contains(out, "dev d800000\n") || !strings.Contains(out, "r0 d800000\n") {
		t.Errorf("script output missing:\n%s", out)
	}
	if res.Devices != 2 {
		t.Errorf("Devices = %d, want timer and script", res.Devices)
	}
}

func TestSymbolFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "symbols.txt")
	os.WriteFile(path, []byte("0d400000\t_start\nnonsense\n"), 0644)

	cfg := config.Default()
	cfg.Symbols = path
	cfg.MaxInstructions = 2

	res, out := run(t, cfg, WithImage(storeImage))

	if res.Symbols != 1 {
		t.Errorf("Symbols = %d", res.Symbols)
	}
	if !strings.Contains(out, `Badly formatted line: "nonsense", error=`) {
		t.Errorf("missing format warning:\n%s", out)
	}
	if !strings.Contains(out, "-> 0x0d400000 : _start\n") {
		t.Errorf("trace not labeled:\n%s", out)
	}
}

func TestNewErrors(t *testing.T) {
	cfg := config.Default()
	if _, err := New(cfg); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("no image: %v", err)
	}

	cfg.Image = filepath.Join(t.TempDir(), "missing.bin")
	if _, err := New(cfg); err == nil {
		t.Error("expected error for missing image")
	}

	cfg = config.Default()
	if _, err := New(cfg, WithImage(make([]byte, cfg.RAMSize+1))); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("oversized image: %v", err)
	}

	cfg.Symbols = filepath.Join(t.TempDir(), "missing.txt")
	if _, err := New(cfg, WithImage(storeImage)); err == nil {
		t.Error("expected error for missing symbol map")
	}

	cfg = config.Default()
	cfg.MaxInstructions = 0
	if _, err := New(cfg, WithImage(storeImage), WithSymbols(symbols.New())); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("invalid config: %v", err)
	}
}

func TestCancelledBeforeRun(t *testing.T) {
	cfg := config.Default()
	cfg.MaxInstructions = 1

	var out bytes.Buffer
	s, err := New(cfg, WithImage(words(0xE3A00005)), WithOutput(&out))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Passes != 0 || res.Blocks != 0 {
		t.Errorf("passes = %d, blocks = %d, want nothing executed", res.Passes, res.Blocks)
	}
	if res.Final[arm.R0] != config.DefaultPoison {
		t.Errorf("R0 = 0x%08x, image ran", res.Final[arm.R0])
	}
	if !strings.Contains(out.String(), "Code Flow:\n>>> Emulation done.") {
		t.Errorf("summary missing:\n%s", out.String())
	}
}
