package colorize

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/mattn/go-isatty"
)

var forced atomic.Int32 // 0 env decides, 1 on, -1 off

// SetEnabled overrides the environment.
func SetEnabled(on bool) {
	if on {
		forced.Store(1)
	} else {
		forced.Store(-1)
	}
}

// IsDisabled returns true if colors are disabled via SetEnabled or the
// BOOTRACE_NO_COLOR / NO_COLOR environment variables.
func IsDisabled() bool {
	switch forced.Load() {
	case 1:
		return false
	case -1:
		return true
	}
	return envDisabled()
}

func envDisabled() bool {
	return os.Getenv("BOOTRACE_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

// Auto reports whether w should get colour when nothing is forced: the
// environment allows it and w is a terminal.
func Auto(w io.Writer) bool {
	if envDisabled() {
		return false
	}
	f, ok := w.(interface{ Fd() uintptr })
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// EnabledFor reports whether output to w is coloured.
func EnabledFor(w io.Writer) bool {
	switch forced.Load() {
	case 1:
		return true
	case -1:
		return false
	}
	return Auto(w)
}

func getAssemblyLexer() chroma.Lexer {
	for _, name := range []string{"armasm", "gas", "nasm"} {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

func getTerminalFormatter() chroma.Formatter {
	if f := formatters.Get("terminal16m"); f != nil {
		return f
	}
	return formatters.Fallback
}

// Instruction highlights one line of ARM assembly.
func Instruction(insn string) string {
	if IsDisabled() {
		return insn
	}
	lexer := getAssemblyLexer()
	if lexer == nil {
		return insn
	}
	style := styles.Get("bootrace-dark")
	if style == nil {
		style = styles.Fallback
	}

	iterator, err := lexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}
	var buf strings.Builder
	if err := getTerminalFormatter().Format(&buf, style, iterator); err != nil {
		return insn
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func paint(hex, s string) string {
	if IsDisabled() {
		return s
	}
	c := chroma.MustParseColour(hex)
	return fmt.Sprintf("\033[38;2;%d;%d;%dm%s\033[0m", c.Red(), c.Green(), c.Blue(), s)
}

// Address formats an address as 8 hex digits.
func Address(addr uint32) string { return paint(ColorAddress, fmt.Sprintf("%08x", addr)) }

// Label formats a symbol or block name.
func Label(s string) string { return paint(ColorLabel, s) }

// Value formats a data value.
func Value(s string) string { return paint(ColorValue, s) }

// Detail formats secondary text.
func Detail(s string) string { return paint(ColorDetail, s) }

// Border formats rules and separators.
func Border(s string) string { return paint(ColorBorder, s) }

// Error formats faults and warnings.
func Error(s string) string { return paint(ColorError, s) }

// Line styles one line of the console protocol. Unknown lines pass
// through untouched.
func Line(s string) string {
	if IsDisabled() {
		return s
	}
	switch {
	case strings.HasPrefix(s, "[IO][READ]"):
		return paint(ColorRead, "[IO][READ]") + s[len("[IO][READ]"):]
	case strings.HasPrefix(s, "[IO][WRITE]"):
		return paint(ColorWrite, "[IO][WRITE]") + s[len("[IO][WRITE]"):]
	case strings.HasPrefix(s, "[IO][UNKNOWN]"):
		return Error(s)
	case strings.HasPrefix(s, "[IO] ENHANCED"):
		return Border(s)
	case strings.HasPrefix(s, "       PC="), strings.HasPrefix(s, "["):
		return Detail(s)
	}
	if from, rest, ok := strings.Cut(s, " -> "); ok {
		if to, label, ok := strings.Cut(rest, " : "); ok {
			return Address32(from) + " -> " + Address32(to) + " : " + Label(label)
		}
	}
	return s
}

// Address32 colours an already formatted 0x-prefixed address string.
func Address32(s string) string {
	if _, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 32); err != nil {
		return s
	}
	return paint(ColorAddress, s)
}

// Writer styles complete lines written through it when its destination
// takes colour (see EnabledFor); otherwise bytes pass through unchanged. A
// trailing partial line is held until the next newline or Flush.
type Writer struct {
	w   io.Writer
	on  bool
	buf []byte
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, on: EnabledFor(w)}
}

func (cw *Writer) style(line []byte) string {
	if cw.on {
		return Line(string(line))
	}
	return string(line)
}

// Write buffers p and emits every complete line. On error n counts the
// bytes of p that reached the destination; the rest of p is dropped from
// the buffer so the caller can retry with p[n:].
func (cw *Writer) Write(p []byte) (int, error) {
	held := len(cw.buf)
	cw.buf = append(cw.buf, p...)
	flushed := 0
	for {
		i := bytes.IndexByte(cw.buf[flushed:], '\n')
		if i < 0 {
			break
		}
		end := flushed + i + 1
		if _, err := io.WriteString(cw.w, cw.style(cw.buf[flushed:end-1])+"\n"); err != nil {
			n := max(flushed-held, 0)
			cw.buf = cw.buf[flushed : len(cw.buf)-(len(p)-n)]
			return n, err
		}
		flushed = end
	}
	cw.buf = append(cw.buf[:0], cw.buf[flushed:]...)
	return len(p), nil
}

// Flush writes any buffered partial line.
func (cw *Writer) Flush() error {
	if len(cw.buf) == 0 {
		return nil
	}
	_, err := io.WriteString(cw.w, cw.style(cw.buf))
	cw.buf = nil
	return err
}
