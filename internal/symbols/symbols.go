// Package symbols loads address to name bindings for the emulated image.
//
// The map file is plain text, one "hexAddress<TAB>name" pair per line.
// Blank lines and lines starting with '#' are ignored. A malformed line is
// reported through a callback and skipped; it never aborts the load.
package symbols

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
)

// ErrFieldCount is returned for lines that do not split into exactly two
// tab-separated fields.
var ErrFieldCount = errors.New("expected 2 tab-separated fields")

// FormatError describes a rejected symbol map line.
type FormatError struct {
	Line int    // 1-based line number
	Text string // trimmed line contents
	Err  error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("Badly formatted line: %q, error=%v", e.Text, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// WarnFunc receives every rejected line.
type WarnFunc func(*FormatError)

// Table maps addresses to names. It is built once before emulation starts
// and only read afterwards.
type Table struct {
	names map[uint32]string
}

// New returns an empty table.
func New() *Table {
	return &Table{names: make(map[uint32]string)}
}

// Add binds name to addr, replacing any earlier binding.
func (t *Table) Add(addr uint32, name string) {
	t.names[addr] = name
}

// Lookup returns the name bound to addr.
func (t *Table) Lookup(addr uint32) (string, bool) {
	if t == nil {
		return "", false
	}
	name, ok := t.names[addr]
	return name, ok
}

// Name returns the symbol for addr or its raw %08x form.
func (t *Table) Name(addr uint32) string {
	if name, ok := t.Lookup(addr); ok {
		return name
	}
	return fmt.Sprintf("%08x", addr)
}

// Len returns the number of bindings.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.names)
}

// Addresses returns all bound addresses in ascending order.
func (t *Table) Addresses() []uint32 {
	if t == nil {
		return nil
	}
	out := make([]uint32, 0, len(t.names))
	for addr := range t.names {
		out = append(out, addr)
	}
	slices.Sort(out)
	return out
}

// Load parses a symbol map from r. The returned error is only ever an I/O
// error from r; format problems go to warn.
func Load(r io.Reader, warn WarnFunc) (*Table, error) {
	t := New()
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		addr, name, err := parseLine(line)
		if err != nil {
			if warn != nil {
				warn(&FormatError{Line: lineNo, Text: line, Err: err})
			}
			continue
		}
		t.Add(addr, name)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read symbol map: %w", err)
	}
	return t, nil
}

// LoadFile opens path and parses it with Load.
func LoadFile(path string, warn WarnFunc) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open symbol map: %w", err)
	}
	defer f.Close()
	return Load(f, warn)
}

func parseLine(line string) (uint32, string, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 2 {
		return 0, "", fmt.Errorf("%w, got %d", ErrFieldCount, len(fields))
	}
	digits := fields[0]
	if strings.HasPrefix(digits, "0x") || strings.HasPrefix(digits, "0X") {
		digits = digits[2:]
	}
	v, err := strconv.ParseUint(digits, 16, 32)
	if err != nil {
		return 0, "", err
	}
	return uint32(v), fields[1], nil
}
