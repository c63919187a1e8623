package viewer

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/zboralski/bootrace/internal/trace"
)

func testExport() *trace.Export {
	return &trace.Export{
		Session: "demo",
		Fault:   "fault at PC=0x0d400004: Invalid memory read (UC_ERR_READ_UNMAPPED)",
		Lines: []trace.Line{
			{From: 0x00000000, To: 0x0d400000, Label: "_start"},
			{From: 0x0d400010, To: 0x0d401488, Label: "crypto_memcmp"},
			{From: 0x0d400020, To: 0x0d401600, Label: "block_0x0d401600"},
		},
	}
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m Model, msgs ...tea.Msg) Model {
	t.Helper()
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(Model)
	}
	return m
}

func TestFilter(t *testing.T) {
	lines := testExport().Lines
	if got := Filter(lines, ""); len(got) != 3 {
		t.Errorf("empty query kept %d", len(got))
	}
	if got := Filter(lines, "CRYPTO"); len(got) != 1 || got[0].Label != "crypto_memcmp" {
		t.Errorf("label filter = %v", got)
	}
	if got := Filter(lines, "0x0d4016"); len(got) != 1 {
		t.Errorf("address filter = %v", got)
	}
}

func TestViewShowsTrace(t *testing.T) {
	m := update(t, New(testExport()), tea.WindowSizeMsg{Width: 120, Height: 20})
	v := m.View()
	for _, want := range []string{"session demo", "3/3 edges", "crypto_memcmp", "UC_ERR_READ_UNMAPPED"} {
		if !strings.Contains(v, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestFilterKeys(t *testing.T) {
	m := update(t, New(testExport()), tea.WindowSizeMsg{Width: 120, Height: 20})
	m = update(t, m, key("/"), key("_start"), key("enter"))

	if len(m.Visible()) != 1 || m.Visible()[0].To != 0x0d400000 {
		t.Fatalf("visible = %v", m.Visible())
	}
	if !strings.Contains(m.View(), "1/3 edges") {
		t.Error("header not updated")
	}

	m = update(t, m, key("esc"))
	if len(m.Visible()) != 3 {
		t.Errorf("esc did not clear filter: %d", len(m.Visible()))
	}
}

func TestQuit(t *testing.T) {
	m := New(testExport())
	next, cmd := m.Update(key("q"))
	if !next.(Model).Quitting() || cmd == nil {
		t.Error("q did not quit")
	}

	// q while typing a filter is text, not quit.
	m = update(t, m, key("/"), key("q"))
	if m.Quitting() {
		t.Error("quit while editing filter")
	}
}
