// Package viewer is a terminal browser for exported traces.
package viewer

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zboralski/bootrace/internal/trace"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFC800"))
	faultStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5050"))
	addrStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFC800"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#87CEEB"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#808080"))
)

// header and footer rows
const chromeHeight = 3

// Model is the bubbletea model for one trace.
type Model struct {
	exp      *trace.Export
	visible  []trace.Line
	query    string
	vp       viewport.Model
	input    textinput.Model
	editing  bool
	ready    bool
	quitting bool
}

// New creates a viewer for exp.
func New(exp *trace.Export) Model {
	in := textinput.New()
	in.Placeholder = "label or address"
	in.Prompt = "/"
	m := Model{exp: exp, input: in}
	m.visible = exp.Lines
	return m
}

// Run shows exp full screen until the user quits.
func Run(exp *trace.Export) error {
	_, err := tea.NewProgram(New(exp), tea.WithAltScreen()).Run()
	return err
}

// Visible returns the lines that pass the current filter.
func (m Model) Visible() []trace.Line { return m.visible }

// Quitting reports whether the user asked to leave.
func (m Model) Quitting() bool { return m.quitting }

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		h := max(msg.Height-chromeHeight, 1)
		if !m.ready {
			m.vp = viewport.New(msg.Width, h)
			m.ready = true
		} else {
			m.vp.Width = msg.Width
			m.vp.Height = h
		}
		m.vp.SetContent(m.render())
		return m, nil

	case tea.KeyMsg:
		if m.editing {
			switch msg.String() {
			case "enter":
				m.editing = false
				m.input.Blur()
				m.apply(m.input.Value())
				return m, nil
			case "esc":
				m.editing = false
				m.input.Blur()
				m.input.SetValue(m.query)
				return m, nil
			}
			m.input, cmd = m.input.Update(msg)
			return m, cmd
		}
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "/":
			m.editing = true
			return m, m.input.Focus()
		case "esc":
			m.input.SetValue("")
			m.apply("")
			return m, nil
		}
	}
	if m.ready {
		m.vp, cmd = m.vp.Update(msg)
	}
	return m, cmd
}

func (m *Model) apply(query string) {
	m.query = query
	m.visible = Filter(m.exp.Lines, query)
	if m.ready {
		m.vp.SetContent(m.render())
		m.vp.GotoTop()
	}
}

// Filter keeps lines whose label or addresses contain query, ignoring
// case. An empty query keeps everything.
func Filter(lines []trace.Line, query string) []trace.Line {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return lines
	}
	var out []trace.Line
	for _, l := range lines {
		if strings.Contains(strings.ToLower(l.String()), q) {
			out = append(out, l)
		}
	}
	return out
}

func (m Model) render() string {
	var b strings.Builder
	for i, l := range m.visible {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s -> %s : %s",
			addrStyle.Render(fmt.Sprintf("0x%08x", l.From)),
			addrStyle.Render(fmt.Sprintf("0x%08x", l.To)),
			labelStyle.Render(l.Label))
	}
	return b.String()
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "loading..."
	}

	title := titleStyle.Render(fmt.Sprintf("session %s  %d/%d edges", m.exp.Session, len(m.visible), len(m.exp.Lines)))
	if m.exp.Fault != "" {
		title += "  " + faultStyle.Render(m.exp.Fault)
	}

	footer := helpStyle.Render("/ filter  esc clear  q quit")
	if m.editing {
		footer = m.input.View()
	} else if m.query != "" {
		footer = helpStyle.Render(fmt.Sprintf("filter %q  ", m.query)) + footer
	}
	return lipgloss.JoinVertical(lipgloss.Left, title, "", m.vp.View(), footer)
}
