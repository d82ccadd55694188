package cli

import (
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/aristath/agentrunner/internal/task"
)

// styles renders command output. Colours are dropped automatically when the
// writer is not a terminal.
type styles struct {
	running  lipgloss.Style
	complete lipgloss.Style
	failed   lipgloss.Style
	pending  lipgloss.Style
	title    lipgloss.Style
	help     lipgloss.Style
	header   lipgloss.Style
	cell     lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		running:  r.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
		complete: r.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		failed:   r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		pending:  r.NewStyle().Foreground(lipgloss.Color("240")),
		title:    r.NewStyle().Bold(true),
		help:     r.NewStyle().Foreground(lipgloss.Color("241")),
		header:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("62")).Padding(0, 1),
		cell:     r.NewStyle().Padding(0, 1),
	}
}

// phase styles a task phase or outcome by how it ended.
func (s styles) phase(p task.Phase) string {
	switch p {
	case task.PhaseDone:
		return s.complete.Render(string(p))
	case task.PhaseFailed:
		return s.failed.Render(string(p))
	case task.PhaseCancelled, task.PhasePending:
		return s.pending.Render(string(p))
	default:
		return s.running.Render(string(p))
	}
}

func (s styles) outcome(o task.Outcome) string {
	if o == "" {
		return s.pending.Render("-")
	}
	return s.phase(o.Phase())
}

// newTable creates a table with styled headers.
func newTable(st styles, headers ...string) *table.Table {
	return table.New().
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return st.header
			}
			return st.cell
		})
}
