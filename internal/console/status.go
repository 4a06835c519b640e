package console

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/g960059/procmux/internal/model"
)

const helpText = "^A n/p select  s start  x stop  r restart  k kill  q quit  ^A^A literal ^A"

var (
	barStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Background(lipgloss.Color("236"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("231")).Background(lipgloss.Color("25"))
	stateStyles   = map[model.ProcState]lipgloss.Style{
		model.StateRunning:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		model.StateStopping:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		model.StateStopped:    lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
		model.StateNotStarted: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	}
)

// RenderStatus draws the one-line process bar. width <= 0 disables truncation.
func RenderStatus(procs []model.ProcessInfo, selected, width int) string {
	if len(procs) == 0 {
		return barStyle.Render(" procmux: no processes ")
	}
	parts := make([]string, 0, len(procs))
	for i, p := range procs {
		label := fmt.Sprintf(" %d %s ", p.ID, p.Name)
		if i == selected {
			label = selectedStyle.Render(label)
		}
		parts = append(parts, label+stateStyles[p.State].Render(p.Status()))
	}
	line := " " + strings.Join(parts, " │ ") + " "
	if width > 0 {
		line = lipgloss.NewStyle().MaxWidth(width).Render(line)
	}
	return barStyle.Render(line)
}
