package top

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/zjrosen/gaffer/internal/domain"
)

// View styles
var (
	appNameStyle = lipgloss.NewStyle().Bold(true)
	sectionStyle = lipgloss.NewStyle().Bold(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#6C6C6C", Dark: "#8A8A8A"})

	idleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}) // Green - available

	workingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#54A0FF", Dark: "#54A0FF"}) // Blue - executing

	pausedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#D7AF00", Dark: "#F5D76E"}) // Yellow - held

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#FF6B6B", Dark: "#FF8787"}) // Red - failed

	deadStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#9E9E9E", Dark: "#5F5F5F"}) // Gray - terminated
)

// statusGlyph returns the indicator character and style for a worker
// status.
func statusGlyph(status domain.WorkerStatus) (string, lipgloss.Style) {
	switch status {
	case domain.WorkerIdle:
		return "○", idleStyle
	case domain.WorkerWorking:
		return "●", workingStyle
	case domain.WorkerPaused:
		return "◌", pausedStyle
	case domain.WorkerError:
		return "!", failStyle
	case domain.WorkerTerminated:
		return "✗", deadStyle
	default:
		return "?", mutedStyle
	}
}
