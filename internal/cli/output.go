package cli

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/substratehq/substrate/internal/store"
)

// Shared lipgloss styles for human-readable output. Machine formats never
// pass through these.
var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// styled renders text through a style unless --no-color is set.
func styled(s lipgloss.Style, text string) string {
	if flagNoColor {
		return text
	}
	return s.Render(text)
}

func styleTitle(text string) string { return styled(titleStyle, text) }
func styleOK(text string) string    { return styled(okStyle, text) }
func styleWarn(text string) string  { return styled(warnStyle, text) }
func styleFail(text string) string  { return styled(failStyle, text) }

// styledStatus colors a run status by severity.
func styledStatus(status string) string {
	switch status {
	case store.StatusCompleted:
		return styleOK(status)
	case store.StatusFailed:
		return styleFail(status)
	case store.StatusRunning:
		return styleWarn(status)
	default:
		return status
	}
}
