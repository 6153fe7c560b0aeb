// ABOUTME: Defines lipgloss style constants for the terminal viewer layout and status colors.
// ABOUTME: Pairs reward/artifact states with their display styles.
package watch

import "github.com/charmbracelet/lipgloss"

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("170"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Width(12)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	rewardOnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	rewardOffStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	artifactBadStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("196")).
				Bold(true)

	sparkStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("75"))

	disconnectedStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("214")).
				Bold(true)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1)
)
