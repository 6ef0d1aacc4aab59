// Package tui provides the shared palette and styles for credithub's terminal views.
package tui

import (
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Colors, brand palette.
var (
	ColorPrimary   = lipgloss.Color("#0EA5E9") // sky
	ColorSecondary = lipgloss.Color("#6366F1") // indigo
	ColorAccent    = lipgloss.Color("#F59E0B") // amber

	ColorSuccess = lipgloss.Color("#10B981") // emerald
	ColorWarning = lipgloss.Color("#F59E0B") // amber
	ColorError   = lipgloss.Color("#EF4444") // red
	ColorMuted   = lipgloss.Color("#6B7280") // gray-500
	ColorText    = lipgloss.Color("#E5E7EB") // gray-200
	ColorSubtle  = lipgloss.Color("#9CA3AF") // gray-400
)

var (
	// Title is the main heading style.
	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorPrimary).
		MarginBottom(1)

	Subtitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorSecondary)

	Label = lipgloss.NewStyle().
		Foreground(ColorSubtle).
		Width(16)

	Value = lipgloss.NewStyle().
		Foreground(ColorText).
		Bold(true)

	Dimmed = lipgloss.NewStyle().
		Foreground(ColorMuted)

	Success = lipgloss.NewStyle().
		Foreground(ColorSuccess)

	// ErrorStyle for error messages (avoiding collision with builtin error).
	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	// Help for keybind hints at the bottom.
	Help = lipgloss.NewStyle().
		Foreground(ColorMuted)

	// Border is a rounded border style for panels.
	Border = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorPrimary).
		Padding(0, 1)

	// Balance renders the headline credit figure.
	Balance = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorAccent).
		Padding(0, 2).
		Bold(true).
		Foreground(ColorAccent)
)

// PackageStatus returns a colored label for a credit package status.
func PackageStatus(status string) string {
	switch status {
	case "active":
		return Success.Render(status)
	case "expired":
		return ErrorStyle.Render(status)
	case "depleted":
		return Dimmed.Render(status)
	default:
		return status
	}
}

// ExpiryText describes how far away an expiry is, warning when it is within a week.
func ExpiryText(expiresAt, now time.Time) string {
	d := expiresAt.Sub(now)
	switch {
	case d <= 0:
		return ErrorStyle.Render("expired")
	case d < 24*time.Hour:
		return WarningStyle.Render("in " + d.Truncate(time.Minute).String())
	case d < 7*24*time.Hour:
		return WarningStyle.Render(expiresAt.Format("2006-01-02"))
	default:
		return expiresAt.Format("2006-01-02")
	}
}
