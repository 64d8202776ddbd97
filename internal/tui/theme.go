// Package tui provides shared theme and styles for the relay TUI.
package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Brand palette.
var (
	ColorPrimary   = lipgloss.Color("#0EA5E9") // sky
	ColorSecondary = lipgloss.Color("#14B8A6") // teal
	ColorAccent    = lipgloss.Color("#F59E0B") // amber

	ColorSuccess = lipgloss.Color("#10B981") // emerald
	ColorWarning = lipgloss.Color("#F59E0B") // amber
	ColorError   = lipgloss.Color("#EF4444") // red
	ColorMuted   = lipgloss.Color("#6B7280") // gray-500
	ColorText    = lipgloss.Color("#E5E7EB") // gray-200
	ColorSubtle  = lipgloss.Color("#9CA3AF") // gray-400
)

// Shared styles used across the watch dashboard.
var (
	// Title is the main heading style.
	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorPrimary).
		MarginBottom(1)

	// Subtitle for panel headings.
	Subtitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorSecondary)

	// Description for helper text.
	Description = lipgloss.NewStyle().
			Foreground(ColorSubtle)

	// Selected highlights the currently focused item.
	Selected = lipgloss.NewStyle().
			Foreground(ColorPrimary).
			Bold(true)

	// Dimmed for non-focused items.
	Dimmed = lipgloss.NewStyle().
		Foreground(ColorMuted)

	// Success for positive messages.
	Success = lipgloss.NewStyle().
		Foreground(ColorSuccess)

	// ErrorStyle for error messages (avoiding collision with builtin error).
	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	// WarningStyle for warning messages.
	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	// Help for keybind hints at the bottom.
	Help = lipgloss.NewStyle().
		Foreground(ColorMuted)

	// ActiveDot represents a reachable relay.
	ActiveDot = lipgloss.NewStyle().
			Foreground(ColorSuccess).
			Render("●")

	// InactiveDot represents an unreachable relay.
	InactiveDot = lipgloss.NewStyle().
			Foreground(ColorError).
			Render("●")
)

// StatusDot returns a colored dot for relay reachability.
func StatusDot(connected bool) string {
	if connected {
		return ActiveDot
	}
	return InactiveDot
}

// StatusText returns a colored reachability label.
func StatusText(connected bool) string {
	if connected {
		return Success.Render("connected")
	}
	return ErrorStyle.Render("unreachable")
}

// ActionStyle returns a style for an audit action family.
func ActionStyle(action string) lipgloss.Style {
	switch {
	case strings.HasPrefix(action, "control."):
		return lipgloss.NewStyle().Foreground(ColorAccent)
	case strings.HasPrefix(action, "clipboard."):
		return lipgloss.NewStyle().Foreground(ColorSecondary)
	case strings.HasPrefix(action, "channel."):
		return lipgloss.NewStyle().Foreground(ColorPrimary)
	default:
		return lipgloss.NewStyle().Foreground(ColorText)
	}
}
