package watch

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/glasspilot-ai/glasspilot/internal/relay"
	"github.com/glasspilot-ai/glasspilot/internal/tui"
)

type channelsModel struct {
	items  []relay.ChannelInfo
	cursor int
}

func newChannels(channels []relay.ChannelInfo) channelsModel {
	return channelsModel{items: channels}
}

func (c *channelsModel) update(channels []relay.ChannelInfo) {
	c.items = channels
	if c.cursor >= len(c.items) {
		c.cursor = max(0, len(c.items)-1)
	}
}

func (c channelsModel) Update(msg tea.Msg) (channelsModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "j", "down":
			if c.cursor < len(c.items)-1 {
				c.cursor++
			}
		case "k", "up":
			if c.cursor > 0 {
				c.cursor--
			}
		case "G":
			c.cursor = max(0, len(c.items)-1)
		case "g":
			c.cursor = 0
		}
	}
	return c, nil
}

func (c channelsModel) View() string {
	if len(c.items) == 0 {
		return tui.Dimmed.Render("  No open channels")
	}

	headerStyle := lipgloss.NewStyle().Foreground(tui.ColorSubtle).Bold(true)
	header := fmt.Sprintf("  %-14s %-9s %-28s %-10s %s",
		headerStyle.Render("CLIENT"),
		headerStyle.Render("KIND"),
		headerStyle.Render("ANCHOR"),
		headerStyle.Render("DRIVER"),
		headerStyle.Render("AGE"),
	)

	rows := header + "\n"
	for i, ch := range c.items {
		cursor := "  "
		style := lipgloss.NewStyle()
		if i == c.cursor {
			cursor = tui.Selected.Render("> ")
			style = style.Bold(true)
		}

		anchor := ch.AnchorKind + ":" + trunc(ch.AnchorID, 16)
		driver := ch.Interactor
		if driver == "" {
			driver = "-"
		}

		row := fmt.Sprintf("%-14s %-9s %-28s %-10s %s",
			style.Render(trunc(ch.ClientID, 12)),
			style.Render(ch.Kind),
			style.Render(anchor),
			driverStyle(ch.Interactor).Render(driver),
			style.Render(formatAge(ch.OpenedAt)),
		)
		rows += cursor + row + "\n"
	}

	return rows
}

func (c channelsModel) height() int {
	return min(len(c.items)+2, 12) // header + rows, max 12
}

// driverStyle colors who is driving: a user holding control stands out.
func driverStyle(interactor string) lipgloss.Style {
	switch interactor {
	case "user":
		return lipgloss.NewStyle().Foreground(tui.ColorAccent).Bold(true)
	case "agent":
		return lipgloss.NewStyle().Foreground(tui.ColorSuccess)
	default:
		return lipgloss.NewStyle().Foreground(tui.ColorMuted)
	}
}

func trunc(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
