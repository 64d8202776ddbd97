package watch

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/glasspilot-ai/glasspilot/internal/relay"
	"github.com/glasspilot-ai/glasspilot/internal/tui"
)

type headerModel struct {
	relayURL  string
	connected bool
	open      int
	relays    int
	controls  int
}

func newHeader(relayURL string, channels []relay.ChannelInfo) headerModel {
	h := headerModel{relayURL: relayURL, connected: true}
	h.count(channels)
	return h
}

func (h *headerModel) update(channels []relay.ChannelInfo, connected bool) {
	h.connected = connected
	if connected {
		h.count(channels)
	}
}

func (h *headerModel) count(channels []relay.ChannelInfo) {
	h.open, h.relays, h.controls = 0, 0, 0
	for _, ch := range channels {
		if ch.Open {
			h.open++
		}
		switch ch.Kind {
		case "relay":
			h.relays++
		case "control":
			h.controls++
		}
	}
}

func (h headerModel) View(width int) string {
	left := tui.Title.Render("GlassPilot Relay")

	dot := tui.StatusDot(h.connected)
	right := fmt.Sprintf("%s  %s %s", h.relayURL, dot, tui.StatusText(h.connected))

	info := fmt.Sprintf("  Open: %d   Relay: %d   Control: %d",
		h.open, h.relays, h.controls)

	headerStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorPrimary).
		Width(width - 2).
		Padding(0, 1)

	gap := width - lipgloss.Width(left) - lipgloss.Width(right) - 6
	if gap < 1 {
		gap = 1
	}
	firstRow := lipgloss.JoinHorizontal(lipgloss.Top,
		left,
		lipgloss.NewStyle().Width(gap).Render(""),
		right,
	)

	return headerStyle.Render(firstRow + "\n" + tui.Description.Render(info))
}
