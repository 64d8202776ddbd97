package watch

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

const (
	refreshInterval = 2 * time.Second
	eventsFetch     = 200
)

// Run attaches to the relay admin API and displays the watch dashboard.
// It blocks until the user quits.
func Run(relayURL, token string) error {
	client := NewClient(relayURL, token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	channels, err := client.Channels(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("query channels: %w", err)
	}

	m := NewModel(relayURL, channels)
	p := tea.NewProgram(m, tea.WithAltScreen())

	// refresh fetches channels and events and sends updates to the TUI.
	refresh := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
		defer cancel()

		channels, err := client.Channels(ctx)
		if err != nil {
			p.Send(ConnLostMsg{})
			return
		}
		p.Send(ChannelsUpdateMsg{Channels: channels})

		events, err := client.Events(ctx, eventsFetch)
		if err != nil {
			return
		}
		p.Send(EventsUpdateMsg{Events: events})
	}

	go func() {
		refresh()
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for range ticker.C {
			refresh()
		}
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
