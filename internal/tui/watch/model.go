package watch

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/glasspilot-ai/glasspilot/internal/relay"
	"github.com/glasspilot-ai/glasspilot/internal/store"
	"github.com/glasspilot-ai/glasspilot/internal/tui"
)

// Panel identifies which dashboard panel is focused.
type Panel int

const (
	PanelChannels Panel = iota
	PanelEvents
)

// Model is the root watch TUI model.
type Model struct {
	header   headerModel
	channels channelsModel
	events   eventsModel
	help     helpModel

	activePanel Panel
	width       int
	height      int
	quitting    bool
}

// NewModel creates a watch model from an initial channel snapshot.
func NewModel(relayURL string, channels []relay.ChannelInfo) Model {
	return Model{
		header:   newHeader(relayURL, channels),
		channels: newChannels(channels),
		events:   newEvents(),
		help:     newHelp(),
	}
}

// ChannelsUpdateMsg carries a fresh channel snapshot.
type ChannelsUpdateMsg struct {
	Channels []relay.ChannelInfo
}

// EventsUpdateMsg carries fresh audit events, newest first.
type EventsUpdateMsg struct {
	Events []store.AuditEvent
}

// ConnLostMsg signals the relay stopped answering.
type ConnLostMsg struct{}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.events.SetSize(msg.Width-4, m.eventsHeight())
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, key.NewBinding(key.WithKeys("ctrl+c", "q"))):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, key.NewBinding(key.WithKeys("tab"))):
			if m.activePanel == PanelChannels {
				m.activePanel = PanelEvents
			} else {
				m.activePanel = PanelChannels
			}
			return m, nil
		case key.Matches(msg, key.NewBinding(key.WithKeys("?"))):
			m.help.toggle()
			return m, nil
		}

	case ChannelsUpdateMsg:
		m.header.update(msg.Channels, true)
		m.channels.update(msg.Channels)
		return m, nil

	case EventsUpdateMsg:
		m.events.update(msg.Events)
		return m, nil

	case ConnLostMsg:
		m.header.update(nil, false)
		return m, nil
	}

	// Delegate to active panel.
	var cmd tea.Cmd
	switch m.activePanel {
	case PanelChannels:
		m.channels, cmd = m.channels.Update(msg)
	case PanelEvents:
		m.events, cmd = m.events.Update(msg)
	}
	return m, cmd
}

func (m Model) View() string {
	if m.help.visible {
		return m.help.View()
	}

	headerView := m.header.View(m.width)

	chanStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorMuted).
		Width(m.width - 2)

	eventStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorMuted).
		Width(m.width - 2)

	if m.activePanel == PanelChannels {
		chanStyle = chanStyle.BorderForeground(tui.ColorPrimary)
	} else {
		eventStyle = eventStyle.BorderForeground(tui.ColorPrimary)
	}

	chanView := chanStyle.Render(
		tui.Subtitle.Render(" Channels") + "\n" + m.channels.View(),
	)
	eventView := eventStyle.Render(
		tui.Subtitle.Render(" Audit events") + "\n" + m.events.View(),
	)

	return lipgloss.JoinVertical(lipgloss.Left,
		headerView,
		chanView,
		eventView,
		m.help.bar(),
	)
}

// Quitting returns true if the user quit.
func (m Model) Quitting() bool { return m.quitting }

func (m Model) eventsHeight() int {
	// Reserve space for header, channel table, help bar, borders.
	used := 6 + m.channels.height() + 4
	h := m.height - used
	if h < 5 {
		h = 5
	}
	return h
}
