package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/glasspilot-ai/glasspilot/internal/store"
	"github.com/glasspilot-ai/glasspilot/internal/tui"
)

type eventsModel struct {
	viewport   viewport.Model
	autoScroll bool
	width      int
	height     int
}

func newEvents() eventsModel {
	vp := viewport.New(80, 10)
	return eventsModel{
		viewport:   vp,
		autoScroll: true,
	}
}

func (e *eventsModel) SetSize(width, height int) {
	e.width = width
	e.height = height
	e.viewport.Width = width
	e.viewport.Height = height
}

// update replaces the panel content with a fresh snapshot. The API returns
// newest first; the panel shows oldest at the top like a log.
func (e *eventsModel) update(events []store.AuditEvent) {
	lines := make([]string, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		lines = append(lines, formatEvent(events[i]))
	}
	if len(lines) == 0 {
		lines = append(lines, tui.Dimmed.Render("  No audit events yet"))
	}

	e.viewport.SetContent(strings.Join(lines, "\n"))
	if e.autoScroll {
		e.viewport.GotoBottom()
	}
}

func formatEvent(ev store.AuditEvent) string {
	ts := ev.CreatedAt.Local().Format("15:04:05")
	action := tui.ActionStyle(ev.Action).Render(fmt.Sprintf("%-17s", ev.Action))

	actor := ev.ActorType
	if ev.ActorID != "" {
		actor += ":" + trunc(ev.ActorID, 12)
	}
	target := ev.TargetType
	if ev.TargetID != "" {
		target += ":" + trunc(ev.TargetID, 12)
	}

	line := fmt.Sprintf("  %s %s  %s on %s", ts, action, actor, target)
	if ev.Detail != "" {
		line += "  " + tui.Dimmed.Render(ev.Detail)
	}
	return line
}

func (e eventsModel) Update(msg tea.Msg) (eventsModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "G":
			e.autoScroll = true
			e.viewport.GotoBottom()
			return e, nil
		case "g":
			e.autoScroll = false
			e.viewport.GotoTop()
			return e, nil
		case "j", "down":
			e.autoScroll = false
		case "k", "up":
			e.autoScroll = false
		}
	}

	var cmd tea.Cmd
	e.viewport, cmd = e.viewport.Update(msg)
	return e, cmd
}

func (e eventsModel) View() string {
	return e.viewport.View()
}
