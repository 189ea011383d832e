package client

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"

	"teamchat/internal/model"
)

// Run starts the terminal UI and blocks until the user quits or ctx ends.
// Presence transitions and roster changes from the tracker are forwarded into
// the program as messages.
func Run(ctx context.Context, deps Deps) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := NewModel(ctx, deps)
	program := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	m.SetSender(program.Send)

	tracker := deps.Users.Tracker()
	stopTransitions := tracker.OnTransition(func(u model.User) {
		program.Send(onlineMsg{user: u})
	})
	defer stopTransitions()
	stopRoster := tracker.OnSnapshot(func([]model.User) {
		program.Send(rosterMsg{})
	})
	defer stopRoster()

	_, err := program.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
