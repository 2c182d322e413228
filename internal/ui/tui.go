// ABOUTME: TUI initialization and control
// ABOUTME: Runs the bubbletea program and feeds it manager events
package ui

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/picapico/audioshare/internal/manager"
)

// Run shows the TUI until the user quits or ctx ends. Events are forwarded
// to the model as they arrive.
func Run(ctx context.Context, ctrl Controller, events <-chan manager.Event) error {
	p := tea.NewProgram(NewModel(ctrl), tea.WithAltScreen(), tea.WithContext(ctx))

	go func() {
		for ev := range events {
			p.Send(EventMsg(ev))
		}
	}()

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
