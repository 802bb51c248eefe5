package tui

import (
	"context"
	"log/slog"

	tea "github.com/charmbracelet/bubbletea"
)

// Run shows the UI for p until the user quits or ctx ends.
func Run(ctx context.Context, p Panel, logger *slog.Logger) error {
	model := NewModel(ctx, p, logger)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
	*model.send = program.Send

	stop := context.AfterFunc(ctx, func() { program.Send(quitMsg{}) })
	defer stop()

	_, err := program.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
