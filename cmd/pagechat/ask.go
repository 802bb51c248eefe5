package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"pagechat/internal/usecase/panel"
)

var askCmd = &cobra.Command{
	Use:   "ask <url|file|-> <question...>",
	Short: "Stream one answer about a page to stdout",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := setup(ctx, false)
		if err != nil {
			return err
		}
		defer rt.close()

		p, cleanup, err := openPanel(ctx, rt, args[0], nil)
		if err != nil {
			return err
		}
		defer cleanup()
		return ask(ctx, p, strings.Join(args[1:], " "), cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	addPanelFlags(askCmd)
}

// asker is the part of the panel a one-shot question needs.
type asker interface {
	Ask(ctx context.Context, question string, onDelta func(string)) (string, error)
	Warnings() []panel.Warning
}

func ask(ctx context.Context, p asker, question string, out, errOut io.Writer) error {
	for _, w := range p.Warnings() {
		fmt.Fprintf(errOut, "warning: %s\n", w.Text)
	}
	_, err := p.Ask(ctx, question, func(delta string) {
		fmt.Fprint(out, delta)
	})
	fmt.Fprintln(out)
	return err
}
