package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pagechat/internal/adapter/tui"
)

var chatCmd = &cobra.Command{
	Use:   "chat <url|file|->",
	Short: "Open the chat panel next to a page",
	Long: `Open an interactive panel for the page at the given URL, local file or
stdin ("-"). Type a question and press Enter; Esc cancels a streaming answer.
Type /help for the panel commands.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
		defer stop()

		rt, err := setup(ctx, true)
		if err != nil {
			return err
		}
		defer rt.close()

		p, cleanup, err := openPanel(ctx, rt, args[0], detectSpeaker(rt))
		if err != nil {
			return err
		}
		defer cleanup()
		return tui.Run(ctx, p, rt.logger)
	},
}

func init() {
	addPanelFlags(chatCmd)
	chatCmd.Flags().BoolVar(&noSpeech, "no-speech", false, "disable reading answers aloud")
	chatCmd.Flags().BoolVar(&autoSpeak, "speak", false, "read each answer aloud when it completes")
}
