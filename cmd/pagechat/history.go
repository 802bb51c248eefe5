package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"pagechat/internal/domain"
)

var (
	idStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	labelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect and manage saved answers",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved answers, newest first",
	Args:  cobra.NoArgs,
	RunE: withHistory(func(ctx context.Context, h domain.HistoryStore, cmd *cobra.Command, _ []string) error {
		list, err := h.List(ctx)
		if err != nil {
			return err
		}
		return printHistory(cmd.OutOrStdout(), list)
	}),
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print one saved answer",
	Args:  cobra.ExactArgs(1),
	RunE: withHistory(func(ctx context.Context, h domain.HistoryStore, cmd *cobra.Command, args []string) error {
		ex, err := h.Get(ctx, args[0])
		if err != nil {
			return err
		}
		printExchange(cmd.OutOrStdout(), ex)
		return nil
	}),
}

var historyDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete one saved answer",
	Args:    cobra.ExactArgs(1),
	RunE: withHistory(func(ctx context.Context, h domain.HistoryStore, cmd *cobra.Command, args []string) error {
		if err := h.Remove(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	}),
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every saved answer",
	Args:  cobra.NoArgs,
	RunE: withHistory(func(ctx context.Context, h domain.HistoryStore, cmd *cobra.Command, _ []string) error {
		if err := h.Clear(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "History cleared")
		return nil
	}),
}

func init() {
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyDeleteCmd, historyClearCmd)
}

// withHistory opens the configured history store around fn.
func withHistory(fn func(ctx context.Context, h domain.HistoryStore, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := setup(ctx, false)
		if err != nil {
			return err
		}
		defer rt.close()
		h, err := rt.openHistory(ctx)
		if err != nil {
			return err
		}
		return fn(ctx, h, cmd, args)
	}
}

func printHistory(w io.Writer, list []domain.Exchange) error {
	if len(list) == 0 {
		fmt.Fprintln(w, "No saved answers.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSAVED\tPAGE\tQUESTION")
	for _, ex := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			ex.ID,
			ex.CreatedAt.Local().Format(time.DateTime),
			clip(pageLabel(ex), 40),
			clip(ex.Question, 60),
		)
	}
	return tw.Flush()
}

func printExchange(w io.Writer, ex domain.Exchange) {
	fmt.Fprintln(w, titleStyle.Render(pageLabel(ex)))
	fmt.Fprintln(w, idStyle.Render(ex.ID+" · "+ex.CreatedAt.Local().Format(time.DateTime)))
	if ex.Origin != "" {
		fmt.Fprintln(w, idStyle.Render(ex.Origin))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, labelStyle.Render("Q:"), ex.Question)
	fmt.Fprintln(w)
	fmt.Fprintln(w, labelStyle.Render("A:"), ex.Answer)
}

func pageLabel(ex domain.Exchange) string {
	if ex.PageTitle != "" {
		return ex.PageTitle
	}
	return ex.Origin
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
