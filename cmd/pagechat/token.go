package main

import (
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"pagechat/internal/adapter/gateway"
)

var tokenCmd = &cobra.Command{
	Use:   "token [panel-id]",
	Short: "Issue a token a remote panel uses to reach the broker",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer rt.close()

		auth, err := gateway.NewTokenAuth(rt.cfg.Gateway.Secret, rt.cfg.Gateway.TokenTTL)
		if err != nil {
			return err
		}
		panelID := ulid.Make().String()
		if len(args) == 1 {
			panelID = args[0]
		}
		token, err := auth.Issue(panelID)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}
