package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pagechat/internal/adapter/gateway"
	"pagechat/internal/infra/logger"
	"pagechat/internal/infra/middleware"
)

var brokerAddr string

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Serve remote panels over WebSocket",
	Long: `Run the broker role. Panels connect to /ws with a token from
"pagechat token"; the backend credential stays in this process.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := setup(ctx, false)
		if err != nil {
			return err
		}
		defer rt.close()
		return serveBroker(ctx, rt)
	},
}

func init() {
	brokerCmd.Flags().StringVar(&brokerAddr, "addr", "", "listen address (overrides gateway.addr)")
}

func serveBroker(ctx context.Context, rt *runtime) error {
	if brokerAddr != "" {
		rt.cfg.Gateway.Addr = brokerAddr
	}
	auth, err := gateway.NewTokenAuth(rt.cfg.Gateway.Secret, rt.cfg.Gateway.TokenTTL)
	if err != nil {
		return fmt.Errorf("gateway auth: %w (set gateway.secret)", err)
	}
	stack, err := rt.newBroker(ctx)
	if err != nil {
		return err
	}

	srv := gateway.NewServer(gateway.Options{
		Addr:      rt.cfg.Gateway.Addr,
		SendQueue: rt.cfg.Gateway.SendQueue,
		ConnectLimit: middleware.LimitConfig{
			PerMinute:      rt.cfg.Gateway.ConnectsPerMinute,
			Burst:          rt.cfg.Gateway.ConnectBurst,
			TrustedProxies: rt.cfg.Gateway.TrustedProxies,
		},
		Status: func() map[string]any {
			return map[string]any{
				"active_streams": stack.broker.Active(),
				"breaker":        stack.backend.State().String(),
				"events":         stack.counters.Snapshot(),
			}
		},
	}, auth, stack.broker.Attach, stack.bus, logger.ForRole(rt.logger, "gateway"))

	rt.logger.Info("broker starting", "addr", rt.cfg.Gateway.Addr, "backend", rt.cfg.Backend.URL, "history", rt.cfg.History.Backend)
	err = srv.Start(ctx)
	rt.logger.Info("broker stopped", "events", stack.counters.Snapshot())
	return err
}
