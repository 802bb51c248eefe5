package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/spf13/cobra"

	"pagechat/internal/adapter/gateway"
	"pagechat/internal/adapter/speech"
	"pagechat/internal/domain"
	"pagechat/internal/infra/logger"
	"pagechat/internal/relay"
	"pagechat/internal/usecase/mediator"
	"pagechat/internal/usecase/panel"
)

var (
	remoteURL   string
	remoteToken string
	noSpeech    bool
	autoSpeak   bool
)

func addPanelFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&remoteURL, "remote", "", "broker gateway URL (ws://host:port/ws); default runs the broker in-process")
	cmd.Flags().StringVar(&remoteToken, "token", "", "panel token for --remote (see \"pagechat token\")")
}

// openPanel wires a panel to a mediator for target and to a broker, either
// in-process or over the gateway. The returned cleanup tears everything
// down in reverse order.
func openPanel(ctx context.Context, rt *runtime, target string, speaker domain.Speaker) (*panel.Panel, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*panel.Panel, func(), error) {
		cleanup()
		return nil, nil, err
	}

	brokerPort, closeBroker, err := connectBroker(ctx, rt)
	if err != nil {
		return fail(err)
	}
	cleanups = append(cleanups, closeBroker)

	w := relay.NewWindow(logger.ForRole(rt.logger, "window"))
	panelLink := w.Attach("panel")
	mediatorLink := w.Attach("mediator")
	panelLink.Bind(mediatorLink)
	mediatorLink.Bind(panelLink)
	cleanups = append(cleanups, panelLink.Detach, mediatorLink.Detach)

	slot := &mediatorSlot{
		link: mediatorLink,
		build: func() (*mediator.Mediator, error) {
			med, err := rt.newMediator(target, nil)
			if err != nil {
				return nil, err
			}
			med.OnOverlayChange(func(open bool) {
				rt.logger.Info("overlay toggled", "open", open)
			})
			return med, nil
		},
		logger: rt.logger,
	}
	if err := slot.ensure(); err != nil {
		return fail(err)
	}
	cleanups = append(cleanups, slot.close)

	deps := panel.Deps{
		Mediator: panelLink,
		Broker:   brokerPort,
		Reinit:   func(context.Context) error { return slot.ensure() },
		Speaker:  speaker,
		Logger:   logger.ForRole(rt.logger, "panel"),
	}
	p, err := panel.Open(ctx, panel.Config{
		RequestTimeout: rt.cfg.Relay.RequestTimeout,
		RetryDelay:     rt.cfg.Relay.RetryDelay,
		QueryTimeout:   rt.cfg.Relay.QueryTimeout,
		AutoSpeak:      autoSpeak,
	}, deps)
	if err != nil {
		return fail(err)
	}
	cleanups = append(cleanups, p.Close)
	return p, cleanup, nil
}

// mediatorSlot holds the mediator serving a panel link.
type mediatorSlot struct {
	link   domain.Port
	build  func() (*mediator.Mediator, error)
	logger *slog.Logger

	mu      sync.Mutex
	current *mediator.Mediator
	detach  func()
}

// ensure attaches a fresh mediator unless the current one is still
// extracting; that extraction answers the retried request.
func (s *mediatorSlot) ensure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.Busy() {
		s.logger.Info("mediator still extracting, keeping it")
		return nil
	}
	med, err := s.build()
	if err != nil {
		return err
	}
	if s.detach != nil {
		s.detach()
	}
	s.current, s.detach = med, med.Attach(s.link)
	return nil
}

func (s *mediatorSlot) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detach != nil {
		s.detach()
		s.detach = nil
	}
	s.current = nil
}

// connectBroker returns the panel's broker port.
func connectBroker(ctx context.Context, rt *runtime) (domain.Port, func(), error) {
	if remoteURL != "" {
		if remoteToken == "" {
			return nil, nil, fmt.Errorf("%w: --remote needs --token", domain.ErrInvalidInput)
		}
		client, err := gateway.Dial(ctx, remoteURL, remoteToken, logger.ForRole(rt.logger, "gateway-client"))
		if err != nil {
			return nil, nil, err
		}
		return client, func() { _ = client.Close() }, nil
	}

	stack, err := rt.newBroker(ctx)
	if err != nil {
		return nil, nil, err
	}
	panelSide, brokerSide := relay.NewPipe("panel", "broker", logger.ForRole(rt.logger, "pipe"))
	detach := stack.broker.Attach(brokerSide)
	return panelSide, func() {
		detach()
		_ = panelSide.Close()
		_ = brokerSide.Close()
	}, nil
}

// detectSpeaker finds a speech command unless speech is disabled.
func detectSpeaker(rt *runtime) domain.Speaker {
	if noSpeech {
		return nil
	}
	s, err := speech.Detect(logger.ForRole(rt.logger, "speech"))
	if err != nil {
		rt.logger.Info("speech unavailable", "error", err)
		return nil
	}
	return s
}
