package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"pagechat/internal/adapter/backend"
	"pagechat/internal/adapter/document"
	"pagechat/internal/adapter/kv"
	"pagechat/internal/adapter/settings"
	"pagechat/internal/domain"
	"pagechat/internal/extract"
	"pagechat/internal/history"
	"pagechat/internal/infra/logger"
	"pagechat/internal/usecase/broker"
	"pagechat/internal/usecase/eventbus"
	"pagechat/internal/usecase/mediator"
)

// openKV opens the history backend named by history.backend.
func (r *runtime) openKV(ctx context.Context) (domain.KVStore, error) {
	hc := r.cfg.History
	var (
		store domain.KVStore
		err   error
	)
	switch hc.Backend {
	case "memory":
		store = kv.NewMemoryStore()
	case "redis":
		store, err = kv.DialRedis(ctx, hc.RedisURL)
	case "sqlite", "":
		if err = os.MkdirAll(filepath.Dir(hc.Path), 0o700); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
		store, err = kv.NewSQLiteStore(hc.Path)
	default:
		return nil, fmt.Errorf("%w: unknown history backend %q", domain.ErrInvalidInput, hc.Backend)
	}
	if err != nil {
		return nil, domain.NewDomainError("openKV", domain.ErrStorage, err.Error())
	}
	r.onClose(store.Close)
	return store, nil
}

func (r *runtime) openHistory(ctx context.Context) (*history.Store, error) {
	store, err := r.openKV(ctx)
	if err != nil {
		return nil, err
	}
	hc := r.cfg.History
	return history.New(store, history.Config{
		Key:          hc.Key,
		Capacity:     hc.Capacity,
		DedupeWindow: hc.DedupeWindow,
	}, logger.ForRole(r.logger, "history")), nil
}

// brokerStack is everything the broker role owns.
type brokerStack struct {
	broker   *broker.Broker
	history  *history.Store
	backend  *backend.Client
	settings *settings.FileStore
	bus      *eventbus.Bus
	counters *eventbus.Counters
}

func (r *runtime) newBroker(ctx context.Context) (*brokerStack, error) {
	hist, err := r.openHistory(ctx)
	if err != nil {
		return nil, err
	}
	log := logger.ForRole(r.logger, "broker")

	bus := eventbus.New(log)
	counters := eventbus.Count(bus, log)
	r.onClose(func() error {
		counters.Stop()
		bus.Close()
		return nil
	})

	client := backend.New(r.cfg.Backend, nil, log)
	st := settings.NewFileStore(r.cfg.Settings.Path, log)
	b := broker.New(broker.Config{
		QueriesPerMinute: r.cfg.Broker.QueriesPerMinute,
		Burst:            r.cfg.Broker.Burst,
		QueryTimeout:     r.cfg.Relay.QueryTimeout,
	}, client, hist, st, bus, log)
	r.onClose(func() error {
		b.Close()
		return nil
	})
	return &brokerStack{broker: b, history: hist, backend: client, settings: st, bus: bus, counters: counters}, nil
}

// newMediator builds a mediator for target. bus may be nil.
func (r *runtime) newMediator(target string, bus domain.EventBus) (*mediator.Mediator, error) {
	log := logger.ForRole(r.logger, "mediator")
	source, err := document.Open(target, r.cfg.Document, log)
	if err != nil {
		return nil, err
	}
	ext := extract.New(extract.Options{
		Budget:          r.cfg.Extract.Budget,
		MinContentChars: r.cfg.Extract.MinContentChars,
		Logger:          log,
	})
	return mediator.New(source, ext, bus, log), nil
}
