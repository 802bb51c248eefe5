// Package history keeps saved exchanges in a bounded, newest-first list
// stored under a single key.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"pagechat/internal/domain"
	"pagechat/internal/infra/tracer"
)

const (
	DefaultKey          = "pagechat:history"
	DefaultCapacity     = 50
	DefaultDedupeWindow = 30 * time.Second
	defaultMaxAttempts  = 16
)

var _ domain.HistoryStore = (*Store)(nil)

// Config configures a Store. Zero values take the defaults above; a
// negative DedupeWindow disables deduplication.
type Config struct {
	Key          string
	Capacity     int
	DedupeWindow time.Duration
	MaxAttempts  int
}

// Store implements domain.HistoryStore over a versioned KV backend. Every
// operation re-reads the key; mutations commit with compare-and-swap and
// retry when another writer got there first.
type Store struct {
	kv       domain.KVStore
	key      string
	capacity int
	dedupe   time.Duration
	attempts int
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a history store.
func New(kv domain.KVStore, cfg Config, logger *slog.Logger) *Store {
	s := &Store{
		kv:       kv,
		key:      cfg.Key,
		capacity: cfg.Capacity,
		dedupe:   cfg.DedupeWindow,
		attempts: cfg.MaxAttempts,
		logger:   logger,
		now:      time.Now,
	}
	if s.key == "" {
		s.key = DefaultKey
	}
	if s.capacity <= 0 {
		s.capacity = DefaultCapacity
	}
	if s.dedupe == 0 {
		s.dedupe = DefaultDedupeWindow
	}
	if s.attempts <= 0 {
		s.attempts = defaultMaxAttempts
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Capacity returns the maximum number of stored exchanges.
func (s *Store) Capacity() int { return s.capacity }

// Append stores e at the front, evicting the oldest entries beyond
// capacity. An exchange identical to one saved within the dedupe window is
// not stored again; the earlier entry is returned instead.
func (s *Store) Append(ctx context.Context, e domain.Exchange) (domain.Exchange, error) {
	ctx, span := tracer.StartSpan(ctx, "history.append")
	defer span.End()

	if err := e.Validate(); err != nil {
		tracer.RecordError(span, err)
		return domain.Exchange{}, domain.WrapOp("History.Append", err)
	}
	now := s.now()
	if e.ID == "" {
		e.ID = newID(now)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}

	stored := e
	err := s.mutate(ctx, "History.Append", func(list []domain.Exchange) ([]domain.Exchange, bool) {
		stored = e
		if dup, ok := s.findDuplicate(list, e, now); ok {
			stored = dup
			return list, false
		}
		next := make([]domain.Exchange, 0, min(len(list)+1, s.capacity))
		next = append(next, e)
		for _, x := range list {
			if len(next) == s.capacity {
				break
			}
			if x.ID != e.ID {
				next = append(next, x)
			}
		}
		if evicted := len(list) + 1 - len(next); evicted > 0 {
			s.logger.Debug("history evicted oldest", "count", evicted)
		}
		return next, true
	})
	if err != nil {
		tracer.RecordError(span, err)
		return domain.Exchange{}, err
	}
	tracer.SetOK(span)
	return stored, nil
}

func (s *Store) findDuplicate(list []domain.Exchange, e domain.Exchange, now time.Time) (domain.Exchange, bool) {
	if s.dedupe < 0 {
		return domain.Exchange{}, false
	}
	for _, x := range list {
		if x.SameContent(e) && now.Sub(x.CreatedAt) <= s.dedupe {
			return x, true
		}
	}
	return domain.Exchange{}, false
}

// List returns all stored exchanges, newest first.
func (s *Store) List(ctx context.Context) ([]domain.Exchange, error) {
	list, _, err := s.load(ctx, "History.List")
	return list, err
}

// Get returns the exchange with the given id.
func (s *Store) Get(ctx context.Context, id string) (domain.Exchange, error) {
	list, _, err := s.load(ctx, "History.Get")
	if err != nil {
		return domain.Exchange{}, err
	}
	for _, x := range list {
		if x.ID == id {
			return x, nil
		}
	}
	return domain.Exchange{}, domain.NewDomainError("History.Get", domain.ErrNotFound, id)
}

// Remove deletes the exchange with the given id. Unknown ids are ignored.
func (s *Store) Remove(ctx context.Context, id string) error {
	ctx, span := tracer.StartSpan(ctx, "history.remove")
	defer span.End()

	err := s.mutate(ctx, "History.Remove", func(list []domain.Exchange) ([]domain.Exchange, bool) {
		for i, x := range list {
			if x.ID == id {
				next := make([]domain.Exchange, 0, len(list)-1)
				next = append(next, list[:i]...)
				return append(next, list[i+1:]...), true
			}
		}
		return list, false
	})
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	tracer.SetOK(span)
	return nil
}

// Clear removes every exchange.
func (s *Store) Clear(ctx context.Context) error {
	ctx, span := tracer.StartSpan(ctx, "history.clear")
	defer span.End()

	err := s.mutate(ctx, "History.Clear", func(list []domain.Exchange) ([]domain.Exchange, bool) {
		return []domain.Exchange{}, len(list) > 0
	})
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	tracer.SetOK(span)
	return nil
}

// mutate applies fn to the freshly loaded list and commits the result,
// retrying from a fresh read whenever the version moved underneath us.
func (s *Store) mutate(ctx context.Context, op string, fn func([]domain.Exchange) ([]domain.Exchange, bool)) error {
	for attempt := 1; attempt <= s.attempts; attempt++ {
		list, version, err := s.load(ctx, op)
		if err != nil {
			return err
		}
		next, changed := fn(list)
		if !changed {
			return nil
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return domain.NewDomainError(op, domain.ErrStorage, err.Error())
		}
		ok, err := s.kv.CompareAndSwap(ctx, s.key, version, raw)
		if err != nil {
			return domain.NewDomainError(op, fmt.Errorf("%w: %w", domain.ErrStorage, err), s.key)
		}
		if ok {
			return nil
		}
		s.logger.Debug("history write conflict, retrying", "op", op, "attempt", attempt)
	}
	return domain.NewDomainError(op, domain.ErrStorage, fmt.Sprintf("%d conflicting writes on %s", s.attempts, s.key))
}

// load reads and decodes the stored list. Undecodable data is logged and
// treated as an empty history so the next write repairs it.
func (s *Store) load(ctx context.Context, op string) ([]domain.Exchange, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, domain.WrapOp(op, err)
	}
	raw, version, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return nil, 0, domain.NewDomainError(op, fmt.Errorf("%w: %w", domain.ErrStorage, err), s.key)
	}
	list := []domain.Exchange{}
	if len(raw) == 0 {
		return list, version, nil
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		s.logger.Warn("history data unreadable, treating as empty", "key", s.key, "error", err)
		return []domain.Exchange{}, version, nil
	}
	return list, version, nil
}

// newID returns a ULID for t. DefaultEntropy is monotonic, so ids minted
// within the same millisecond still sort in creation order.
func newID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
