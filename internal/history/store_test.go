package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagechat/internal/adapter/kv"
	"pagechat/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, backend domain.KVStore, cfg Config) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := New(backend, cfg, slog.New(slog.DiscardHandler))
	s.now = clock.Now
	return s, clock
}

func exchange(i int) domain.Exchange {
	return domain.Exchange{
		Origin:   "https://example.com/a",
		Question: fmt.Sprintf("question %d", i),
		Answer:   fmt.Sprintf("answer %d", i),
	}
}

func TestAppendKeepsNewestWithinCapacity(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t, kv.NewMemoryStore(), Config{Capacity: 5})

	for i := 0; i < 12; i++ {
		_, err := s.Append(ctx, exchange(i))
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 5)
	for i, x := range list {
		assert.Equal(t, fmt.Sprintf("question %d", 11-i), x.Question)
	}
}

func TestAppendEvictsOldestAtDefaultCapacity(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t, kv.NewMemoryStore(), Config{})
	require.Equal(t, 50, s.Capacity())

	var first domain.Exchange
	for i := 0; i < 51; i++ {
		saved, err := s.Append(ctx, exchange(i))
		require.NoError(t, err)
		if i == 0 {
			first = saved
		}
		clock.Advance(time.Millisecond)
	}

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 50)
	assert.Equal(t, "question 50", list[0].Question)
	for _, x := range list {
		assert.NotEqual(t, first.ID, x.ID)
	}

	_, err = s.Get(ctx, first.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAppendAssignsIDAndTimestamp(t *testing.T) {
	s, clock := newTestStore(t, kv.NewMemoryStore(), Config{})
	saved, err := s.Append(context.Background(), exchange(1))
	require.NoError(t, err)
	assert.Len(t, saved.ID, 26)
	assert.Equal(t, clock.Now(), saved.CreatedAt)

	got, err := s.Get(context.Background(), saved.ID)
	require.NoError(t, err)
	assert.Equal(t, saved.ID, got.ID)
	assert.True(t, saved.CreatedAt.Equal(got.CreatedAt))
}

func TestAppendRejectsEmptyAnswer(t *testing.T) {
	s, _ := newTestStore(t, kv.NewMemoryStore(), Config{})
	_, err := s.Append(context.Background(), domain.Exchange{Question: "q"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestAppendDedupesWithinWindow(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t, kv.NewMemoryStore(), Config{DedupeWindow: 30 * time.Second})

	first, err := s.Append(ctx, exchange(1))
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	again, err := s.Append(ctx, exchange(1))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	clock.Advance(31 * time.Second)
	later, err := s.Append(ctx, exchange(1))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, later.ID)

	list, err = s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestAppendDedupeDisabled(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, kv.NewMemoryStore(), Config{DedupeWindow: -1})

	_, err := s.Append(ctx, exchange(1))
	require.NoError(t, err)
	_, err = s.Append(ctx, exchange(1))
	require.NoError(t, err)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, kv.NewMemoryStore(), Config{})

	a, err := s.Append(ctx, exchange(1))
	require.NoError(t, err)
	b, err := s.Append(ctx, exchange(2))
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, "does-not-exist"))
	require.NoError(t, s.Remove(ctx, a.ID))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, kv.NewMemoryStore(), Config{})
	require.NoError(t, s.Clear(ctx))

	_, err := s.Append(ctx, exchange(1))
	require.NoError(t, err)
	require.NoError(t, s.Clear(ctx))

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStoresShareBackend(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemoryStore()
	a, _ := newTestStore(t, backend, Config{})
	b, _ := newTestStore(t, backend, Config{})

	saved, err := a.Append(ctx, exchange(1))
	require.NoError(t, err)

	got, err := b.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "question 1", got.Question)

	require.NoError(t, b.Remove(ctx, saved.ID))
	list, err := a.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, kv.NewMemoryStore(), Config{Capacity: 100, MaxAttempts: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Append(ctx, exchange(i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 20)
}

// conflictingKV never lets a write through.
type conflictingKV struct{ *kv.MemoryStore }

func (c *conflictingKV) CompareAndSwap(context.Context, string, int64, []byte) (bool, error) {
	return false, nil
}

func TestMutateGivesUpAfterConflicts(t *testing.T) {
	s, _ := newTestStore(t, &conflictingKV{MemoryStore: kv.NewMemoryStore()}, Config{MaxAttempts: 3})
	_, err := s.Append(context.Background(), exchange(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStorage)
}

type failingKV struct{ domain.KVStore }

func (failingKV) Get(context.Context, string) ([]byte, int64, error) {
	return nil, 0, errors.New("disk on fire")
}

func TestLoadErrorIsStorage(t *testing.T) {
	s, _ := newTestStore(t, failingKV{}, Config{})
	_, err := s.List(context.Background())
	assert.ErrorIs(t, err, domain.ErrStorage)
	assert.Equal(t, domain.CodeStorage, domain.ErrorCodeOf(err))
}

func TestCorruptDataTreatedAsEmpty(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemoryStore()
	_, err := backend.CompareAndSwap(ctx, DefaultKey, 0, []byte("{not json"))
	require.NoError(t, err)

	s, _ := newTestStore(t, backend, Config{})
	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = s.Append(ctx, exchange(1))
	require.NoError(t, err)
	list, err = s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
