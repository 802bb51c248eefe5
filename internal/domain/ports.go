package domain

import "context"

// MessageHandler receives a message delivered by a Port.
type MessageHandler func(ctx context.Context, msg Message)

// MessageFilter selects which messages a subscription receives.
type MessageFilter func(msg Message) bool

// Port is one side of a relay channel.
type Port interface {
	// Send delivers msg to the counterpart. It returns ErrNoCounterpart when
	// nobody is listening and never blocks on the counterpart's handlers.
	Send(ctx context.Context, msg Message) error
	// Subscribe registers h for messages accepted by filter and returns a
	// function that removes the subscription. Handlers for one port run in
	// arrival order.
	Subscribe(filter MessageFilter, h MessageHandler) (unsubscribe func())
}

// KVStore is a versioned key-value store. Version 0 means "absent".
type KVStore interface {
	// Get returns the current value and version of key. A missing key
	// yields (nil, 0, nil).
	Get(ctx context.Context, key string) ([]byte, int64, error)
	// CompareAndSwap stores value if key is still at version and reports
	// whether the write happened.
	CompareAndSwap(ctx context.Context, key string, version int64, value []byte) (bool, error)
	Close() error
}

// HistoryStore persists saved exchanges newest-first.
type HistoryStore interface {
	// Append saves e at the front and returns the stored entry, which may be
	// an existing duplicate.
	Append(ctx context.Context, e Exchange) (Exchange, error)
	List(ctx context.Context) ([]Exchange, error)
	Get(ctx context.Context, id string) (Exchange, error)
	// Remove deletes id; removing an absent id is not an error.
	Remove(ctx context.Context, id string) error
	Clear(ctx context.Context) error
}

// SettingsStore reads the persisted settings. It is read before every query
// so edits take effect without a restart.
type SettingsStore interface {
	Load(ctx context.Context) (Settings, error)
}

// Speaker plays answers aloud.
type Speaker interface {
	Speak(ctx context.Context, text string, view SettingsView) error
	// Cancel stops any playback in progress. Safe to call when idle.
	Cancel()
}

// AnswerRequest is one question about one page, as the broker forwards it
// to the backend.
type AnswerRequest struct {
	Credential string
	Page       PageContent
	Question   string
	History    []Turn
}
