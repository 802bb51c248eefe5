package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventStreamStarted   EventType = "stream.started"
	EventStreamCompleted EventType = "stream.completed"
	EventStreamError     EventType = "stream.error"
	EventStreamAborted   EventType = "stream.aborted"

	EventExchangeSaved   EventType = "history.saved"
	EventExchangeRemoved EventType = "history.removed"
	EventHistoryCleared  EventType = "history.cleared"

	EventPageExtracted EventType = "page.extracted"
	EventQueryRejected EventType = "query.rejected"
	EventPanelAttached EventType = "panel.attached"
	EventPanelDetached EventType = "panel.detached"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type          EventType       `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event with a JSON-encoded payload. A payload that
// fails to encode is dropped rather than failing the publish.
func NewEvent(t EventType, correlationID string, payload any) Event {
	ev := Event{Type: t, Timestamp: time.Now(), CorrelationID: correlationID}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// ExchangeEventPayload is the payload for history events.
type ExchangeEventPayload struct {
	ID     string `json:"id,omitempty"`
	Origin string `json:"origin,omitempty"`
	Size   int    `json:"size"`
}

// PageExtractedPayload is the payload for EventPageExtracted events.
type PageExtractedPayload struct {
	URL            string             `json:"url"`
	Strategy       ExtractionStrategy `json:"strategy"`
	Length         int                `json:"length"`
	OriginalLength int                `json:"original_length"`
	Truncated      bool               `json:"truncated"`
}

// QueryRejectedPayload is the payload for EventQueryRejected events.
type QueryRejectedPayload struct {
	Code ErrorCode `json:"code"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
