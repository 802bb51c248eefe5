package domain

import (
	"encoding/json"
	"fmt"
)

// Kind tags a relay message. The set is closed: every switch over Kind
// must handle all of them.
type Kind string

const (
	KindQuery              Kind = "QUERY"
	KindPageContentRequest Kind = "PAGE_CONTENT_REQUEST"
	KindPageContentResult  Kind = "PAGE_CONTENT_RESULT"
	KindStreamChunk        Kind = "STREAM_CHUNK"
	KindStreamEnd          Kind = "STREAM_END"
	KindStreamError        Kind = "STREAM_ERROR"
	KindCancel             Kind = "CANCEL"
	KindHistoryRequest     Kind = "HISTORY_REQUEST"
	KindHistoryResult      Kind = "HISTORY_RESULT"
	KindSettingsRequest    Kind = "SETTINGS_REQUEST"
	KindSettingsResult     Kind = "SETTINGS_RESULT"
	KindOverlayToggle      Kind = "OVERLAY_TOGGLE"
)

// Kinds lists every message kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindQuery, KindPageContentRequest, KindPageContentResult,
		KindStreamChunk, KindStreamEnd, KindStreamError, KindCancel,
		KindHistoryRequest, KindHistoryResult,
		KindSettingsRequest, KindSettingsResult,
		KindOverlayToggle,
	}
}

// IsRequest reports whether messages of this kind open an exchange and
// therefore need a fresh correlation ID.
func (k Kind) IsRequest() bool {
	switch k {
	case KindQuery, KindPageContentRequest, KindHistoryRequest, KindSettingsRequest:
		return true
	case KindPageContentResult, KindStreamChunk, KindStreamEnd, KindStreamError,
		KindCancel, KindHistoryResult, KindSettingsResult, KindOverlayToggle:
		return false
	}
	return false
}

// ResponseKinds returns the kinds that terminate a request of kind k.
// STREAM_CHUNK is progress, not a terminal response, so QUERY maps to
// STREAM_END and STREAM_ERROR only.
func (k Kind) ResponseKinds() []Kind {
	switch k {
	case KindQuery:
		return []Kind{KindStreamEnd, KindStreamError}
	case KindPageContentRequest:
		return []Kind{KindPageContentResult}
	case KindHistoryRequest:
		return []Kind{KindHistoryResult}
	case KindSettingsRequest:
		return []Kind{KindSettingsResult}
	case KindPageContentResult, KindStreamChunk, KindStreamEnd, KindStreamError,
		KindCancel, KindHistoryResult, KindSettingsResult, KindOverlayToggle:
		return nil
	}
	return nil
}

// Payload is implemented only by the payload types in this package.
type Payload interface {
	Kind() Kind
	isPayload()
}

// Message is an immutable relay envelope.
type Message struct {
	CorrelationID string
	Payload       Payload
}

// NewMessage builds a message for payload p.
func NewMessage(correlationID string, p Payload) Message {
	return Message{CorrelationID: correlationID, Payload: p}
}

// Kind returns the payload's kind, or "" for an empty message.
func (m Message) Kind() Kind {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.Kind()
}

// Validate checks the envelope invariants.
func (m Message) Validate() error {
	if m.Payload == nil {
		return fmt.Errorf("%w: message has no payload", ErrInvalidInput)
	}
	if m.Kind() != KindOverlayToggle && m.CorrelationID == "" {
		return fmt.Errorf("%w: %s message has no correlation id", ErrInvalidInput, m.Kind())
	}
	return nil
}

// Turn is one prior question/answer pair sent as conversation history.
type Turn struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Query asks the broker to answer Question about Page.
type Query struct {
	Question string      `json:"question"`
	Page     PageContent `json:"page"`
	History  []Turn      `json:"history,omitempty"`
}

// PageContentRequest asks the mediator to run the extraction pipeline.
type PageContentRequest struct {
	Refresh bool `json:"refresh,omitempty"`
}

// PageContentResult carries the extracted page or the reason it could not
// be produced.
type PageContentResult struct {
	Content PageContent `json:"content"`
	Error   string      `json:"error,omitempty"`
	Code    ErrorCode   `json:"code,omitempty"`
}

// StreamChunk is one incremental delta of an answer.
type StreamChunk struct {
	Seq  int    `json:"seq"`
	Text string `json:"text"`
}

// StreamEnd terminates a stream; Text is the full accumulated answer.
type StreamEnd struct {
	Text string `json:"text"`
}

// StreamError terminates a stream with a failure. Partial holds any text
// delivered before the failure.
type StreamError struct {
	Reason  string    `json:"reason"`
	Code    ErrorCode `json:"code,omitempty"`
	Partial string    `json:"partial,omitempty"`
}

// Cancel aborts the stream with the same correlation ID.
type Cancel struct{}

// HistoryOp selects a history operation.
type HistoryOp string

const (
	HistoryList   HistoryOp = "list"
	HistoryGet    HistoryOp = "get"
	HistorySave   HistoryOp = "save"
	HistoryRemove HistoryOp = "remove"
	HistoryClear  HistoryOp = "clear"
)

// HistoryRequest asks the broker to read or mutate the history store.
type HistoryRequest struct {
	Op       HistoryOp `json:"op"`
	Exchange *Exchange `json:"exchange,omitempty"`
	ID       string    `json:"id,omitempty"`
}

// HistoryResult answers a HistoryRequest. Exchanges holds the list for
// "list", the single entry for "get" and "save", and is empty otherwise.
type HistoryResult struct {
	Exchanges []Exchange `json:"exchanges,omitempty"`
	Error     string     `json:"error,omitempty"`
	Code      ErrorCode  `json:"code,omitempty"`
}

// SettingsRequest asks the broker for the redacted settings view.
type SettingsRequest struct{}

// SettingsResult answers a SettingsRequest.
type SettingsResult struct {
	Settings SettingsView `json:"settings"`
	Error    string       `json:"error,omitempty"`
	Code     ErrorCode    `json:"code,omitempty"`
}

// OverlayAction is what an OVERLAY_TOGGLE asks the mediator to do.
type OverlayAction string

const (
	OverlayOpen   OverlayAction = "open"
	OverlayClose  OverlayAction = "close"
	OverlayToggle OverlayAction = "toggle"
)

// OverlayToggleRequest shows or hides the panel overlay.
type OverlayToggleRequest struct {
	Action OverlayAction `json:"action"`
}

func (Query) Kind() Kind                { return KindQuery }
func (PageContentRequest) Kind() Kind   { return KindPageContentRequest }
func (PageContentResult) Kind() Kind    { return KindPageContentResult }
func (StreamChunk) Kind() Kind          { return KindStreamChunk }
func (StreamEnd) Kind() Kind            { return KindStreamEnd }
func (StreamError) Kind() Kind          { return KindStreamError }
func (Cancel) Kind() Kind               { return KindCancel }
func (HistoryRequest) Kind() Kind       { return KindHistoryRequest }
func (HistoryResult) Kind() Kind        { return KindHistoryResult }
func (SettingsRequest) Kind() Kind      { return KindSettingsRequest }
func (SettingsResult) Kind() Kind       { return KindSettingsResult }
func (OverlayToggleRequest) Kind() Kind { return KindOverlayToggle }

func (Query) isPayload()                {}
func (PageContentRequest) isPayload()   {}
func (PageContentResult) isPayload()    {}
func (StreamChunk) isPayload()          {}
func (StreamEnd) isPayload()            {}
func (StreamError) isPayload()          {}
func (Cancel) isPayload()               {}
func (HistoryRequest) isPayload()       {}
func (HistoryResult) isPayload()        {}
func (SettingsRequest) isPayload()      {}
func (SettingsResult) isPayload()       {}
func (OverlayToggleRequest) isPayload() {}

// envelope is the wire form of a Message.
type envelope struct {
	Kind          Kind            `json:"kind"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Payload == nil {
		return nil, fmt.Errorf("%w: message has no payload", ErrInvalidInput)
	}
	raw, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", m.Kind(), err)
	}
	return json.Marshal(envelope{Kind: m.Kind(), CorrelationID: m.CorrelationID, Payload: raw})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	p, err := decodePayload(env.Kind, env.Payload)
	if err != nil {
		return err
	}
	m.CorrelationID = env.CorrelationID
	m.Payload = p
	return nil
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	switch kind {
	case KindQuery:
		return decodeAs[Query](raw)
	case KindPageContentRequest:
		return decodeAs[PageContentRequest](raw)
	case KindPageContentResult:
		return decodeAs[PageContentResult](raw)
	case KindStreamChunk:
		return decodeAs[StreamChunk](raw)
	case KindStreamEnd:
		return decodeAs[StreamEnd](raw)
	case KindStreamError:
		return decodeAs[StreamError](raw)
	case KindCancel:
		return decodeAs[Cancel](raw)
	case KindHistoryRequest:
		return decodeAs[HistoryRequest](raw)
	case KindHistoryResult:
		return decodeAs[HistoryResult](raw)
	case KindSettingsRequest:
		return decodeAs[SettingsRequest](raw)
	case KindSettingsResult:
		return decodeAs[SettingsResult](raw)
	case KindOverlayToggle:
		return decodeAs[OverlayToggleRequest](raw)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

func decodeAs[T Payload](raw json.RawMessage) (Payload, error) {
	var p T
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrInvalidInput, p.Kind(), err)
	}
	return p, nil
}
