package domain

// StreamState is the lifecycle state of a streaming answer.
type StreamState string

const (
	StreamOpen    StreamState = "OPEN"
	StreamClosed  StreamState = "CLOSED"
	StreamAborted StreamState = "ABORTED"
)

// Terminal reports whether no further deltas can follow.
func (s StreamState) Terminal() bool {
	return s == StreamClosed || s == StreamAborted
}

// StreamStartedPayload is the payload for EventStreamStarted events.
type StreamStartedPayload struct {
	CorrelationID string `json:"correlation_id"`
	Origin        string `json:"origin,omitempty"`
}

// StreamCompletedPayload is the payload for EventStreamCompleted events.
// Published once when the full streamed answer is available.
type StreamCompletedPayload struct {
	CorrelationID string `json:"correlation_id"`
	Chunks        int    `json:"chunks"`
	Length        int    `json:"length"`
}

// StreamErrorPayload is the payload for EventStreamError events.
// Published when a stream fails before or during delivery.
type StreamErrorPayload struct {
	CorrelationID string    `json:"correlation_id"`
	Error         string    `json:"error"`
	Code          ErrorCode `json:"code,omitempty"`
	Partial       int       `json:"partial"`
}

// StreamAbortedPayload is the payload for EventStreamAborted events.
type StreamAbortedPayload struct {
	CorrelationID string `json:"correlation_id"`
}
