package backend

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"pagechat/internal/domain"
)

// StatusError is a non-2xx backend response.
type StatusError struct {
	Status int
	Detail string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Detail)
}

// ErrorDetail is the message shown to the user.
func (e *StatusError) ErrorDetail() string { return e.Detail }

// Unwrap maps the status onto the domain taxonomy so callers can use
// errors.Is and domain.ErrorCodeOf.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Status == http.StatusTooManyRequests:
		return domain.ErrRateLimit
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return domain.ErrAuthInvalid
	default:
		return domain.ErrHTTPStatus
	}
}

// tripsBreaker reports whether the failure says the backend itself is
// unhealthy. Client errors do not count.
func (e *StatusError) tripsBreaker() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// newStatusError extracts the `detail` field the backend puts in error
// bodies. Validation errors carry a list of objects with a `msg` field.
// Without a usable detail the status text is used.
func newStatusError(status int, body []byte) *StatusError {
	return &StatusError{Status: status, Detail: detailOf(status, body)}
}

func detailOf(status int, body []byte) string {
	var wrapper struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && len(wrapper.Detail) > 0 {
		var s string
		if json.Unmarshal(wrapper.Detail, &s) == nil && s != "" {
			return s
		}
		var items []struct {
			Msg string `json:"msg"`
		}
		if json.Unmarshal(wrapper.Detail, &items) == nil {
			msgs := make([]string, 0, len(items))
			for _, it := range items {
				if it.Msg != "" {
					msgs = append(msgs, it.Msg)
				}
			}
			if len(msgs) > 0 {
				return strings.Join(msgs, "; ")
			}
		}
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return fmt.Sprintf("status %d", status)
}
