package domain

import (
	"fmt"
	"strings"
	"time"
)

// Exchange is one saved question/answer pair. Exchanges are never edited;
// they are only appended or deleted.
type Exchange struct {
	ID        string    `json:"id"`
	Origin    string    `json:"origin"`
	PageTitle string    `json:"page_title,omitempty"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks that an exchange is worth persisting.
func (e Exchange) Validate() error {
	if strings.TrimSpace(e.Question) == "" {
		return fmt.Errorf("%w: exchange has no question", ErrInvalidInput)
	}
	if strings.TrimSpace(e.Answer) == "" {
		return fmt.Errorf("%w: exchange has no answer", ErrInvalidInput)
	}
	return nil
}

// SameContent reports whether two exchanges record the same conversation turn.
func (e Exchange) SameContent(o Exchange) bool {
	return e.Origin == o.Origin && e.Question == o.Question && e.Answer == o.Answer
}
