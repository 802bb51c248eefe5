package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"pagechat/internal/domain"
)

// RetryDelay is the pause between re-initialising a counterpart and
// retrying a request.
const RetryDelay = 100 * time.Millisecond

// NewCorrelationID returns a fresh correlation id.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Request sends msg on port and waits for the first response carrying the
// same correlation id. An empty correlation id is filled in. The wait ends
// with ErrTimeout after timeout, or with the context's error.
func Request(ctx context.Context, port domain.Port, msg domain.Message, timeout time.Duration) (domain.Message, error) {
	kinds := msg.Kind().ResponseKinds()
	if len(kinds) == 0 {
		return domain.Message{}, domain.NewDomainError("Relay.Request", domain.ErrInvalidInput,
			fmt.Sprintf("%s is not a request kind", msg.Kind()))
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = NewCorrelationID()
	}

	result := make(chan domain.Message, 1)
	var once sync.Once
	unsubscribe := port.Subscribe(Correlated(msg.CorrelationID, kinds...), func(_ context.Context, m domain.Message) {
		once.Do(func() { result <- m })
	})
	defer unsubscribe()

	if err := port.Send(ctx, msg); err != nil {
		return domain.Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m := <-result:
		return m, nil
	case <-timer.C:
		return domain.Message{}, domain.NewDomainError("Relay.Request", domain.ErrTimeout,
			fmt.Sprintf("%s after %s", msg.Kind(), timeout))
	case <-ctx.Done():
		return domain.Message{}, domain.WrapOp("Relay.Request", ctx.Err())
	}
}

// RetryPolicy configures RequestWithRetry.
type RetryPolicy struct {
	Timeout time.Duration
	// Delay defaults to RetryDelay.
	Delay time.Duration
	// Reinit re-creates the counterpart before the retry.
	Reinit func(ctx context.Context) error
}

// RequestWithRetry is Request with a single recovery attempt: when the
// counterpart is missing or silent it runs Reinit, waits Delay and sends
// the same request again under the same correlation id. A second failure
// is reported as ErrRelayUnreachable.
func RequestWithRetry(ctx context.Context, port domain.Port, msg domain.Message, p RetryPolicy) (domain.Message, error) {
	if msg.CorrelationID == "" {
		msg.CorrelationID = NewCorrelationID()
	}
	resp, err := Request(ctx, port, msg, p.Timeout)
	if err == nil || !domain.IsRetryableError(err) {
		return resp, err
	}

	if p.Reinit != nil {
		if rerr := p.Reinit(ctx); rerr != nil {
			return domain.Message{}, fmt.Errorf("%w: reinit: %w", domain.ErrRelayUnreachable, rerr)
		}
	}
	delay := p.Delay
	if delay <= 0 {
		delay = RetryDelay
	}
	timer := time.NewTimer(delay)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		return domain.Message{}, domain.WrapOp("Relay.RequestWithRetry", ctx.Err())
	}

	resp, err = Request(ctx, port, msg, p.Timeout)
	if err != nil && domain.IsRetryableError(err) {
		return domain.Message{}, fmt.Errorf("%w: %w", domain.ErrRelayUnreachable, err)
	}
	return resp, err
}

// Reply sends a response to req on port, echoing its correlation id.
func Reply(ctx context.Context, port domain.Port, req domain.Message, p domain.Payload) error {
	return port.Send(ctx, domain.NewMessage(req.CorrelationID, p))
}
