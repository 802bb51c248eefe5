package panel

import (
	"context"
	"fmt"

	"pagechat/internal/domain"
	"pagechat/internal/relay"
)

// History lists saved exchanges, newest first.
func (p *Panel) History(ctx context.Context) ([]domain.Exchange, error) {
	return p.history(ctx, domain.HistoryRequest{Op: domain.HistoryList})
}

// Exchange returns one saved exchange.
func (p *Panel) Exchange(ctx context.Context, id string) (domain.Exchange, error) {
	list, err := p.history(ctx, domain.HistoryRequest{Op: domain.HistoryGet, ID: id})
	if err != nil {
		return domain.Exchange{}, err
	}
	if len(list) == 0 {
		return domain.Exchange{}, domain.NewDomainError("Panel.Exchange", domain.ErrNotFound, id)
	}
	return list[0], nil
}

// SaveLast stores the most recent completed answer. Saving one that was
// already auto-saved returns the existing entry.
func (p *Panel) SaveLast(ctx context.Context) (domain.Exchange, error) {
	p.mu.Lock()
	last := p.last
	p.mu.Unlock()
	if last == nil {
		return domain.Exchange{}, domain.NewDomainError("Panel.SaveLast", domain.ErrNotFound, "no completed answer")
	}
	return p.save(ctx, *last)
}

// Remove deletes a saved exchange.
func (p *Panel) Remove(ctx context.Context, id string) error {
	_, err := p.history(ctx, domain.HistoryRequest{Op: domain.HistoryRemove, ID: id})
	return err
}

// ClearHistory deletes every saved exchange.
func (p *Panel) ClearHistory(ctx context.Context) error {
	_, err := p.history(ctx, domain.HistoryRequest{Op: domain.HistoryClear})
	return err
}

// save commits ex. Storage failures raise a notice but never block the
// conversation.
func (p *Panel) save(ctx context.Context, ex domain.Exchange) (domain.Exchange, error) {
	list, err := p.history(ctx, domain.HistoryRequest{Op: domain.HistorySave, Exchange: &ex})
	if err != nil {
		p.warn(WarnStorage, "The answer could not be saved to history.")
		return domain.Exchange{}, err
	}
	p.clear(WarnStorage)
	if len(list) == 0 {
		return ex, nil
	}
	return list[0], nil
}

func (p *Panel) history(ctx context.Context, req domain.HistoryRequest) ([]domain.Exchange, error) {
	resp, err := relay.Request(ctx, p.deps.Broker, domain.NewMessage("", req), p.cfg.RequestTimeout)
	if err != nil {
		return nil, domain.WrapOp("Panel.History", err)
	}
	res, ok := resp.Payload.(domain.HistoryResult)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected %s", domain.ErrInvalidInput, resp.Kind())
	}
	if res.Error != "" || res.Code != "" {
		return nil, domain.WrapOp("Panel.History", domain.ErrorFromCode(res.Code, res.Error))
	}
	return res.Exchanges, nil
}
