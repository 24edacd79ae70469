package exchange

import (
	"context"
	"errors"
	"time"

	cb "github.com/sony/gobreaker"
)

// BreakerGateway wraps a Gateway with a transport circuit breaker so a dead
// venue stops consuming retry budget. This is distinct from the domain
// breaker engine: it protects the wire, not the account.
type BreakerGateway struct {
	inner Gateway
	cb    *cb.CircuitBreaker
}

func NewBreakerGateway(inner Gateway) *BreakerGateway {
	st := cb.Settings{Name: "exchange"}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts cb.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		total := counts.Requests
		if total < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(total) > 0.05
	}
	// Definitive venue answers (rejections, not-found) are healthy transport.
	st.IsSuccessful = func(err error) bool {
		var apiErr *APIError
		return err == nil || errors.As(err, &apiErr) || errors.Is(err, ErrOrderNotFound)
	}
	return &BreakerGateway{inner: inner, cb: cb.NewCircuitBreaker(st)}
}

func (g *BreakerGateway) execute(fn func() (any, error)) (any, error) {
	res, err := g.cb.Execute(fn)
	if err == cb.ErrOpenState || err == cb.ErrTooManyRequests {
		// An open breaker is a transport condition, not a venue answer.
		return nil, Transient(err)
	}
	return res, err
}

func (g *BreakerGateway) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	res, err := g.execute(func() (any, error) {
		return g.inner.SubmitOrder(ctx, req)
	})
	if err != nil {
		return OrderResult{}, err
	}
	return res.(OrderResult), nil
}

func (g *BreakerGateway) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	_, err := g.execute(func() (any, error) {
		return nil, g.inner.CancelOrder(ctx, symbol, exchangeOrderID)
	})
	return err
}

func (g *BreakerGateway) GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (OrderResult, error) {
	res, err := g.execute(func() (any, error) {
		return g.inner.GetOrderStatus(ctx, symbol, exchangeOrderID)
	})
	if err != nil {
		return OrderResult{}, err
	}
	return res.(OrderResult), nil
}

func (g *BreakerGateway) LookupByClientID(ctx context.Context, symbol, clientOrderID string) (OrderResult, error) {
	res, err := g.execute(func() (any, error) {
		return g.inner.LookupByClientID(ctx, symbol, clientOrderID)
	})
	if err != nil {
		return OrderResult{}, err
	}
	return res.(OrderResult), nil
}

func (g *BreakerGateway) GetPositions(ctx context.Context) ([]PositionInfo, error) {
	res, err := g.execute(func() (any, error) {
		return g.inner.GetPositions(ctx)
	})
	if err != nil {
		return nil, err
	}
	return res.([]PositionInfo), nil
}
