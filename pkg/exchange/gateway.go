package exchange

import (
	"context"
	"errors"
	"fmt"
)

// Side of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderType supported by the venue abstraction.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// Status reported by the venue for an order.
type Status string

const (
	StatusNew             Status = "NEW"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusRejected        Status = "REJECTED"
	StatusCanceled        Status = "CANCELED"
)

// OrderRequest is a venue-bound order. ClientOrderID carries the caller's
// idempotency key so resubmissions are correlated on the venue side too.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           float64
	Price         float64
}

// OrderResult is the venue's view of an order.
type OrderResult struct {
	ExchangeOrderID string
	Status          Status
	FilledQty       float64
	AvgFillPrice    float64
}

// PositionInfo is a venue-reported open position.
type PositionInfo struct {
	Symbol     string
	Qty        float64
	EntryPrice float64
}

// OrderUpdate is an asynchronous order event from the venue stream.
type OrderUpdate struct {
	ClientOrderID   string  `json:"client_order_id"`
	ExchangeOrderID string  `json:"exchange_order_id"`
	Status          Status  `json:"status"`
	FilledQty       float64 `json:"filled_qty"`
	AvgFillPrice    float64 `json:"avg_fill_price"`
}

// Gateway abstracts a trading venue. The control plane never assumes
// venue-side idempotency; every call must be safe to repeat from the caller.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (OrderResult, error)
	// LookupByClientID resolves an order whose submission ack was lost.
	// Returns ErrOrderNotFound when the venue definitively has no such order.
	LookupByClientID(ctx context.Context, symbol, clientOrderID string) (OrderResult, error)
	GetPositions(ctx context.Context) ([]PositionInfo, error)
}

// ErrOrderNotFound is the venue's definitive answer that an order does not
// exist. Distinct from transient failures: it proves the submit never landed.
var ErrOrderNotFound = errors.New("order not found on venue")

// ErrTransient marks transport-level failures that are safe to retry with
// backoff. Anything not wrapping it is treated as a definitive venue answer.
var ErrTransient = errors.New("transient exchange error")

// Transient wraps an underlying transport failure as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded)
}

// APIError is a definitive venue rejection (bad symbol, insufficient margin).
// Never retried.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange api error %d: %s", e.Code, e.Message)
}
