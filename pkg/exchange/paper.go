package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// PaperGateway is a simulated venue for dry-run mode and tests. It fills
// market orders immediately at the hinted price with optional slippage, and
// can be told to fail the next N transport calls to exercise retry paths.
type PaperGateway struct {
	mu          sync.Mutex
	orders      map[string]*paperOrder // exchange_order_id -> order
	byClientID  map[string]string      // client_order_id -> exchange_order_id
	positions   map[string]*PositionInfo
	nextID      int
	failures    int // remaining forced transport failures
	latency     time.Duration
	slippageBps float64
	holdFills   bool // leave orders NEW until ReleaseFills
	rng         *rand.Rand
}

type paperOrder struct {
	req    OrderRequest
	result OrderResult
}

type PaperConfig struct {
	Latency     time.Duration
	SlippageBps float64
}

func NewPaperGateway(cfg PaperConfig) *PaperGateway {
	return &PaperGateway{
		orders:      make(map[string]*paperOrder),
		byClientID:  make(map[string]string),
		positions:   make(map[string]*PositionInfo),
		latency:     cfg.Latency,
		slippageBps: cfg.SlippageBps,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// FailNext forces the next n SubmitOrder calls to return a transport error.
func (g *PaperGateway) FailNext(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = n
}

// HoldFills keeps submitted orders NEW until ReleaseFills, so reconciliation
// and status-poll paths can be exercised.
func (g *PaperGateway) HoldFills(hold bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.holdFills = hold
}

// ReleaseFills fills every held order at its request price.
func (g *PaperGateway) ReleaseFills() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, o := range g.orders {
		if o.result.Status == StatusNew {
			g.fillLocked(o)
		}
	}
}

// SeedPosition installs a venue-side position directly, bypassing any order.
// Used to simulate untraceable state for divergence tests.
func (g *PaperGateway) SeedPosition(symbol string, qty, entry float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[symbol] = &PositionInfo{Symbol: symbol, Qty: qty, EntryPrice: entry}
}

func (g *PaperGateway) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if g.latency > 0 {
		select {
		case <-time.After(g.latency):
		case <-ctx.Done():
			return OrderResult{}, Transient(ctx.Err())
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failures > 0 {
		g.failures--
		return OrderResult{}, Transient(fmt.Errorf("simulated network failure"))
	}

	// Venue-side idempotency on client order id: a resubmission of the same
	// key returns the original order instead of creating a duplicate.
	if exchID, ok := g.byClientID[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		return g.orders[exchID].result, nil
	}

	if req.Qty <= 0 {
		return OrderResult{}, &APIError{Code: 400, Message: "invalid quantity"}
	}

	g.nextID++
	exchID := fmt.Sprintf("P%06d", g.nextID)
	o := &paperOrder{
		req:    req,
		result: OrderResult{ExchangeOrderID: exchID, Status: StatusNew},
	}
	g.orders[exchID] = o
	if req.ClientOrderID != "" {
		g.byClientID[req.ClientOrderID] = exchID
	}

	if !g.holdFills {
		g.fillLocked(o)
	}
	return o.result, nil
}

func (g *PaperGateway) fillLocked(o *paperOrder) {
	price := o.req.Price
	if price <= 0 {
		price = 1
	}
	if g.slippageBps > 0 {
		noise := g.rng.Float64() * g.slippageBps / 10000.0
		if strings.EqualFold(string(o.req.Side), string(Buy)) {
			price *= 1 + noise
		} else {
			price *= 1 - noise
		}
	}
	o.result.Status = StatusFilled
	o.result.FilledQty = o.req.Qty
	o.result.AvgFillPrice = price

	pos := g.positions[o.req.Symbol]
	if pos == nil {
		pos = &PositionInfo{Symbol: o.req.Symbol}
		g.positions[o.req.Symbol] = pos
	}
	if o.req.Side == Buy {
		pos.Qty += o.req.Qty
	} else {
		pos.Qty -= o.req.Qty
	}
	pos.EntryPrice = price
	if pos.Qty == 0 {
		delete(g.positions, o.req.Symbol)
	}
}

func (g *PaperGateway) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[exchangeOrderID]
	if !ok {
		return &APIError{Code: 404, Message: "unknown order"}
	}
	if o.result.Status == StatusNew || o.result.Status == StatusPartiallyFilled {
		o.result.Status = StatusCanceled
	}
	return nil
}

func (g *PaperGateway) GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[exchangeOrderID]
	if !ok {
		return OrderResult{}, &APIError{Code: 404, Message: "unknown order"}
	}
	return o.result, nil
}

// LookupByClientID returns the venue order for a client order id.
// Reconciliation uses this to resolve UNKNOWN records whose submission ack
// was lost.
func (g *PaperGateway) LookupByClientID(ctx context.Context, symbol, clientOrderID string) (OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	exchID, ok := g.byClientID[clientOrderID]
	if !ok {
		return OrderResult{}, ErrOrderNotFound
	}
	return g.orders[exchID].result, nil
}

func (g *PaperGateway) GetPositions(ctx context.Context) ([]PositionInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]PositionInfo, 0, len(g.positions))
	for _, p := range g.positions {
		out = append(out, *p)
	}
	return out, nil
}
