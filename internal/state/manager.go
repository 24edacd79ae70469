package state

import (
	"context"
	"strconv"
	"sync"

	"tradeguard/pkg/db"
)

// Manager keeps an in-memory view of positions and account equity while
// persisting to the DB for durability. Single writer; readers get copies.
type Manager struct {
	mu        sync.RWMutex
	positions map[string]db.Position
	equity    float64
	db        *db.Database
}

const equitySnapshotKey = "account_equity"

func NewManager(database *db.Database) *Manager {
	return &Manager{
		db:        database,
		positions: make(map[string]db.Position),
	}
}

// Load seeds in-memory state from the DB on startup.
func (m *Manager) Load(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	pos, err := m.db.ListPositions(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range pos {
		m.positions[p.Symbol] = p
	}
	if raw, err := m.db.GetSnapshot(ctx, equitySnapshotKey); err == nil {
		if eq, err := strconv.ParseFloat(raw, 64); err == nil {
			m.equity = eq
		}
	}
	return nil
}

// Position returns the latest in-memory snapshot for a symbol.
func (m *Manager) Position(symbol string) db.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.positions[symbol]
}

// Positions returns a snapshot of all non-flat positions.
func (m *Manager) Positions() []db.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]db.Position, 0, len(m.positions))
	for _, p := range m.positions {
		if p.Qty != 0 {
			res = append(res, p)
		}
	}
	return res
}

// OpenPositionCount returns the number of non-flat positions.
func (m *Manager) OpenPositionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.positions {
		if p.Qty != 0 {
			n++
		}
	}
	return n
}

// ApplyFill adjusts the position for a confirmed fill, persists it, and
// returns realized PnL for the portion that reduced the position.
func (m *Manager) ApplyFill(ctx context.Context, symbol, side string, qty, price float64) (db.Position, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.positions[symbol]
	p.Symbol = symbol

	signed := qty
	if side == "SELL" {
		signed = -qty
	}

	var realized float64
	switch {
	case p.Qty == 0 || (p.Qty > 0) == (signed > 0):
		// Opening or adding: blend average price.
		newQty := p.Qty + signed
		if newQty != 0 {
			p.AvgPrice = (p.AvgPrice*abs(p.Qty) + price*qty) / abs(newQty)
		}
		p.Qty = newQty
	default:
		// Reducing or flipping: realize PnL on the closed portion.
		closed := min(abs(signed), abs(p.Qty))
		if p.Qty > 0 {
			realized = (price - p.AvgPrice) * closed
		} else {
			realized = (p.AvgPrice - price) * closed
		}
		p.Qty += signed
		if p.Qty == 0 {
			p.AvgPrice = 0
		} else if (p.Qty > 0) == (signed > 0) {
			// Flipped through zero: remainder opens at fill price.
			p.AvgPrice = price
		}
	}

	if m.db != nil {
		if err := m.db.UpsertPosition(ctx, p); err != nil {
			return p, realized, err
		}
	}
	m.positions[symbol] = p
	return p, realized, nil
}

// SetPosition directly sets a position (used by reconciliation syncing; the
// exchange is authoritative for fill state).
func (m *Manager) SetPosition(ctx context.Context, symbol string, qty, avgPrice float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := db.Position{Symbol: symbol, Qty: qty, AvgPrice: avgPrice}
	if m.db != nil {
		if err := m.db.UpsertPosition(ctx, p); err != nil {
			return err
		}
	}
	m.positions[symbol] = p
	return nil
}

// SetEquity records current account equity (persisted to the KV snapshot).
func (m *Manager) SetEquity(ctx context.Context, equity float64) {
	m.mu.Lock()
	m.equity = equity
	m.mu.Unlock()
	if m.db != nil {
		_ = m.db.SetSnapshot(ctx, equitySnapshotKey, strconv.FormatFloat(equity, 'f', -1, 64))
	}
}

// Equity returns the last recorded account equity.
func (m *Manager) Equity() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.equity
}

// TotalExposure returns aggregate absolute position notional at average price.
func (m *Manager) TotalExposure() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total float64
	for _, p := range m.positions {
		total += abs(p.Qty) * p.AvgPrice
	}
	return total
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
