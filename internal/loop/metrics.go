package loop

import (
	"math"
	"sync"
)

// RollingMetrics maintains the account statistics the breaker engine
// evaluates each tick: peak-relative drawdown, consecutive losing fills, and
// the stddev of recent per-fill returns. Single writer (the fill listener),
// snapshot readers.
type RollingMetrics struct {
	mu sync.Mutex

	equity            float64
	peak              float64
	consecutiveLosses int
	returns           []float64
	window            int
}

func NewRollingMetrics(initialEquity float64, window int) *RollingMetrics {
	if window <= 0 {
		window = 50
	}
	return &RollingMetrics{
		equity: initialEquity,
		peak:   initialEquity,
		window: window,
	}
}

// OnFill folds one realized PnL into the rolling state. Fills with zero
// realized PnL (pure entries) leave the loss streak untouched.
func (m *RollingMetrics) OnFill(realizedPnL float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.equity
	m.equity += realizedPnL
	if m.equity > m.peak {
		m.peak = m.equity
	}

	switch {
	case realizedPnL < 0:
		m.consecutiveLosses++
	case realizedPnL > 0:
		m.consecutiveLosses = 0
	}

	if prev > 0 {
		if len(m.returns) >= m.window {
			m.returns = m.returns[1:]
		}
		m.returns = append(m.returns, realizedPnL/prev)
	}
}

// SetEquity re-bases equity from an external mark (account refresh). The peak
// only ratchets up; a mark below peak contributes to drawdown.
func (m *RollingMetrics) SetEquity(equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = equity
	if equity > m.peak {
		m.peak = equity
	}
}

// Drawdown returns the current fraction of peak equity lost.
func (m *RollingMetrics) Drawdown() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drawdownLocked()
}

func (m *RollingMetrics) drawdownLocked() float64 {
	if m.peak <= 0 || m.equity >= m.peak {
		return 0
	}
	return (m.peak - m.equity) / m.peak
}

// ConsecutiveLosses returns the current losing streak.
func (m *RollingMetrics) ConsecutiveLosses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveLosses
}

// Volatility returns the stddev of the recent return window.
func (m *RollingMetrics) Volatility() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.returns)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, r := range m.returns {
		sum += r
	}
	mean := sum / float64(n)
	var variance float64
	for _, r := range m.returns {
		variance += (r - mean) * (r - mean)
	}
	return math.Sqrt(variance / float64(n-1))
}

// Equity returns current rolled equity.
func (m *RollingMetrics) Equity() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.equity
}
