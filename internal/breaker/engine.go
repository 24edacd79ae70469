// Package breaker evaluates rolling account and market metrics against
// configured threshold tiers and folds the triggered breakers into a single
// system-wide trading posture.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"tradeguard/internal/audit"
	"tradeguard/internal/events"
	"tradeguard/internal/posture"
	"tradeguard/pkg/config"
)

// Kind identifies a monitored metric.
type Kind string

const (
	Drawdown          Kind = "drawdown"
	ConsecutiveLosses Kind = "consecutive_losses"
	Volatility        Kind = "volatility"
	Latency           Kind = "latency"
)

// Tier is one escalation step: crossing Level in the unsafe direction forces
// Posture; SizeScale applies when the posture is REDUCED.
type Tier struct {
	Level     float64
	Posture   posture.Posture
	SizeScale float64
}

// State is the externally visible snapshot of one breaker.
type State struct {
	Kind          Kind
	CurrentValue  float64
	Tiers         []Tier
	ActiveTier    int // -1 when not triggered
	TriggeredAt   *time.Time
	CooldownUntil *time.Time
}

// Triggered reports whether the breaker currently forces a posture.
func (s State) Triggered() bool { return s.ActiveTier >= 0 }

// MetricsSnapshot carries the rolling metrics evaluated on every tick.
type MetricsSnapshot struct {
	Drawdown          float64 // fraction of peak equity lost
	ConsecutiveLosses int
	Volatility        float64 // stddev of recent returns
	LatencyMs         float64 // exchange call latency (p95)
}

var ErrNotTriggered = errors.New("breaker is not triggered")

// Engine owns breaker state: single writer, snapshot readers.
type Engine struct {
	mu       sync.RWMutex
	states   map[Kind]*State
	cooldown time.Duration
	audit    *audit.Log
	bus      *events.Bus
}

// NewEngine builds breakers from the policy. Tiers are kept sorted by level
// so the highest crossed tier wins.
func NewEngine(policy config.BreakerPolicy, auditLog *audit.Log, bus *events.Bus) *Engine {
	e := &Engine{
		states:   make(map[Kind]*State),
		cooldown: policy.Cooldown.Std(),
		audit:    auditLog,
		bus:      bus,
	}
	e.states[Drawdown] = newState(Drawdown, policy.Drawdown)
	e.states[ConsecutiveLosses] = newState(ConsecutiveLosses, policy.ConsecutiveLosses)
	e.states[Volatility] = newState(Volatility, policy.Volatility)
	e.states[Latency] = newState(Latency, policy.LatencyMs)
	return e
}

func newState(kind Kind, tiers []config.Tier) *State {
	s := &State{Kind: kind, ActiveTier: -1}
	for _, t := range tiers {
		s.Tiers = append(s.Tiers, Tier{
			Level:     t.Level,
			Posture:   parsePosture(t.Posture),
			SizeScale: t.SizeScale,
		})
	}
	sort.Slice(s.Tiers, func(i, j int) bool { return s.Tiers[i].Level < s.Tiers[j].Level })
	return s
}

func parsePosture(s string) posture.Posture {
	switch s {
	case "REDUCED":
		return posture.Reduced
	case "PAUSED":
		return posture.Paused
	case "HALTED":
		return posture.Halted
	}
	return posture.Normal
}

// Evaluate updates every breaker against the snapshot and returns the new
// states. A triggered breaker never auto-clears before its cooldown expires,
// even if the metric recovers; escalation to a higher tier is always allowed.
func (e *Engine) Evaluate(ctx context.Context, snap MetricsSnapshot) []State {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	values := map[Kind]float64{
		Drawdown:          snap.Drawdown,
		ConsecutiveLosses: float64(snap.ConsecutiveLosses),
		Volatility:        snap.Volatility,
		Latency:           snap.LatencyMs,
	}

	for kind, s := range e.states {
		value := values[kind]
		s.CurrentValue = value

		crossed := highestCrossedTier(s.Tiers, value)

		switch {
		case crossed > s.ActiveTier:
			evType := audit.TypeBreakerTriggered
			if s.ActiveTier >= 0 {
				evType = audit.TypeBreakerEscalated
			}
			s.ActiveTier = crossed
			t := now
			s.TriggeredAt = &t
			cd := now.Add(e.cooldown)
			s.CooldownUntil = &cd
			e.record(ctx, evType, "system", s, value)
			e.bus.Publish(events.TopicBreakerTriggered, *s)
			if tier := s.Tiers[crossed]; tier.Posture >= posture.Paused {
				e.bus.Publish(events.TopicRiskAlert, fmt.Sprintf(
					"breaker %s forced %s (value=%.4f, level=%.4f)",
					kind, tier.Posture, value, tier.Level))
			}
			log.Printf("⚠️ breaker %s triggered tier %d (value=%.4f, posture=%s)",
				kind, crossed, value, s.Tiers[crossed].Posture)

		case s.ActiveTier >= 0 && crossed < 0 && s.CooldownUntil != nil && now.After(*s.CooldownUntil):
			// Metric recovered and the cooldown elapsed: clear.
			e.record(ctx, audit.TypeBreakerExpired, "system", s, value)
			s.ActiveTier = -1
			s.TriggeredAt = nil
			s.CooldownUntil = nil
			e.bus.Publish(events.TopicBreakerCleared, *s)
			log.Printf("✓ breaker %s cleared after cooldown (value=%.4f)", kind, value)
		}
		// Mid-cooldown recovery: stay triggered to prevent flapping.
	}

	return e.snapshotLocked()
}

func highestCrossedTier(tiers []Tier, value float64) int {
	crossed := -1
	for i, t := range tiers {
		if value >= t.Level {
			crossed = i
		}
	}
	return crossed
}

// ResolvePosture folds all triggered breakers to the most restrictive posture
// and the tightest size scale among active REDUCED tiers.
func (e *Engine) ResolvePosture() (posture.Posture, float64) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := posture.Normal
	scale := 1.0
	for _, s := range e.states {
		if s.ActiveTier < 0 {
			continue
		}
		tier := s.Tiers[s.ActiveTier]
		result = posture.Max(result, tier.Posture)
		if tier.Posture == posture.Reduced && tier.SizeScale > 0 && tier.SizeScale < scale {
			scale = tier.SizeScale
		}
	}
	return result, scale
}

// ManualReset clears a triggered breaker before cooldown expiry. Only the
// operator surface calls this; the reset is always audited.
func (e *Engine) ManualReset(ctx context.Context, kind Kind, actor string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.states[kind]
	if !ok {
		return fmt.Errorf("unknown breaker kind %q", kind)
	}
	if s.ActiveTier < 0 {
		return ErrNotTriggered
	}

	e.record(ctx, audit.TypeBreakerReset, actor, s, s.CurrentValue)
	s.ActiveTier = -1
	s.TriggeredAt = nil
	s.CooldownUntil = nil
	e.bus.Publish(events.TopicBreakerCleared, *s)
	log.Printf("✓ breaker %s manually reset by %s", kind, actor)
	return nil
}

// States returns a copy of every breaker's state.
func (e *Engine) States() []State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() []State {
	out := make([]State, 0, len(e.states))
	for _, s := range e.states {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

func (e *Engine) record(ctx context.Context, eventType, actor string, s *State, value float64) {
	if e.audit == nil {
		return
	}
	_, err := e.audit.Append(ctx, audit.Entry{
		EventType: eventType,
		Actor:     actor,
		Action:    string(s.Kind),
		After:     map[string]any{"tier": s.ActiveTier, "value": value},
		Success:   true,
		Reason:    fmt.Sprintf("metric=%.6f", value),
	})
	if err != nil {
		log.Printf("❌ breaker audit append failed: %v", err)
	}
}
