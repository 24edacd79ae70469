// Package gate admits or rejects proposed order intents. Every order reaching
// the executor has passed this pipeline; nothing bypasses it.
package gate

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"tradeguard/internal/audit"
	"tradeguard/internal/breaker"
	"tradeguard/internal/events"
	"tradeguard/internal/killswitch"
	"tradeguard/internal/posture"
	"tradeguard/internal/state"
	"tradeguard/pkg/config"
)

// Rejection reasons surfaced in decisions and the audit log.
const (
	ReasonHalted          = "halted"
	ReasonPausedNoEntries = "paused_no_entries"
	ReasonMaxPositionSize = "max_position_size"
	ReasonMaxExposure     = "max_exposure"
	ReasonMinEdge         = "min_edge_after_cost"
	ReasonMaxDailyTrades  = "max_trades_per_day"
)

// Decision is the outcome of admission. Rejections are decisions, not errors.
type Decision struct {
	Accepted   bool
	ScaledSize float64
	Reason     string
	Posture    posture.Posture
}

// postureSnapshot is logged with every decision so any accept/reject is
// reproducible from the audit log alone.
type postureSnapshot struct {
	Resolved   string          `json:"resolved"`
	SizeScale  float64         `json:"size_scale"`
	KillSwitch bool            `json:"kill_switch_active"`
	KillMode   killswitch.Mode `json:"kill_mode,omitempty"`
	Breakers   []breaker.State `json:"breakers"`
}

// Gate combines breaker posture, kill-switch posture, and static limits.
// It reads breaker and kill-switch state, never mutates them.
type Gate struct {
	breakers *breaker.Engine
	ks       *killswitch.Manager
	state    *state.Manager
	limits   config.LimitPolicy
	audit    *audit.Log
	bus      *events.Bus

	mu          sync.Mutex
	tradesToday int
	tradesDate  string
	lastPosture posture.Posture
}

func New(breakers *breaker.Engine, ks *killswitch.Manager, st *state.Manager,
	limits config.LimitPolicy, auditLog *audit.Log, bus *events.Bus) *Gate {
	return &Gate{
		breakers: breakers,
		ks:       ks,
		state:    st,
		limits:   limits,
		audit:    auditLog,
		bus:      bus,
	}
}

// CurrentPosture resolves the effective posture. The kill switch dominates in
// the sense that its forced posture applies whenever active; it never relaxes
// a breaker posture (the fold stays monotonic under the total order).
func (g *Gate) CurrentPosture() (posture.Posture, float64) {
	p, scale := g.breakers.ResolvePosture()
	if forced, active := g.ks.Posture(); active {
		p = posture.Max(p, forced)
	}
	return p, scale
}

// Admit runs the admission pipeline, short-circuiting on the first rejection.
func (g *Gate) Admit(ctx context.Context, intent OrderIntent) Decision {
	p, scale := g.CurrentPosture()
	g.publishTransition(p)
	snap := g.snapshot(p, scale)

	decision := g.evaluate(intent, p, scale)
	g.record(ctx, intent, decision, snap)
	return decision
}

func (g *Gate) evaluate(intent OrderIntent, p posture.Posture, scale float64) Decision {
	reject := func(reason string) Decision {
		return Decision{Reason: reason, Posture: p}
	}

	if p == posture.Halted {
		return reject(ReasonHalted)
	}
	if p == posture.Paused && intent.IsEntry() {
		return reject(ReasonPausedNoEntries)
	}

	// Static limits apply to entries only; exits always shrink risk. Zero or
	// negative equity fails in the rejecting direction: any notional exceeds
	// a zero budget.
	if intent.IsEntry() {
		equity := g.state.Equity()
		notional := intent.RequestedSize * intent.PriceHint

		if notional > equity*g.limits.MaxPositionFraction {
			return reject(ReasonMaxPositionSize)
		}
		if g.state.TotalExposure()+notional > equity*g.limits.MaxExposureFraction {
			return reject(ReasonMaxExposure)
		}
		if intent.EdgeAfterCost < g.limits.MinEdgeAfterCost {
			return reject(ReasonMinEdge)
		}
		if !g.admitDailyTrade() {
			return reject(ReasonMaxDailyTrades)
		}
	}

	size := intent.RequestedSize
	if p == posture.Reduced {
		size *= scale
	}
	return Decision{Accepted: true, ScaledSize: size, Posture: p}
}

// admitDailyTrade counts accepted entries against the daily cap.
func (g *Gate) admitDailyTrade() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	today := time.Now().UTC().Format("2006-01-02")
	if g.tradesDate != today {
		g.tradesDate = today
		g.tradesToday = 0
	}
	if g.limits.MaxTradesPerDay > 0 && g.tradesToday >= g.limits.MaxTradesPerDay {
		return false
	}
	g.tradesToday++
	return true
}

// publishTransition announces posture changes observed by the admission fold.
func (g *Gate) publishTransition(p posture.Posture) {
	g.mu.Lock()
	prev := g.lastPosture
	g.lastPosture = p
	g.mu.Unlock()

	if p == prev || g.bus == nil {
		return
	}
	g.bus.Publish(events.TopicPostureChanged, events.PostureTransition{
		From: prev.String(),
		To:   p.String(),
	})
	log.Printf("📊 posture %s -> %s", prev, p)
}

func (g *Gate) snapshot(p posture.Posture, scale float64) postureSnapshot {
	ks := g.ks.Status()
	return postureSnapshot{
		Resolved:   p.String(),
		SizeScale:  scale,
		KillSwitch: ks.Active,
		KillMode:   ks.Mode,
		Breakers:   g.breakers.States(),
	}
}

func (g *Gate) record(ctx context.Context, intent OrderIntent, d Decision, snap postureSnapshot) {
	evType := audit.TypeGateAccepted
	if !d.Accepted {
		evType = audit.TypeGateRejected
	}
	_, err := g.audit.Append(ctx, audit.Entry{
		EventType: evType,
		Actor:     "system",
		Action: fmt.Sprintf("%s %s %s size=%.6f corr=%s",
			intent.ActionKind, intent.Side, intent.Symbol, intent.RequestedSize, intent.CorrelationID),
		Before:  snap,
		After:   d,
		Success: d.Accepted,
		Reason:  d.Reason,
	})
	if err != nil {
		log.Printf("❌ gate audit append failed: %v", err)
	}
}
