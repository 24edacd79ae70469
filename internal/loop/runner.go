// Package loop drives the periodic control cycle: refresh rolling metrics,
// evaluate breakers, collect the model proposal, and push admitted intents
// into the executor.
package loop

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"tradeguard/internal/breaker"
	"tradeguard/internal/decision"
	"tradeguard/internal/events"
	"tradeguard/internal/executor"
	"tradeguard/internal/gate"
	"tradeguard/internal/monitor"
	"tradeguard/internal/registry"
	"tradeguard/internal/state"
)

// Runner owns the tick cycle. One goroutine; everything it calls is safe for
// concurrent use by the API surface.
type Runner struct {
	metrics  *RollingMetrics
	sys      *monitor.Metrics
	breakers *breaker.Engine
	gate     *gate.Gate
	exec     *executor.Executor
	registry *registry.Registry
	state    *state.Manager
	bus      *events.Bus

	production decision.Source
	shadow     decision.Source
}

func NewRunner(rolling *RollingMetrics, sys *monitor.Metrics, breakers *breaker.Engine,
	g *gate.Gate, exec *executor.Executor, reg *registry.Registry,
	st *state.Manager, bus *events.Bus, production decision.Source) *Runner {
	if production == nil {
		production = decision.HoldSource{}
	}
	return &Runner{
		metrics:    rolling,
		sys:        sys,
		breakers:   breakers,
		gate:       g,
		exec:       exec,
		registry:   reg,
		state:      st,
		bus:        bus,
		production: production,
	}
}

// SetShadowSource installs the shadow model's proposal source. Shadow
// proposals are compared against production and recorded, never executed.
func (r *Runner) SetShadowSource(s decision.Source) { r.shadow = s }

// Run drives ticks until ctx is canceled. The fill listener runs alongside so
// rolling metrics stay current between ticks.
func (r *Runner) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	go r.listenFills(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("✓ control loop started (interval %v)", interval)
	for {
		select {
		case <-ctx.Done():
			log.Println("control loop stopped")
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// listenFills folds confirmed fills into the rolling metrics.
func (r *Runner) listenFills(ctx context.Context) {
	ch, unsub := r.bus.Subscribe(events.TopicOrderFilled, 64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			if fill, ok := payload.(events.FillEvent); ok {
				r.metrics.OnFill(fill.RealizedPnL)
				r.state.SetEquity(ctx, r.metrics.Equity())
			}
		}
	}
}

// Tick runs one full control cycle.
func (r *Runner) Tick(ctx context.Context) {
	r.sys.IncrementTicks()

	snap := breaker.MetricsSnapshot{
		Drawdown:          r.metrics.Drawdown(),
		ConsecutiveLosses: r.metrics.ConsecutiveLosses(),
		Volatility:        r.metrics.Volatility(),
		LatencyMs:         r.sys.ExchangeLatency.Stats().P95,
	}
	r.breakers.Evaluate(ctx, snap)

	timer := monitor.NewTimer(r.sys.DecisionLatency)
	proposal, err := r.production.Propose(ctx)
	timer.Stop()
	if err != nil {
		r.sys.IncrementErrors()
		log.Printf("❌ decision source error: %v", err)
		return
	}

	r.compareShadow(ctx, proposal)

	if proposal.Action == decision.Hold {
		return
	}

	intent := decision.Intent(proposal, uuid.NewString())
	verdict := r.gate.Admit(ctx, intent)
	if !verdict.Accepted {
		r.sys.IncrementRejected()
		log.Printf("gate rejected %s %s: %s", intent.ActionKind, intent.Symbol, verdict.Reason)
		return
	}
	r.sys.IncrementAccepted()

	timer = monitor.NewTimer(r.sys.ExchangeLatency)
	_, err = r.exec.Submit(ctx, intent, verdict.ScaledSize)
	timer.Stop()
	if err != nil && !errors.Is(err, executor.ErrUnknownOutcome) {
		r.sys.IncrementErrors()
		log.Printf("❌ submit %s %s: %v", intent.ActionKind, intent.Symbol, err)
	}
}

// compareShadow records agreement between production and shadow proposals.
func (r *Runner) compareShadow(ctx context.Context, production decision.Tuple) {
	if r.shadow == nil {
		return
	}
	shadowProposal, err := r.shadow.Propose(ctx)
	if err != nil {
		log.Printf("shadow source error (ignored): %v", err)
		return
	}
	r.registry.RecordShadowDecision(ctx, production.Action, shadowProposal.Action)
}
