// Package monitor aggregates the live health view of the control plane and
// watches the event bus for conditions worth an operator's attention.
package monitor

import (
	"context"
	"errors"
	"log"
	"time"

	"tradeguard/internal/breaker"
	"tradeguard/internal/events"
	"tradeguard/internal/executor"
	"tradeguard/internal/gate"
	"tradeguard/internal/killswitch"
	"tradeguard/internal/registry"
	"tradeguard/pkg/db"
)

// Health is the full operator-facing status snapshot.
type Health struct {
	Posture           string           `json:"posture"`
	SizeScale         float64          `json:"size_scale"`
	Breakers          []breaker.State  `json:"breakers"`
	KillSwitch        killswitch.State `json:"kill_switch"`
	UnknownOrders     int              `json:"unknown_orders"`
	ProductionVersion string           `json:"production_version,omitempty"`
	ShadowVersion     string           `json:"shadow_version,omitempty"`
	Metrics           MetricsSnapshot  `json:"metrics"`
	Timestamp         time.Time        `json:"timestamp"`
}

// Monitor reads state from every subsystem; it never mutates any of them.
type Monitor struct {
	gate     *gate.Gate
	breakers *breaker.Engine
	ks       *killswitch.Manager
	exec     *executor.Executor
	registry *registry.Registry
	metrics  *Metrics
}

func New(g *gate.Gate, breakers *breaker.Engine, ks *killswitch.Manager,
	exec *executor.Executor, reg *registry.Registry, metrics *Metrics) *Monitor {
	return &Monitor{
		gate:     g,
		breakers: breakers,
		ks:       ks,
		exec:     exec,
		registry: reg,
		metrics:  metrics,
	}
}

// Health builds the current snapshot.
func (m *Monitor) Health(ctx context.Context) Health {
	p, scale := m.gate.CurrentPosture()

	h := Health{
		Posture:       p.String(),
		SizeScale:     scale,
		Breakers:      m.breakers.States(),
		KillSwitch:    m.ks.Status(),
		UnknownOrders: m.exec.UnknownCount(ctx),
		Metrics:       m.metrics.Snapshot(),
		Timestamp:     time.Now().UTC(),
	}
	if prod, err := m.registry.Production(ctx); err == nil {
		h.ProductionVersion = prod.VersionID
	} else if !errors.Is(err, db.ErrNotFound) {
		log.Printf("❌ health: production lookup: %v", err)
	}
	if shadow, err := m.registry.Shadow(ctx); err == nil {
		h.ShadowVersion = shadow.VersionID
	}
	return h
}

// Metrics exposes the underlying counters for instrumentation call sites.
func (m *Monitor) MetricsRef() *Metrics { return m.metrics }

// Watch logs risk-relevant bus traffic until ctx is canceled.
func (m *Monitor) Watch(ctx context.Context, bus *events.Bus) {
	topics := []events.Topic{
		events.TopicPostureChanged,
		events.TopicBreakerTriggered,
		events.TopicKillActivated,
		events.TopicOrderUnknown,
		events.TopicDivergence,
		events.TopicRiskAlert,
	}

	type alert struct {
		topic   events.Topic
		payload any
	}
	merged := make(chan alert, 64)

	unsubs := make([]func(), 0, len(topics))
	for _, t := range topics {
		ch, unsub := bus.Subscribe(t, 16)
		unsubs = append(unsubs, unsub)
		go func(t events.Topic, ch <-chan any) {
			for p := range ch {
				select {
				case merged <- alert{topic: t, payload: p}:
				default:
				}
			}
		}(t, ch)
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-merged:
			log.Printf("📊 alert [%s]: %+v", ev.topic, ev.payload)
		}
	}
}
