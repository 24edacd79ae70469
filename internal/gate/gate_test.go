package gate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tradeguard/internal/audit"
	"tradeguard/internal/breaker"
	"tradeguard/internal/events"
	"tradeguard/internal/killswitch"
	"tradeguard/internal/posture"
	"tradeguard/internal/state"
	"tradeguard/pkg/config"
	"tradeguard/pkg/db"
)

type fixture struct {
	gate     *Gate
	breakers *breaker.Engine
	ks       *killswitch.Manager
	state    *state.Manager
	audit    *audit.Log
	bus      *events.Bus
}

func newFixture(t *testing.T, limits config.LimitPolicy) *fixture {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	auditLog := audit.New(database)
	bus := events.NewBus()
	breakers := breaker.NewEngine(config.DefaultPolicy().Breakers, auditLog, bus)
	ks := killswitch.NewManager(auditLog, bus, time.Hour)
	st := state.NewManager(database)
	st.SetEquity(context.Background(), 10000)

	return &fixture{
		gate:     New(breakers, ks, st, limits, auditLog, bus),
		breakers: breakers,
		ks:       ks,
		state:    st,
		audit:    auditLog,
		bus:      bus,
	}
}

func defaultLimits() config.LimitPolicy {
	return config.LimitPolicy{
		MaxPositionFraction: 0.2,
		MaxExposureFraction: 0.5,
		MinEdgeAfterCost:    0.001,
		MaxTradesPerDay:     100,
	}
}

func entry(size, price, edge float64) OrderIntent {
	return OrderIntent{
		ActionKind:    ActionEnter,
		Symbol:        "BTCUSDT",
		Side:          "BUY",
		RequestedSize: size,
		PriceHint:     price,
		EdgeAfterCost: edge,
		CorrelationID: "corr-1",
	}
}

func TestAdmitNormalEntry(t *testing.T) {
	f := newFixture(t, defaultLimits())
	d := f.gate.Admit(context.Background(), entry(1, 100, 0.01))
	if !d.Accepted {
		t.Fatalf("rejected: %s", d.Reason)
	}
	if d.ScaledSize != 1 {
		t.Fatalf("scaled size = %v, want 1 under NORMAL", d.ScaledSize)
	}
}

func TestHaltedRejectsEverything(t *testing.T) {
	f := newFixture(t, defaultLimits())
	ctx := context.Background()
	if err := f.ks.Activate(ctx, killswitch.ModeImmediate, "test", "alice", killswitch.RoleRiskManager); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if d := f.gate.Admit(ctx, entry(1, 100, 0.01)); d.Accepted || d.Reason != ReasonHalted {
		t.Fatalf("entry under HALTED: accepted=%v reason=%q", d.Accepted, d.Reason)
	}

	exit := entry(1, 100, 0.01)
	exit.ActionKind = ActionExit
	exit.Side = "SELL"
	if d := f.gate.Admit(ctx, exit); d.Accepted || d.Reason != ReasonHalted {
		t.Fatalf("exit under HALTED: accepted=%v reason=%q", d.Accepted, d.Reason)
	}
}

func TestPausedAllowsOnlyExits(t *testing.T) {
	f := newFixture(t, defaultLimits())
	ctx := context.Background()
	if err := f.ks.Activate(ctx, killswitch.ModePause, "test", "alice", killswitch.RoleTradingOps); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if d := f.gate.Admit(ctx, entry(1, 100, 0.01)); d.Accepted || d.Reason != ReasonPausedNoEntries {
		t.Fatalf("entry under PAUSED: accepted=%v reason=%q", d.Accepted, d.Reason)
	}

	exit := entry(1, 100, 0.01)
	exit.ActionKind = ActionExit
	exit.Side = "SELL"
	if d := f.gate.Admit(ctx, exit); !d.Accepted {
		t.Fatalf("exit under PAUSED rejected: %s", d.Reason)
	}
}

func TestStaticLimits(t *testing.T) {
	tests := []struct {
		name   string
		intent OrderIntent
		want   string
	}{
		{"position size", entry(30, 100, 0.01), ReasonMaxPositionSize}, // 3000 > 2000
		{"min edge", entry(1, 100, 0.0001), ReasonMinEdge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, defaultLimits())
			d := f.gate.Admit(context.Background(), tt.intent)
			if d.Accepted || d.Reason != tt.want {
				t.Fatalf("accepted=%v reason=%q, want reject %q", d.Accepted, d.Reason, tt.want)
			}
		})
	}
}

func TestExposureLimit(t *testing.T) {
	f := newFixture(t, defaultLimits())
	ctx := context.Background()
	// Existing exposure 4800 of the 5000 cap; a 300-notional entry breaches it.
	if err := f.state.SetPosition(ctx, "ETHUSDT", 48, 100); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	d := f.gate.Admit(ctx, entry(3, 100, 0.01))
	if d.Accepted || d.Reason != ReasonMaxExposure {
		t.Fatalf("accepted=%v reason=%q, want reject %q", d.Accepted, d.Reason, ReasonMaxExposure)
	}
}

func TestZeroEquityRejectsEntries(t *testing.T) {
	f := newFixture(t, defaultLimits())
	ctx := context.Background()
	f.state.SetEquity(ctx, 0)

	// An unfunded account has no position budget; entries of any size fail
	// in the rejecting direction.
	d := f.gate.Admit(ctx, entry(0.001, 100, 0.01))
	if d.Accepted || d.Reason != ReasonMaxPositionSize {
		t.Fatalf("accepted=%v reason=%q, want reject %q", d.Accepted, d.Reason, ReasonMaxPositionSize)
	}

	// Exits still pass: closing risk must never require equity.
	exit := entry(1, 100, 0.01)
	exit.ActionKind = ActionExit
	exit.Side = "SELL"
	if d := f.gate.Admit(ctx, exit); !d.Accepted {
		t.Fatalf("exit with zero equity rejected: %s", d.Reason)
	}
}

func TestPostureTransitionsArePublished(t *testing.T) {
	f := newFixture(t, defaultLimits())
	ctx := context.Background()
	ch, unsub := f.bus.Subscribe(events.TopicPostureChanged, 4)
	defer unsub()

	f.gate.Admit(ctx, entry(1, 100, 0.01))
	select {
	case ev := <-ch:
		t.Fatalf("steady NORMAL published a transition: %+v", ev)
	default:
	}

	if err := f.ks.Activate(ctx, killswitch.ModePause, "test", "alice", killswitch.RoleTradingOps); err != nil {
		t.Fatalf("activate: %v", err)
	}
	f.gate.Admit(ctx, entry(1, 100, 0.01))

	select {
	case payload := <-ch:
		tr := payload.(events.PostureTransition)
		if tr.From != "NORMAL" || tr.To != "PAUSED" {
			t.Fatalf("transition = %+v, want NORMAL -> PAUSED", tr)
		}
	default:
		t.Fatal("posture change not published")
	}

	// The same posture on the next decision is not re-announced.
	f.gate.Admit(ctx, entry(1, 100, 0.01))
	select {
	case ev := <-ch:
		t.Fatalf("unchanged posture re-published: %+v", ev)
	default:
	}
}

func TestDailyTradeCap(t *testing.T) {
	limits := defaultLimits()
	limits.MaxTradesPerDay = 2
	f := newFixture(t, limits)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if d := f.gate.Admit(ctx, entry(1, 100, 0.01)); !d.Accepted {
			t.Fatalf("entry %d rejected: %s", i, d.Reason)
		}
	}
	if d := f.gate.Admit(ctx, entry(1, 100, 0.01)); d.Accepted || d.Reason != ReasonMaxDailyTrades {
		t.Fatalf("third entry: accepted=%v reason=%q", d.Accepted, d.Reason)
	}

	// Exits are not counted against the cap.
	exit := entry(1, 100, 0.01)
	exit.ActionKind = ActionExit
	if d := f.gate.Admit(ctx, exit); !d.Accepted {
		t.Fatalf("exit rejected under trade cap: %s", d.Reason)
	}
}

func TestReducedScalesSize(t *testing.T) {
	f := newFixture(t, defaultLimits())
	ctx := context.Background()

	// Drawdown 0.04 crosses the 0.03 REDUCED tier (scale 0.5).
	f.breakers.Evaluate(ctx, breaker.MetricsSnapshot{Drawdown: 0.04})

	d := f.gate.Admit(ctx, entry(2, 100, 0.01))
	if !d.Accepted {
		t.Fatalf("rejected: %s", d.Reason)
	}
	if d.Posture != posture.Reduced || d.ScaledSize != 1 {
		t.Fatalf("posture=%v scaled=%v, want REDUCED 1 (half of 2)", d.Posture, d.ScaledSize)
	}
}

func TestEveryDecisionIsAudited(t *testing.T) {
	f := newFixture(t, defaultLimits())
	ctx := context.Background()

	f.gate.Admit(ctx, entry(1, 100, 0.01))
	f.gate.Admit(ctx, entry(1, 100, 0.0001))

	if _, err := f.audit.LastByType(ctx, audit.TypeGateAccepted); err != nil {
		t.Fatalf("accepted decision not audited: %v", err)
	}
	if _, err := f.audit.LastByType(ctx, audit.TypeGateRejected); err != nil {
		t.Fatalf("rejected decision not audited: %v", err)
	}
}

func TestIdempotencyKeyDeterminism(t *testing.T) {
	a := OrderIntent{CorrelationID: "c1", ActionKind: ActionEnter, AttemptEpoch: 0}
	b := OrderIntent{CorrelationID: "c1", ActionKind: ActionEnter, AttemptEpoch: 0}
	if a.IdempotencyKey() != b.IdempotencyKey() {
		t.Fatal("same (correlation, kind, epoch) must map to the same key")
	}

	c := b
	c.AttemptEpoch = 1
	if a.IdempotencyKey() == c.IdempotencyKey() {
		t.Fatal("different epochs must map to different keys")
	}
	d := b
	d.ActionKind = ActionExit
	if a.IdempotencyKey() == d.IdempotencyKey() {
		t.Fatal("different action kinds must map to different keys")
	}
}
