package executor

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"tradeguard/internal/audit"
	"tradeguard/internal/events"
	"tradeguard/internal/gate"
	"tradeguard/internal/killswitch"
	"tradeguard/internal/state"
	"tradeguard/pkg/config"
	"tradeguard/pkg/db"
	"tradeguard/pkg/exchange"
)

type fixture struct {
	exec    *Executor
	gateway *exchange.PaperGateway
	state   *state.Manager
	audit   *audit.Log
	bus     *events.Bus
	db      *db.Database
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithPolicy(t, config.ExecutorPolicy{
		MaxAttempts:      3,
		BaseBackoff:      config.Duration(time.Millisecond),
		MaxBackoff:       config.Duration(5 * time.Millisecond),
		CallTimeout:      config.Duration(time.Second),
		SubmitsPerSecond: 1000,
	})
}

func newFixtureWithPolicy(t *testing.T, policy config.ExecutorPolicy) *fixture {
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
	st := state.NewManager(database)
	gw := exchange.NewPaperGateway(exchange.PaperConfig{})

	return &fixture{
		exec:    New(database, auditLog, bus, st, gw, policy),
		gateway: gw,
		state:   st,
		audit:   auditLog,
		bus:     bus,
		db:      database,
	}
}

func testIntent(correlation string) gate.OrderIntent {
	return gate.OrderIntent{
		ActionKind:    gate.ActionEnter,
		Symbol:        "BTCUSDT",
		Side:          "BUY",
		RequestedSize: 2,
		PriceHint:     100,
		CorrelationID: correlation,
	}
}

func TestSubmitFillsAndUpdatesPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fills, unsub := f.bus.Subscribe(events.TopicOrderFilled, 4)
	defer unsub()

	rec, err := f.exec.Submit(ctx, testIntent("c1"), 2)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.Status != db.OrderFilled {
		t.Fatalf("status = %s, want FILLED", rec.Status)
	}
	if rec.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", rec.Attempts)
	}

	if p := f.state.Position("BTCUSDT"); p.Qty != 2 {
		t.Fatalf("position qty = %v, want 2", p.Qty)
	}

	select {
	case payload := <-fills:
		fill := payload.(events.FillEvent)
		if fill.Symbol != "BTCUSDT" || fill.Qty != 2 {
			t.Fatalf("fill event = %+v", fill)
		}
	case <-time.After(time.Second):
		t.Fatal("no fill event published")
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent := testIntent("c1")

	first, err := f.exec.Submit(ctx, intent, 2)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := f.exec.Submit(ctx, intent, 2)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}

	if second.ExchangeOrderID != first.ExchangeOrderID {
		t.Fatalf("replay created a new exchange order: %s vs %s",
			second.ExchangeOrderID, first.ExchangeOrderID)
	}
	if second.Attempts != first.Attempts {
		t.Fatalf("replay consumed attempts: %d vs %d", second.Attempts, first.Attempts)
	}
	if p := f.state.Position("BTCUSDT"); p.Qty != 2 {
		t.Fatalf("position qty = %v, want 2 (no duplicate fill)", p.Qty)
	}
}

func TestTransientFailuresRetryThenSucceed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.FailNext(2)

	rec, err := f.exec.Submit(ctx, testIntent("c1"), 2)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.Status != db.OrderFilled {
		t.Fatalf("status = %s, want FILLED", rec.Status)
	}
	if rec.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3 (two transient failures)", rec.Attempts)
	}
}

func TestExhaustedRetriesParkUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.FailNext(3)

	rec, err := f.exec.Submit(ctx, testIntent("c1"), 2)
	if !errors.Is(err, ErrUnknownOutcome) {
		t.Fatalf("err = %v, want ErrUnknownOutcome", err)
	}
	if rec.Status != db.OrderUnknown {
		t.Fatalf("status = %s, want UNKNOWN", rec.Status)
	}
	if p := f.state.Position("BTCUSDT"); p.Qty != 0 {
		t.Fatalf("position qty = %v, UNKNOWN must never be assumed filled", p.Qty)
	}
	if _, err := f.audit.LastByType(ctx, audit.TypeOrderUnknown); err != nil {
		t.Fatalf("UNKNOWN transition not audited: %v", err)
	}
	if n := f.exec.UnknownCount(ctx); n != 1 {
		t.Fatalf("unknown count = %d, want 1", n)
	}

	// Replaying the same key reports UNKNOWN again without new venue calls.
	again, err := f.exec.Submit(ctx, testIntent("c1"), 2)
	if !errors.Is(err, ErrUnknownOutcome) || again.Attempts != 3 {
		t.Fatalf("replay of UNKNOWN: err=%v attempts=%d", err, again.Attempts)
	}
}

func TestDefinitiveRejectionDoesNotRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.exec.Submit(ctx, testIntent("c1"), 0) // invalid qty
	if err == nil {
		t.Fatal("expected venue rejection")
	}
	if rec.Status != db.OrderRejected {
		t.Fatalf("status = %s, want REJECTED", rec.Status)
	}
	if rec.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (definitive answers are not retried)", rec.Attempts)
	}
}

func TestReconcileRejectsUnknownAbsentFromVenue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.FailNext(3)

	rec, _ := f.exec.Submit(ctx, testIntent("c1"), 2)
	f.exec.ReconcileOnce(ctx)

	resolved, err := f.db.GetOrderRecord(ctx, rec.IdempotencyKey)
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if resolved.Status != db.OrderRejected {
		t.Fatalf("status = %s, want REJECTED (venue has no trace)", resolved.Status)
	}
	if p := f.state.Position("BTCUSDT"); p.Qty != 0 {
		t.Fatalf("position qty = %v, reconciliation must not fabricate fills", p.Qty)
	}
	if _, err := f.audit.LastByType(ctx, audit.TypeOrderReconciled); err != nil {
		t.Fatalf("resolution not audited: %v", err)
	}
}

func TestReconcileAdoptsVenueFillForUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent := testIntent("c1")
	key := intent.IdempotencyKey()

	// The order landed on the venue but the ack was lost: record parked in
	// UNKNOWN with no exchange order id.
	if _, err := f.gateway.SubmitOrder(ctx, exchange.OrderRequest{
		ClientOrderID: key,
		Symbol:        "BTCUSDT",
		Side:          exchange.Buy,
		Type:          exchange.Market,
		Qty:           2,
		Price:         100,
	}); err != nil {
		t.Fatalf("seed venue order: %v", err)
	}
	if err := f.db.UpsertOrderRecord(ctx, db.OrderRecord{
		IdempotencyKey: key,
		CorrelationID:  "c1",
		ActionKind:     gate.ActionEnter,
		Symbol:         "BTCUSDT",
		Side:           "BUY",
		RequestedSize:  2,
		ScaledSize:     2,
		PriceHint:      100,
		Status:         db.OrderUnknown,
		Attempts:       3,
		CreatedAt:      time.Now(),
	}); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	f.exec.ReconcileOnce(ctx)

	resolved, err := f.db.GetOrderRecord(ctx, key)
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if resolved.Status != db.OrderFilled {
		t.Fatalf("status = %s, want FILLED from venue truth", resolved.Status)
	}
	if p := f.state.Position("BTCUSDT"); p.Qty != 2 {
		t.Fatalf("position qty = %v, want 2 after adopting venue fill", p.Qty)
	}
}

func TestImmediateKillAbandonsInFlightSubmission(t *testing.T) {
	f := newFixtureWithPolicy(t, config.ExecutorPolicy{
		MaxAttempts:      3,
		BaseBackoff:      config.Duration(300 * time.Millisecond),
		MaxBackoff:       config.Duration(time.Second),
		CallTimeout:      config.Duration(time.Second),
		SubmitsPerSecond: 1000,
	})
	ctx := context.Background()
	ks := killswitch.NewManager(f.audit, f.bus, time.Hour)
	ks.SetFlattener(f.exec)

	// Attempts 1 and 2 fail at the transport; attempt 3 would create and
	// fill a venue order unless the submission is abandoned first.
	f.gateway.FailNext(2)

	type outcome struct {
		rec db.OrderRecord
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		rec, err := f.exec.Submit(ctx, testIntent("c1"), 2)
		done <- outcome{rec, err}
	}()

	time.Sleep(50 * time.Millisecond) // submission is now mid-backoff
	if err := ks.Activate(ctx, killswitch.ModeImmediate, "venue anomaly", "alice", killswitch.RoleRiskManager); err != nil {
		t.Fatalf("activate: %v", err)
	}

	var got outcome
	select {
	case got = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("submission kept retrying after immediate kill switch")
	}
	if !errors.Is(got.err, ErrUnknownOutcome) {
		t.Fatalf("err = %v, want ErrUnknownOutcome", got.err)
	}
	if got.rec.Status != db.OrderUnknown {
		t.Fatalf("status = %s, want UNKNOWN", got.rec.Status)
	}

	// The abandoned key must not have produced a venue order.
	if _, err := f.gateway.LookupByClientID(ctx, "BTCUSDT", got.rec.IdempotencyKey); !errors.Is(err, exchange.ErrOrderNotFound) {
		t.Fatalf("venue order exists after immediate kill: err = %v", err)
	}

	// Exits submitted after activation (the flatten path) still go through:
	// only transitions observed mid-flight cancel a submission.
	exit := testIntent("c2")
	exit.ActionKind = gate.ActionExit
	exit.Side = "SELL"
	rec, err := f.exec.Submit(ctx, exit, 1)
	if err != nil {
		t.Fatalf("exit after kill: %v", err)
	}
	if rec.Status != db.OrderFilled {
		t.Fatalf("exit status = %s, want FILLED", rec.Status)
	}
}

func TestReconcileClosesVenuePrunedOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent := testIntent("c1")
	key := intent.IdempotencyKey()

	// An acked order whose exchange id the venue no longer recognizes.
	if err := f.db.UpsertOrderRecord(ctx, db.OrderRecord{
		IdempotencyKey:  key,
		CorrelationID:   "c1",
		ActionKind:      gate.ActionEnter,
		Symbol:          "BTCUSDT",
		Side:            "BUY",
		RequestedSize:   2,
		ScaledSize:      2,
		PriceHint:       100,
		Status:          db.OrderSubmitted,
		ExchangeOrderID: "P999999",
		Attempts:        1,
		CreatedAt:       time.Now(),
	}); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	f.exec.ReconcileOnce(ctx)

	resolved, err := f.db.GetOrderRecord(ctx, key)
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if resolved.Status != db.OrderCanceled {
		t.Fatalf("status = %s, want CANCELED (venue pruned the order)", resolved.Status)
	}
	if p := f.state.Position("BTCUSDT"); p.Qty != 0 {
		t.Fatalf("position qty = %v, pruned order must not fabricate fills", p.Qty)
	}

	// Terminal: a second sweep leaves the record alone.
	f.exec.ReconcileOnce(ctx)
	again, err := f.db.GetOrderRecord(ctx, key)
	if err != nil {
		t.Fatalf("reload record: %v", err)
	}
	if again.Status != db.OrderCanceled {
		t.Fatalf("status drifted to %s on repeat sweep", again.Status)
	}
}

func TestPositionDivergencePausesTrading(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var halted atomic.Bool
	f.exec.SetHaltFn(func(ctx context.Context, reason string) { halted.Store(true) })

	// Venue holds a position the control plane never ordered.
	f.gateway.SeedPosition("ETHUSDT", 5, 2000)

	f.exec.ReconcileOnce(ctx)

	if !halted.Load() {
		t.Fatal("divergence did not trigger the protective halt")
	}
	if _, err := f.audit.LastByType(ctx, audit.TypeDivergence); err != nil {
		t.Fatalf("divergence not audited: %v", err)
	}
	if p := f.state.Position("ETHUSDT"); p.Qty != 5 {
		t.Fatalf("local qty = %v, want 5 (venue is authoritative)", p.Qty)
	}
}

func TestReconcileCleanStateIsQuiet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var halted atomic.Bool
	f.exec.SetHaltFn(func(ctx context.Context, reason string) { halted.Store(true) })

	if _, err := f.exec.Submit(ctx, testIntent("c1"), 2); err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.exec.ReconcileOnce(ctx)

	if halted.Load() {
		t.Fatal("matched positions must not trigger a halt")
	}
}

func TestCancelAllAndFlattenAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A held order stays working on the venue.
	f.gateway.HoldFills(true)
	working, err := f.exec.Submit(ctx, testIntent("c1"), 2)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if working.Status != db.OrderSubmitted {
		t.Fatalf("status = %s, want SUBMITTED while held", working.Status)
	}
	if err := f.exec.CancelAll(ctx, "alice"); err != nil {
		t.Fatalf("cancel all: %v", err)
	}
	res, err := f.gateway.GetOrderStatus(ctx, "BTCUSDT", working.ExchangeOrderID)
	if err != nil {
		t.Fatalf("venue status: %v", err)
	}
	if res.Status != exchange.StatusCanceled {
		t.Fatalf("venue status = %s, want CANCELED", res.Status)
	}

	// A filled position gets flattened with an opposing market order.
	f.gateway.HoldFills(false)
	if _, err := f.exec.Submit(ctx, testIntent("c2"), 2); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := f.exec.FlattenAll(ctx, "alice", "test"); err != nil {
		t.Fatalf("flatten all: %v", err)
	}
	if p := f.state.Position("BTCUSDT"); p.Qty != 0 {
		t.Fatalf("position qty = %v after flatten, want 0", p.Qty)
	}
	if f.exec.OpenPositionCount() != 0 {
		t.Fatal("open positions remain after flatten")
	}
}
