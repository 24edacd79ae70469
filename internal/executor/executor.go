// Package executor owns the exchange-facing order lifecycle: idempotent
// submission with bounded retries, durable order records, and the
// reconciliation sweep that keeps local state honest against the venue.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tradeguard/internal/audit"
	"tradeguard/internal/events"
	"tradeguard/internal/gate"
	"tradeguard/internal/killswitch"
	"tradeguard/internal/state"
	"tradeguard/pkg/config"
	"tradeguard/pkg/db"
	"tradeguard/pkg/exchange"
)

// ErrUnknownOutcome is returned when retries are exhausted without an
// exchange confirmation. The order is in UNKNOWN: neither success nor failure
// is ever assumed; only reconciliation against the venue resolves it.
var ErrUnknownOutcome = errors.New("order outcome unknown")

// Executor is the single writer of order records.
type Executor struct {
	db      *db.Database
	audit   *audit.Log
	bus     *events.Bus
	state   *state.Manager
	gateway exchange.Gateway
	policy  config.ExecutorPolicy
	limiter *rate.Limiter

	// haltFn forces a protective posture (reconciliation divergence). Wired
	// after construction to avoid a cycle with the kill switch.
	haltFn func(ctx context.Context, reason string)

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
}

func New(database *db.Database, auditLog *audit.Log, bus *events.Bus,
	st *state.Manager, gw exchange.Gateway, policy config.ExecutorPolicy) *Executor {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	rps := policy.SubmitsPerSecond
	if rps <= 0 {
		rps = 5
	}
	return &Executor{
		db:       database,
		audit:    auditLog,
		bus:      bus,
		state:    st,
		gateway:  gw,
		policy:   policy,
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		keyLocks: make(map[string]*sync.Mutex),
	}
}

// SetHaltFn wires the protective-halt callback invoked on divergence.
func (e *Executor) SetHaltFn(fn func(ctx context.Context, reason string)) {
	e.haltFn = fn
}

// lockKey serializes all work on one idempotency key. Different keys proceed
// concurrently.
func (e *Executor) lockKey(key string) func() {
	e.mu.Lock()
	l, ok := e.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		e.keyLocks[key] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Submit executes an admitted intent. Replays of an already-processed key
// return the recorded outcome without touching the exchange again.
func (e *Executor) Submit(ctx context.Context, intent gate.OrderIntent, scaledSize float64) (db.OrderRecord, error) {
	key := intent.IdempotencyKey()
	unlock := e.lockKey(key)
	defer unlock()

	rec, err := e.db.GetOrderRecord(ctx, key)
	switch {
	case err == nil && rec.Status != db.OrderPending:
		// Duplicate submission: the record is the answer.
		if rec.Status == db.OrderUnknown {
			return rec, ErrUnknownOutcome
		}
		return rec, nil
	case err == nil:
		// PENDING survivor from a crash mid-submission: resume its attempts.
	case errors.Is(err, db.ErrNotFound):
		rec = db.OrderRecord{
			IdempotencyKey: key,
			CorrelationID:  intent.CorrelationID,
			ActionKind:     intent.ActionKind,
			Symbol:         intent.Symbol,
			Side:           intent.Side,
			RequestedSize:  intent.RequestedSize,
			ScaledSize:     scaledSize,
			PriceHint:      intent.PriceHint,
			Status:         db.OrderPending,
			CreatedAt:      time.Now().UTC(),
		}
		if err := e.db.UpsertOrderRecord(ctx, rec); err != nil {
			return rec, err
		}
		if _, err := e.audit.Append(ctx, audit.Entry{
			EventType: audit.TypeOrderSubmitted,
			Actor:     "system",
			Action:    fmt.Sprintf("%s %s %s size=%.6f", rec.ActionKind, rec.Side, rec.Symbol, rec.ScaledSize),
			After:     rec,
			Success:   true,
		}); err != nil {
			return rec, err
		}
	default:
		return db.OrderRecord{}, err
	}

	// An immediate kill switch arriving mid-flight abandons the submission
	// and parks the record UNKNOWN; reconciliation resolves it against the
	// venue. Submissions started after activation (flatten exits) are not
	// affected: they only see transitions published while they are in flight.
	ctx, stopKillWatch := e.watchKill(ctx)
	defer stopKillWatch()

	return e.submitWithRetry(ctx, rec)
}

// watchKill derives a context cancelled when the kill switch transitions to
// immediate while a submission is in flight.
func (e *Executor) watchKill(ctx context.Context) (context.Context, context.CancelFunc) {
	derived, cancel := context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe(events.TopicKillActivated, 1)
	go func() {
		defer unsub()
		for {
			select {
			case <-derived.Done():
				return
			case payload, ok := <-ch:
				if !ok {
					return
				}
				if st, ok := payload.(killswitch.State); ok && st.Mode == killswitch.ModeImmediate {
					cancel()
					return
				}
			}
		}
	}()
	return derived, cancel
}

func (e *Executor) submitWithRetry(ctx context.Context, rec db.OrderRecord) (db.OrderRecord, error) {
	req := exchange.OrderRequest{
		ClientOrderID: rec.IdempotencyKey,
		Symbol:        rec.Symbol,
		Side:          exchange.Side(rec.Side),
		Type:          exchange.Market,
		Qty:           rec.ScaledSize,
		Price:         rec.PriceHint,
	}

	for rec.Attempts < e.policy.MaxAttempts {
		if ctx.Err() != nil {
			return e.markUnknown(ctx, rec, ctx.Err())
		}
		rec.Attempts++

		if err := e.limiter.Wait(ctx); err != nil {
			return e.markUnknown(ctx, rec, err)
		}

		callCtx, cancel := context.WithTimeout(ctx, e.policy.CallTimeout.Std())
		result, err := e.gateway.SubmitOrder(callCtx, req)
		cancel()

		e.auditAttempt(ctx, rec, err)

		if err == nil {
			rec.Status = db.OrderSubmitted
			return e.applyResult(ctx, rec, result)
		}

		if !exchange.IsTransient(err) {
			// Definitive venue rejection. Retrying would not change the answer.
			rec.Status = db.OrderRejected
			rec.LastError = err.Error()
			if dbErr := e.db.UpsertOrderRecord(ctx, rec); dbErr != nil {
				return rec, dbErr
			}
			e.bus.Publish(events.TopicOrderUpdate, rec)
			log.Printf("❌ order %s rejected by venue: %v", shortKey(rec.IdempotencyKey), err)
			return rec, err
		}

		rec.LastError = err.Error()
		if dbErr := e.db.UpsertOrderRecord(ctx, rec); dbErr != nil {
			return rec, dbErr
		}

		if rec.Attempts >= e.policy.MaxAttempts {
			break
		}
		if err := e.sleepBackoff(ctx, rec.Attempts); err != nil {
			return e.markUnknown(ctx, rec, err)
		}
	}

	return e.markUnknown(ctx, rec, errors.New("retry budget exhausted"))
}

// sleepBackoff waits base*2^(attempt-1) with jitter, capped at MaxBackoff.
func (e *Executor) sleepBackoff(ctx context.Context, attempt int) error {
	backoff := e.policy.BaseBackoff.Std()
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	if max := e.policy.MaxBackoff.Std(); max > 0 && backoff > max {
		backoff = max
	}
	backoff += time.Duration(rand.Int63n(int64(backoff)/4 + 1))

	select {
	case <-time.After(backoff):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// markUnknown parks the order in UNKNOWN. Nothing past this point assumes the
// venue did or did not accept it; reconciliation decides. Persistence runs on
// an uncancellable context: the UNKNOWN marker must land even when the cause
// is the submission context being cancelled.
func (e *Executor) markUnknown(ctx context.Context, rec db.OrderRecord, cause error) (db.OrderRecord, error) {
	ctx = context.WithoutCancel(ctx)
	rec.Status = db.OrderUnknown
	rec.LastError = cause.Error()
	if err := e.db.UpsertOrderRecord(ctx, rec); err != nil {
		return rec, err
	}
	if _, err := e.audit.Append(ctx, audit.Entry{
		EventType: audit.TypeOrderUnknown,
		Actor:     "system",
		Action:    fmt.Sprintf("%s %s %s", rec.ActionKind, rec.Side, rec.Symbol),
		After:     rec,
		Success:   false,
		Reason:    cause.Error(),
	}); err != nil {
		return rec, err
	}
	e.bus.Publish(events.TopicOrderUnknown, rec)
	log.Printf("⚠️ order %s outcome UNKNOWN after %d attempts: %v",
		shortKey(rec.IdempotencyKey), rec.Attempts, cause)
	return rec, ErrUnknownOutcome
}

// applyResult folds a venue answer into the record, updates positions for any
// new fill quantity, and publishes the transition. The venue is authoritative
// for fill state; fills are never inferred locally.
func (e *Executor) applyResult(ctx context.Context, rec db.OrderRecord, result exchange.OrderResult) (db.OrderRecord, error) {
	if result.ExchangeOrderID != "" {
		rec.ExchangeOrderID = result.ExchangeOrderID
	}

	newFill := result.FilledQty - rec.SizeFilled
	rec.SizeFilled = result.FilledQty
	if result.AvgFillPrice > 0 {
		rec.AvgFillPrice = result.AvgFillPrice
	}

	switch result.Status {
	case exchange.StatusFilled:
		rec.Status = db.OrderFilled
	case exchange.StatusPartiallyFilled:
		rec.Status = db.OrderPartiallyFilled
	case exchange.StatusRejected:
		rec.Status = db.OrderRejected
	case exchange.StatusCanceled:
		rec.Status = db.OrderCanceled
	case exchange.StatusNew:
		rec.Status = db.OrderSubmitted
	}

	if err := e.db.UpsertOrderRecord(ctx, rec); err != nil {
		return rec, err
	}

	if newFill > 0 {
		_, realized, err := e.state.ApplyFill(ctx, rec.Symbol, rec.Side, newFill, rec.AvgFillPrice)
		if err != nil {
			return rec, err
		}
		e.bus.Publish(events.TopicOrderFilled, events.FillEvent{
			Symbol:      rec.Symbol,
			Side:        rec.Side,
			Qty:         newFill,
			Price:       rec.AvgFillPrice,
			RealizedPnL: realized,
		})
	}

	e.bus.Publish(events.TopicOrderUpdate, rec)
	if rec.Status == db.OrderFilled {
		log.Printf("✓ order %s filled: %s %s %.6f @ %.4f",
			shortKey(rec.IdempotencyKey), rec.Side, rec.Symbol, rec.SizeFilled, rec.AvgFillPrice)
	}
	return rec, nil
}

// ApplyUpdate folds an asynchronous user-stream event into the matching
// record. Updates that would move a terminal record backwards are ignored.
func (e *Executor) ApplyUpdate(ctx context.Context, update exchange.OrderUpdate) {
	if update.ClientOrderID == "" {
		return
	}
	unlock := e.lockKey(update.ClientOrderID)
	defer unlock()

	rec, err := e.db.GetOrderRecord(ctx, update.ClientOrderID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			log.Printf("❌ user stream: load record: %v", err)
		}
		return
	}
	if db.IsTerminalOrderStatus(rec.Status) {
		return
	}

	if _, err := e.applyResult(ctx, rec, exchange.OrderResult{
		ExchangeOrderID: update.ExchangeOrderID,
		Status:          update.Status,
		FilledQty:       update.FilledQty,
		AvgFillPrice:    update.AvgFillPrice,
	}); err != nil {
		log.Printf("❌ user stream: apply update: %v", err)
	}
}

// UnknownCount reports orders currently parked in UNKNOWN.
func (e *Executor) UnknownCount(ctx context.Context) int {
	n, err := e.db.CountOrdersByStatus(ctx, db.OrderUnknown)
	if err != nil {
		log.Printf("❌ count unknown orders: %v", err)
		return 0
	}
	return n
}

func (e *Executor) auditAttempt(ctx context.Context, rec db.OrderRecord, attemptErr error) {
	entry := audit.Entry{
		EventType: audit.TypeOrderAttempt,
		Actor:     "system",
		Action:    fmt.Sprintf("attempt %d/%d %s", rec.Attempts, e.policy.MaxAttempts, rec.Symbol),
		After:     map[string]any{"idempotency_key": rec.IdempotencyKey, "attempt": rec.Attempts},
		Success:   attemptErr == nil,
	}
	if attemptErr != nil {
		entry.Reason = attemptErr.Error()
	}
	if _, err := e.audit.Append(ctx, entry); err != nil {
		log.Printf("❌ order attempt audit failed: %v", err)
	}
}

func shortKey(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}
