package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"tradeguard/internal/audit"
	"tradeguard/internal/events"
	"tradeguard/internal/gate"
	"tradeguard/pkg/db"
	"tradeguard/pkg/exchange"
)

// qtyTolerance absorbs float noise when comparing local and venue positions.
const qtyTolerance = 1e-9

// Run drives the periodic reconciliation sweep until ctx is canceled.
func (e *Executor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.ReconcileOnce(ctx)
		}
	}
}

// ReconcileOnce runs a full sweep: resolve non-terminal order records against
// the venue, then compare positions. The venue is authoritative for fills;
// local records are authoritative for what was intended.
func (e *Executor) ReconcileOnce(ctx context.Context) {
	records, err := e.db.ListOrderRecordsByStatus(ctx,
		db.OrderSubmitted, db.OrderPartiallyFilled, db.OrderUnknown)
	if err != nil {
		log.Printf("❌ reconcile: list records: %v", err)
		return
	}
	for _, rec := range records {
		e.resolveRecord(ctx, rec)
	}

	e.reconcilePositions(ctx)
}

// resolveRecord asks the venue for the truth about one in-flight record.
// UNKNOWN records resolve through client-id lookup since the ack carrying the
// exchange order id may never have arrived.
func (e *Executor) resolveRecord(ctx context.Context, rec db.OrderRecord) {
	unlock := e.lockKey(rec.IdempotencyKey)
	defer unlock()

	// Reload under the lock; a user-stream update may have landed meanwhile.
	rec, err := e.db.GetOrderRecord(ctx, rec.IdempotencyKey)
	if err != nil || db.IsTerminalOrderStatus(rec.Status) {
		return
	}
	before := rec

	var result exchange.OrderResult
	if rec.ExchangeOrderID != "" {
		result, err = e.gateway.GetOrderStatus(ctx, rec.Symbol, rec.ExchangeOrderID)
	} else {
		result, err = e.gateway.LookupByClientID(ctx, rec.Symbol, rec.IdempotencyKey)
	}

	switch {
	case err == nil:
		updated, applyErr := e.applyResult(ctx, rec, result)
		if applyErr != nil {
			log.Printf("❌ reconcile %s: %v", shortKey(rec.IdempotencyKey), applyErr)
			return
		}
		if updated.Status != before.Status {
			e.auditReconciled(ctx, before, updated, "venue state adopted")
		}

	case venueHasNoOrder(err) && rec.Status == db.OrderUnknown && rec.ExchangeOrderID == "":
		// The venue has no trace of the order: the submit never landed, so
		// the intent failed cleanly. Never resolved to FILLED without venue
		// confirmation.
		rec.Status = db.OrderRejected
		rec.LastError = "not found on venue"
		if dbErr := e.db.UpsertOrderRecord(ctx, rec); dbErr != nil {
			log.Printf("❌ reconcile %s: %v", shortKey(rec.IdempotencyKey), dbErr)
			return
		}
		e.auditReconciled(ctx, before, rec, "venue has no record of order")
		e.bus.Publish(events.TopicOrderUpdate, rec)

	case venueHasNoOrder(err):
		// The venue acked this order once but no longer reports it (pruned).
		// No further fills can arrive; close the record instead of re-polling
		// forever. Fills already confirmed stay counted.
		rec.Status = db.OrderCanceled
		rec.LastError = "venue no longer reports order"
		if dbErr := e.db.UpsertOrderRecord(ctx, rec); dbErr != nil {
			log.Printf("❌ reconcile %s: %v", shortKey(rec.IdempotencyKey), dbErr)
			return
		}
		e.auditReconciled(ctx, before, rec, "venue no longer reports order")
		e.bus.Publish(events.TopicOrderUpdate, rec)

	case exchange.IsTransient(err):
		// Venue unreachable; the next sweep retries.

	default:
		log.Printf("❌ reconcile %s: venue error: %v", shortKey(rec.IdempotencyKey), err)
	}
}

// venueHasNoOrder reports a definitive not-found answer from either lookup
// path: the client-id sentinel or an HTTP 404 on the exchange-id query.
func venueHasNoOrder(err error) bool {
	if errors.Is(err, exchange.ErrOrderNotFound) {
		return true
	}
	var apiErr *exchange.APIError
	return errors.As(err, &apiErr) && apiErr.Code == 404
}

func (e *Executor) auditReconciled(ctx context.Context, before, after db.OrderRecord, reason string) {
	if _, err := e.audit.Append(ctx, audit.Entry{
		EventType: audit.TypeOrderReconciled,
		Actor:     "system",
		Action:    fmt.Sprintf("%s -> %s %s", before.Status, after.Status, after.Symbol),
		Before:    before,
		After:     after,
		Success:   true,
		Reason:    reason,
	}); err != nil {
		log.Printf("❌ reconcile audit failed: %v", err)
	}
	log.Printf("🔄 reconciled %s: %s -> %s", shortKey(after.IdempotencyKey), before.Status, after.Status)
}

// reconcilePositions compares venue positions against the local view. A
// mismatch means state the control plane cannot account for, so trading is
// paused until an operator investigates; the local view is then synced to the
// venue (authoritative for fill state).
func (e *Executor) reconcilePositions(ctx context.Context) {
	venuePositions, err := e.gateway.GetPositions(ctx)
	if err != nil {
		if !exchange.IsTransient(err) {
			log.Printf("❌ reconcile positions: %v", err)
		}
		return
	}

	venue := make(map[string]exchange.PositionInfo, len(venuePositions))
	for _, p := range venuePositions {
		venue[p.Symbol] = p
	}
	local := make(map[string]db.Position)
	for _, p := range e.state.Positions() {
		local[p.Symbol] = p
	}

	var divergences []string
	for symbol, vp := range venue {
		lp := local[symbol]
		if diff := vp.Qty - lp.Qty; diff > qtyTolerance || diff < -qtyTolerance {
			divergences = append(divergences,
				fmt.Sprintf("%s: local=%.8f venue=%.8f", symbol, lp.Qty, vp.Qty))
		}
		delete(local, symbol)
	}
	for symbol, lp := range local {
		if lp.Qty > qtyTolerance || lp.Qty < -qtyTolerance {
			divergences = append(divergences,
				fmt.Sprintf("%s: local=%.8f venue=0", symbol, lp.Qty))
		}
	}

	if len(divergences) == 0 {
		return
	}

	reason := fmt.Sprintf("position divergence: %v", divergences)
	if _, err := e.audit.Append(ctx, audit.Entry{
		EventType: audit.TypeDivergence,
		Actor:     "system",
		Action:    "pause_trading",
		Before:    e.state.Positions(),
		After:     venuePositions,
		Success:   true,
		Reason:    reason,
	}); err != nil {
		log.Printf("❌ divergence audit failed: %v", err)
	}
	e.bus.Publish(events.TopicDivergence, divergences)
	e.bus.Publish(events.TopicRiskAlert, reason)
	log.Printf("⚠️ %s", reason)

	if e.haltFn != nil {
		e.haltFn(ctx, reason)
	}

	// Sync local to the venue so exits operate on real quantities.
	for _, vp := range venuePositions {
		if err := e.state.SetPosition(ctx, vp.Symbol, vp.Qty, vp.EntryPrice); err != nil {
			log.Printf("❌ sync position %s: %v", vp.Symbol, err)
		}
	}
	for symbol := range local {
		if err := e.state.SetPosition(ctx, symbol, 0, 0); err != nil {
			log.Printf("❌ sync position %s: %v", symbol, err)
		}
	}
}

// CancelAll cancels every order the venue may still be working. Part of the
// kill-switch emergency surface.
func (e *Executor) CancelAll(ctx context.Context, actor string) error {
	records, err := e.db.ListOrderRecordsByStatus(ctx, db.OrderSubmitted, db.OrderPartiallyFilled)
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}

	var lastErr error
	for _, rec := range records {
		if rec.ExchangeOrderID == "" {
			continue
		}
		if err := e.gateway.CancelOrder(ctx, rec.Symbol, rec.ExchangeOrderID); err != nil {
			var apiErr *exchange.APIError
			if errors.As(err, &apiErr) {
				continue // already terminal on the venue; reconciliation picks it up
			}
			lastErr = err
			log.Printf("❌ cancel %s: %v", shortKey(rec.IdempotencyKey), err)
		}
	}
	return lastErr
}

// FlattenAll force-closes every open position with market orders. Part of the
// kill-switch emergency surface; each exit goes through the normal record and
// audit path.
func (e *Executor) FlattenAll(ctx context.Context, actor, reason string) error {
	var lastErr error
	for _, p := range e.state.Positions() {
		side := "SELL"
		qty := p.Qty
		if qty < 0 {
			side = "BUY"
			qty = -qty
		}
		intent := flattenIntent(p.Symbol, side, qty, p.AvgPrice)
		if _, err := e.Submit(ctx, intent, qty); err != nil {
			lastErr = err
			log.Printf("❌ flatten %s: %v", p.Symbol, err)
		}
	}
	if lastErr == nil {
		log.Printf("✓ flatten complete (by=%s reason=%q)", actor, reason)
	}
	return lastErr
}

// OpenPositionCount implements the kill-switch flattener surface.
func (e *Executor) OpenPositionCount() int {
	return e.state.OpenPositionCount()
}

// flattenIntent builds the emergency exit intent for one position. Each
// flatten gets a fresh correlation id so repeated sweeps produce distinct,
// individually idempotent orders.
func flattenIntent(symbol, side string, qty, priceHint float64) gate.OrderIntent {
	return gate.OrderIntent{
		ActionKind:    gate.ActionExit,
		Symbol:        symbol,
		Side:          side,
		RequestedSize: qty,
		PriceHint:     priceHint,
		CorrelationID: "flatten-" + uuid.NewString(),
	}
}
