// Package audit provides the append-only, durable record of every
// control-plane decision. Writers follow log-then-act: the append returns
// only after the event is durable, so a crash between log and effect is
// safely replayable from the tail.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"sync"
	"time"

	"tradeguard/pkg/db"

	"github.com/denisbrodbeck/machineid"
)

// Event types written by the control plane.
const (
	TypeBreakerTriggered = "breaker.triggered"
	TypeBreakerEscalated = "breaker.escalated"
	TypeBreakerExpired   = "breaker.cooldown_expired"
	TypeBreakerReset     = "breaker.reset"
	TypeKillActivated    = "killswitch.activated"
	TypeKillCleared      = "killswitch.cleared"
	TypeKillGracefulExit = "killswitch.graceful_exit"
	TypeKillForceExit    = "killswitch.force_exit"
	TypeGateAccepted     = "gate.accepted"
	TypeGateRejected     = "gate.rejected"
	TypeOrderSubmitted   = "order.submitted"
	TypeOrderAttempt     = "order.attempt"
	TypeOrderUnknown     = "order.unknown"
	TypeOrderReconciled  = "order.reconciled"
	TypeDivergence       = "reconciliation.divergence"
	TypeModelRegistered  = "model.registered"
	TypeModelShadow      = "model.shadow_started"
	TypeModelPromoted    = "model.promoted"
	TypeModelRolledBack  = "model.rolled_back"
)

// Entry is one decision to be appended. Before/After carry JSON snapshots of
// the state around the transition so decisions are reproducible from the log
// alone.
type Entry struct {
	EventType string
	Actor     string
	Action    string
	Before    any
	After     any
	Success   bool
	Reason    string
}

// Log serializes appends to the audit_events table. Safe for concurrent
// writers via a single append lock.
type Log struct {
	db   *db.Database
	mu   sync.Mutex
	host string
}

// New creates the audit log. The host fingerprint is stamped on every event
// so multi-host deployments can attribute decisions to a machine.
func New(database *db.Database) *Log {
	host, err := machineid.ProtectedID("tradeguard")
	if err != nil {
		log.Printf("⚠️ audit: machine id unavailable: %v", err)
		host = "unknown"
	}
	if len(host) > 12 {
		host = host[:12]
	}
	return &Log{db: database, host: host}
}

// Append durably writes one event and returns its sequence id. The write is
// synchronous and must complete before the caller takes the logged action.
func (l *Log) Append(ctx context.Context, e Entry) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.InsertAuditEvent(ctx, l.toRow(e))
}

// AppendTx writes an event inside the caller's transaction, for transitions
// (model promotion) whose swap and audit trail must commit atomically. The
// append lock is not taken here: the transaction already serializes its own
// writes, and taking the lock while holding the single sqlite connection
// would invert the lock order against Append.
func (l *Log) AppendTx(ctx context.Context, tx *sql.Tx, e Entry) (int64, error) {
	return l.db.InsertAuditEventTx(ctx, tx, l.toRow(e))
}

// Tail returns the most recent n events, newest first.
func (l *Log) Tail(ctx context.Context, n int) ([]db.AuditEvent, error) {
	return l.db.AuditTail(ctx, n)
}

// LastByType returns the newest event of a type, or db.ErrNotFound.
func (l *Log) LastByType(ctx context.Context, eventType string) (db.AuditEvent, error) {
	return l.db.LastAuditEventByType(ctx, eventType)
}

// Host returns the fingerprint stamped on events from this process.
func (l *Log) Host() string { return l.host }

func (l *Log) toRow(e Entry) db.AuditEvent {
	return db.AuditEvent{
		TS:        time.Now().UTC(),
		EventType: e.EventType,
		Actor:     e.Actor,
		Host:      l.host,
		Action:    e.Action,
		Before:    marshal(e.Before),
		After:     marshal(e.After),
		Success:   e.Success,
		Reason:    e.Reason,
	}
}

func marshal(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
