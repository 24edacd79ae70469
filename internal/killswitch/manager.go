// Package killswitch implements the explicit operator override that forces a
// trading posture regardless of breaker state. Activation and clearing are
// appended to the audit log before taking effect (log-then-act), so the
// active switch survives a crash and is reconstructed from the log tail.
package killswitch

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"tradeguard/internal/audit"
	"tradeguard/internal/events"
	"tradeguard/internal/posture"
	"tradeguard/pkg/db"
)

// Mode of an active switch.
type Mode string

const (
	ModeImmediate Mode = "immediate"
	ModeGraceful  Mode = "graceful"
	ModePause     Mode = "pause"
)

// Role of the acting operator.
type Role string

const (
	RoleRiskManager Role = "risk-manager"
	RoleTradingOps  Role = "trading-ops"
	RoleSysAdmin    Role = "sys-admin"
	RoleOnCall      Role = "on-call"
	RoleOperator    Role = "operator" // may activate pause only
	RoleViewer      Role = "viewer"
	RoleSystem      Role = "system" // internal actor (divergence hold)
)

var (
	ErrUnauthorized = errors.New("actor role is not privileged for this mode")
	ErrInvalidState = errors.New("no active kill switch")
	ErrAlreadySet   = errors.New("kill switch already active")
)

// State is the singleton, process-wide switch state. Owned exclusively by the
// Manager; everything else only reads snapshots.
type State struct {
	Active           bool       `json:"active"`
	Mode             Mode       `json:"mode,omitempty"`
	Reason           string     `json:"reason,omitempty"`
	ActivatedBy      string     `json:"activated_by,omitempty"`
	ActivatedAt      time.Time  `json:"activated_at"`
	GracefulDeadline *time.Time `json:"graceful_deadline,omitempty"`
}

// Flattener is the executor's emergency surface: cancel open orders and
// force-close open positions, best effort.
type Flattener interface {
	CancelAll(ctx context.Context, actor string) error
	FlattenAll(ctx context.Context, actor, reason string) error
	OpenPositionCount() int
}

// Manager is the single writer of kill-switch state.
type Manager struct {
	mu        sync.RWMutex
	state     State
	audit     *audit.Log
	bus       *events.Bus
	flattener Flattener
	deadline  time.Duration // default graceful deadline
}

func NewManager(auditLog *audit.Log, bus *events.Bus, gracefulDeadline time.Duration) *Manager {
	if gracefulDeadline <= 0 {
		gracefulDeadline = 30 * time.Minute
	}
	return &Manager{audit: auditLog, bus: bus, deadline: gracefulDeadline}
}

// SetFlattener wires the executor after construction (breaks the dependency
// cycle between the switch and the executor).
func (m *Manager) SetFlattener(f Flattener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flattener = f
}

func roleMayActivate(role Role, mode Mode) bool {
	switch role {
	case RoleRiskManager, RoleTradingOps, RoleSysAdmin, RoleOnCall, RoleSystem:
		return true
	case RoleOperator:
		return mode == ModePause
	}
	return false
}

func roleMayClear(role Role) bool {
	switch role {
	case RoleRiskManager, RoleTradingOps, RoleSysAdmin, RoleOnCall:
		return true
	}
	return false
}

// Activate engages the switch. The audit append completes before any state
// change or side effect. Re-activation with a more severe mode is allowed
// (pause -> immediate); anything else fails with ErrAlreadySet.
func (m *Manager) Activate(ctx context.Context, mode Mode, reason, actor string, role Role) error {
	switch mode {
	case ModeImmediate, ModeGraceful, ModePause:
	default:
		return errors.New("invalid kill-switch mode")
	}
	if !roleMayActivate(role, mode) {
		return ErrUnauthorized
	}
	if reason == "" {
		return errors.New("reason is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Active && !(m.state.Mode != ModeImmediate && mode == ModeImmediate) {
		return ErrAlreadySet
	}

	next := State{
		Active:      true,
		Mode:        mode,
		Reason:      reason,
		ActivatedBy: actor,
		ActivatedAt: time.Now().UTC(),
	}
	if mode == ModeGraceful {
		dl := next.ActivatedAt.Add(m.deadline)
		next.GracefulDeadline = &dl
	}

	// Log-then-act.
	if _, err := m.audit.Append(ctx, audit.Entry{
		EventType: audit.TypeKillActivated,
		Actor:     actor,
		Action:    string(mode),
		Before:    m.state,
		After:     next,
		Success:   true,
		Reason:    reason,
	}); err != nil {
		return err
	}

	m.state = next
	m.bus.Publish(events.TopicKillActivated, next)
	log.Printf("⚠️ KILL SWITCH ACTIVATED: mode=%s by=%s reason=%q", mode, actor, reason)

	switch mode {
	case ModeImmediate:
		m.emergencyStopLocked(actor, reason)
	case ModeGraceful:
		go m.watchGraceful(*next.GracefulDeadline)
	}
	return nil
}

// emergencyStopLocked fires best-effort cancel+flatten in the background; the
// caller holds the state lock and the flatten must not block activation.
func (m *Manager) emergencyStopLocked(actor, reason string) {
	f := m.flattener
	if f == nil {
		log.Println("⚠️ kill switch: no flattener wired; positions must be closed manually")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := f.CancelAll(ctx, actor); err != nil {
			log.Printf("❌ kill switch: cancel-all error: %v", err)
		}
		if err := f.FlattenAll(ctx, actor, reason); err != nil {
			log.Printf("❌ kill switch: flatten error: %v", err)
		}
	}()
}

// watchGraceful escalates remaining open positions to immediate semantics
// when the deadline elapses with the graceful switch still active.
func (m *Manager) watchGraceful(deadline time.Time) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	<-timer.C

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Active || m.state.Mode != ModeGraceful {
		return
	}
	f := m.flattener
	open := 0
	if f != nil {
		open = f.OpenPositionCount()
	}
	if open == 0 {
		log.Printf("✓ graceful kill switch: all positions closed before deadline")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	// Forced exits at deadline are logged distinctly from normal graceful exits.
	_, _ = m.audit.Append(ctx, audit.Entry{
		EventType: audit.TypeKillForceExit,
		Actor:     "system",
		Action:    "graceful_deadline_escalation",
		Before:    m.state,
		Success:   true,
		Reason:    "graceful deadline elapsed with open positions",
	})
	log.Printf("⚠️ graceful deadline elapsed with %d open positions; forcing exits", open)
	m.emergencyStopLocked("system", "graceful deadline escalation")
}

// Clear disengages the switch.
func (m *Manager) Clear(ctx context.Context, actor string, role Role) error {
	if !roleMayClear(role) {
		return ErrUnauthorized
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.Active {
		return ErrInvalidState
	}

	next := State{}
	if _, err := m.audit.Append(ctx, audit.Entry{
		EventType: audit.TypeKillCleared,
		Actor:     actor,
		Action:    "clear",
		Before:    m.state,
		After:     next,
		Success:   true,
	}); err != nil {
		return err
	}

	prev := m.state
	m.state = next
	m.bus.Publish(events.TopicKillCleared, prev)
	log.Printf("✓ kill switch cleared by %s (was %s)", actor, prev.Mode)
	return nil
}

// Status returns a snapshot of the current state.
func (m *Manager) Status() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Posture returns the forced posture while the switch is active.
func (m *Manager) Posture() (posture.Posture, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.state.Active {
		return posture.Normal, false
	}
	switch m.state.Mode {
	case ModeImmediate:
		return posture.Halted, true
	default:
		return posture.Paused, true
	}
}

// Recover reconstructs switch state by replaying the audit log tail: the
// newest activated/cleared event wins.
func (m *Manager) Recover(ctx context.Context) error {
	activated, errA := m.audit.LastByType(ctx, audit.TypeKillActivated)
	cleared, errC := m.audit.LastByType(ctx, audit.TypeKillCleared)

	if errA != nil {
		if errors.Is(errA, db.ErrNotFound) {
			return nil // never activated
		}
		return errA
	}
	if errC == nil && cleared.ID > activated.ID {
		return nil // cleared after the last activation
	}
	if errC != nil && !errors.Is(errC, db.ErrNotFound) {
		return errC
	}

	var restored State
	if err := json.Unmarshal([]byte(activated.After), &restored); err != nil {
		return err
	}

	m.mu.Lock()
	m.state = restored
	m.mu.Unlock()
	log.Printf("🔄 kill switch restored from audit log: mode=%s by=%s", restored.Mode, restored.ActivatedBy)

	if restored.Mode == ModeGraceful && restored.GracefulDeadline != nil {
		go m.watchGraceful(*restored.GracefulDeadline)
	}
	return nil
}
