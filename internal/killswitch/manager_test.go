package killswitch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tradeguard/internal/audit"
	"tradeguard/internal/events"
	"tradeguard/internal/posture"
	"tradeguard/pkg/db"
)

func newTestAudit(t *testing.T) *audit.Log {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return audit.New(database)
}

type fakeFlattener struct {
	mu        sync.Mutex
	canceled  bool
	flattened bool
	open      int
}

func (f *fakeFlattener) CancelAll(ctx context.Context, actor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = true
	return nil
}

func (f *fakeFlattener) FlattenAll(ctx context.Context, actor, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flattened = true
	return nil
}

func (f *fakeFlattener) OpenPositionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeFlattener) called() (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canceled, f.flattened
}

func TestActivateRoleTable(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		role    Role
		mode    Mode
		wantErr error
	}{
		{RoleViewer, ModePause, ErrUnauthorized},
		{RoleViewer, ModeImmediate, ErrUnauthorized},
		{RoleOperator, ModePause, nil},
		{RoleOperator, ModeImmediate, ErrUnauthorized},
		{RoleOperator, ModeGraceful, ErrUnauthorized},
		{RoleTradingOps, ModeGraceful, nil},
		{RoleRiskManager, ModeImmediate, nil},
		{RoleOnCall, ModePause, nil},
		{RoleSystem, ModePause, nil},
	}
	for _, tt := range tests {
		m := NewManager(newTestAudit(t), events.NewBus(), time.Hour)
		err := m.Activate(ctx, tt.mode, "test", "alice", tt.role)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("Activate(%s, %s) err = %v, want %v", tt.role, tt.mode, err, tt.wantErr)
		}
	}
}

func TestActivateRequiresReason(t *testing.T) {
	m := NewManager(newTestAudit(t), events.NewBus(), time.Hour)
	if err := m.Activate(context.Background(), ModePause, "", "alice", RoleTradingOps); err == nil {
		t.Fatal("activation without a reason must fail")
	}
}

func TestClearWithoutActiveSwitch(t *testing.T) {
	m := NewManager(newTestAudit(t), events.NewBus(), time.Hour)
	if err := m.Clear(context.Background(), "alice", RoleTradingOps); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Clear err = %v, want ErrInvalidState", err)
	}
}

func TestClearRoleTable(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newTestAudit(t), events.NewBus(), time.Hour)
	if err := m.Activate(ctx, ModePause, "test", "alice", RoleTradingOps); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if err := m.Clear(ctx, "bob", RoleViewer); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("viewer clear err = %v, want ErrUnauthorized", err)
	}
	if err := m.Clear(ctx, "bob", RoleOperator); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("operator clear err = %v, want ErrUnauthorized", err)
	}
	if err := m.Clear(ctx, "bob", RoleRiskManager); err != nil {
		t.Fatalf("risk-manager clear: %v", err)
	}
	if m.Status().Active {
		t.Fatal("switch still active after clear")
	}
}

func TestReactivationOnlyEscalates(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newTestAudit(t), events.NewBus(), time.Hour)

	if err := m.Activate(ctx, ModePause, "first", "alice", RoleTradingOps); err != nil {
		t.Fatalf("activate pause: %v", err)
	}
	if err := m.Activate(ctx, ModeGraceful, "second", "alice", RoleTradingOps); !errors.Is(err, ErrAlreadySet) {
		t.Fatalf("pause -> graceful err = %v, want ErrAlreadySet", err)
	}
	if err := m.Activate(ctx, ModeImmediate, "escalate", "alice", RoleRiskManager); err != nil {
		t.Fatalf("pause -> immediate: %v", err)
	}
	if got := m.Status().Mode; got != ModeImmediate {
		t.Fatalf("mode = %s, want immediate", got)
	}
}

func TestPostureMapping(t *testing.T) {
	ctx := context.Background()

	m := NewManager(newTestAudit(t), events.NewBus(), time.Hour)
	if _, active := m.Posture(); active {
		t.Fatal("inactive switch must not force a posture")
	}

	if err := m.Activate(ctx, ModePause, "test", "alice", RoleTradingOps); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if p, active := m.Posture(); !active || p != posture.Paused {
		t.Fatalf("pause posture = %v active=%v, want PAUSED", p, active)
	}

	if err := m.Activate(ctx, ModeImmediate, "escalate", "alice", RoleRiskManager); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if p, _ := m.Posture(); p != posture.Halted {
		t.Fatalf("immediate posture = %v, want HALTED", p)
	}
}

func TestImmediateActivationFlattens(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newTestAudit(t), events.NewBus(), time.Hour)
	f := &fakeFlattener{open: 2}
	m.SetFlattener(f)

	if err := m.Activate(ctx, ModeImmediate, "emergency", "alice", RoleRiskManager); err != nil {
		t.Fatalf("activate: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		if canceled, flattened := f.called(); canceled && flattened {
			return
		}
		select {
		case <-deadline:
			t.Fatal("immediate activation did not cancel and flatten")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestGracefulDeadlineEscalation(t *testing.T) {
	ctx := context.Background()
	auditLog := newTestAudit(t)
	m := NewManager(auditLog, events.NewBus(), 20*time.Millisecond)
	f := &fakeFlattener{open: 1}
	m.SetFlattener(f)

	if err := m.Activate(ctx, ModeGraceful, "wind down", "alice", RoleTradingOps); err != nil {
		t.Fatalf("activate: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		if _, flattened := f.called(); flattened {
			break
		}
		select {
		case <-deadline:
			t.Fatal("deadline escalation did not force exits")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := auditLog.LastByType(ctx, audit.TypeKillForceExit); err != nil {
		t.Fatalf("force-exit audit event missing: %v", err)
	}
}

func TestRecoverReplaysAuditTail(t *testing.T) {
	ctx := context.Background()
	auditLog := newTestAudit(t)

	m1 := NewManager(auditLog, events.NewBus(), time.Hour)
	if err := m1.Activate(ctx, ModePause, "replayable", "alice", RoleTradingOps); err != nil {
		t.Fatalf("activate: %v", err)
	}

	// Fresh manager over the same log, as after a restart.
	m2 := NewManager(auditLog, events.NewBus(), time.Hour)
	if err := m2.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	st := m2.Status()
	if !st.Active || st.Mode != ModePause || st.ActivatedBy != "alice" {
		t.Fatalf("recovered state = %+v, want active pause by alice", st)
	}

	if err := m2.Clear(ctx, "bob", RoleRiskManager); err != nil {
		t.Fatalf("clear: %v", err)
	}

	m3 := NewManager(auditLog, events.NewBus(), time.Hour)
	if err := m3.Recover(ctx); err != nil {
		t.Fatalf("recover after clear: %v", err)
	}
	if m3.Status().Active {
		t.Fatal("recovered active switch after it was cleared")
	}
}

func TestRecoverEmptyLog(t *testing.T) {
	m := NewManager(newTestAudit(t), events.NewBus(), time.Hour)
	if err := m.Recover(context.Background()); err != nil {
		t.Fatalf("recover on empty log: %v", err)
	}
	if m.Status().Active {
		t.Fatal("empty log must not produce an active switch")
	}
}
