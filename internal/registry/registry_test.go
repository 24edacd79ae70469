package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tradeguard/internal/audit"
	"tradeguard/internal/events"
	"tradeguard/pkg/config"
	"tradeguard/pkg/db"
)

func testPolicy() config.PromotionPolicy {
	return config.PromotionPolicy{
		MinShadowWindow:      config.Duration(time.Hour),
		MinComparisons:       2,
		MinSharpeDelta:       0.1,
		MaxDrawdownWorsening: 0,
	}
}

func newTestRegistry(t *testing.T) (*Registry, *db.Database) {
	t.Helper()
	dir := t.TempDir()
	database, err := db.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	auditLog := audit.New(database)
	return New(database, auditLog, events.NewBus(), testPolicy(), filepath.Join(dir, "models")), database
}

// readyShadow registers a version and walks it to a promotable SHADOW state.
func readyShadow(t *testing.T, r *Registry, database *db.Database, versionID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := r.Register(ctx, versionID, []byte("weights-"+versionID), "{}"); err != nil {
		t.Fatalf("register %s: %v", versionID, err)
	}
	// Backdate the shadow window start so it is already satisfied.
	if err := database.MarkShadowStarted(ctx, versionID, time.Now().Add(-2*time.Hour)); err != nil {
		t.Fatalf("mark shadow: %v", err)
	}
	r.RecordShadowDecision(ctx, "HOLD", "HOLD")
	r.RecordShadowDecision(ctx, "ENTER", "HOLD")
}

func goodMetrics() Metrics {
	return Metrics{SharpeDelta: 0.2, DrawdownWorsening: -0.01}
}

func TestRegisterCreatesStagingVersion(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	m, err := r.Register(ctx, "v1", []byte("weights"), `{"trained":"2026-08"}`)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if m.Status != db.ModelStaging {
		t.Fatalf("status = %s, want STAGING", m.Status)
	}
	if err := r.VerifyChecksum(m); err != nil {
		t.Fatalf("fresh blob fails verification: %v", err)
	}

	if _, err := r.Register(ctx, "v1", []byte("other"), ""); err == nil {
		t.Fatal("duplicate version id must be rejected")
	}
}

func TestStartShadowRequiresStaging(t *testing.T) {
	r, database := newTestRegistry(t)
	ctx := context.Background()
	readyShadow(t, r, database, "v1")

	if err := r.StartShadow(ctx, "v1", "alice"); !errors.Is(err, ErrWrongStatus) {
		t.Fatalf("shadow of SHADOW version: err = %v, want ErrWrongStatus", err)
	}
	if err := r.StartShadow(ctx, "missing", "alice"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("shadow of missing version: err = %v, want ErrNotFound", err)
	}
}

func TestPromoteRequiresWindow(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, "v1", []byte("weights"), ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.StartShadow(ctx, "v1", "alice"); err != nil {
		t.Fatalf("start shadow: %v", err)
	}

	err := r.Promote(ctx, "v1", "alice", goodMetrics())
	if !errors.Is(err, ErrWindowNotMet) {
		t.Fatalf("promote before window: err = %v, want ErrWindowNotMet", err)
	}

	m, _ := r.db.GetModelVersion(ctx, "v1")
	if m.Status != db.ModelShadow {
		t.Fatalf("status = %s after failed promote, want SHADOW unchanged", m.Status)
	}
}

func TestPromoteRequiresComparisons(t *testing.T) {
	r, database := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, "v1", []byte("weights"), ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := database.MarkShadowStarted(ctx, "v1", time.Now().Add(-2*time.Hour)); err != nil {
		t.Fatalf("mark shadow: %v", err)
	}

	if err := r.Promote(ctx, "v1", "alice", goodMetrics()); !errors.Is(err, ErrWindowNotMet) {
		t.Fatalf("promote without comparisons: err = %v, want ErrWindowNotMet", err)
	}
}

func TestPromoteRequiresCriteria(t *testing.T) {
	r, database := newTestRegistry(t)
	ctx := context.Background()
	readyShadow(t, r, database, "v1")

	tests := []struct {
		name    string
		metrics Metrics
	}{
		{"sharpe below minimum", Metrics{SharpeDelta: 0.05}},
		{"drawdown worsened", Metrics{SharpeDelta: 0.2, DrawdownWorsening: 0.02}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Promote(ctx, "v1", "alice", tt.metrics); !errors.Is(err, ErrCriteriaNotMet) {
				t.Fatalf("err = %v, want ErrCriteriaNotMet", err)
			}
		})
	}
}

func TestPromoteSwapsProduction(t *testing.T) {
	r, database := newTestRegistry(t)
	ctx := context.Background()

	readyShadow(t, r, database, "v1")
	if err := r.Promote(ctx, "v1", "alice", goodMetrics()); err != nil {
		t.Fatalf("promote v1: %v", err)
	}
	prod, err := r.Production(ctx)
	if err != nil || prod.VersionID != "v1" {
		t.Fatalf("production = %v (%v), want v1", prod.VersionID, err)
	}

	readyShadow(t, r, database, "v2")
	if err := r.Promote(ctx, "v2", "alice", goodMetrics()); err != nil {
		t.Fatalf("promote v2: %v", err)
	}

	prod, _ = r.Production(ctx)
	if prod.VersionID != "v2" {
		t.Fatalf("production = %s, want v2", prod.VersionID)
	}
	v1, _ := database.GetModelVersion(ctx, "v1")
	if v1.Status != db.ModelRetired {
		t.Fatalf("v1 status = %s, want RETIRED", v1.Status)
	}
}

func TestPromoteChecksumMismatchAborts(t *testing.T) {
	r, database := newTestRegistry(t)
	ctx := context.Background()
	readyShadow(t, r, database, "v1")

	m, _ := database.GetModelVersion(ctx, "v1")
	if err := os.WriteFile(m.BlobPath, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper blob: %v", err)
	}

	if err := r.Promote(ctx, "v1", "alice", goodMetrics()); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("err = %v, want ErrChecksumMismatch", err)
	}
	m, _ = database.GetModelVersion(ctx, "v1")
	if m.Status != db.ModelShadow {
		t.Fatalf("status = %s after aborted promote, want SHADOW", m.Status)
	}
}

func TestRollbackRestoresPreviousProduction(t *testing.T) {
	r, database := newTestRegistry(t)
	ctx := context.Background()

	readyShadow(t, r, database, "v1")
	if err := r.Promote(ctx, "v1", "alice", goodMetrics()); err != nil {
		t.Fatalf("promote v1: %v", err)
	}
	readyShadow(t, r, database, "v2")
	if err := r.Promote(ctx, "v2", "alice", goodMetrics()); err != nil {
		t.Fatalf("promote v2: %v", err)
	}

	// Dry run validates without changing anything.
	plan, err := r.Rollback(ctx, "alice", true)
	if err != nil {
		t.Fatalf("dry-run rollback: %v", err)
	}
	if plan.Promoted != "v1" || plan.Retired != "v2" {
		t.Fatalf("plan = %+v, want restore v1 retire v2", plan)
	}
	prod, _ := r.Production(ctx)
	if prod.VersionID != "v2" {
		t.Fatalf("dry run changed production to %s", prod.VersionID)
	}

	if _, err := r.Rollback(ctx, "alice", false); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	prod, _ = r.Production(ctx)
	if prod.VersionID != "v1" {
		t.Fatalf("production = %s after rollback, want v1", prod.VersionID)
	}
	v2, _ := database.GetModelVersion(ctx, "v2")
	if v2.Status != db.ModelRetired {
		t.Fatalf("v2 status = %s, want RETIRED", v2.Status)
	}
}

func TestRollbackWithoutHistory(t *testing.T) {
	r, _ := newTestRegistry(t)
	if _, err := r.Rollback(context.Background(), "alice", false); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("err = %v, want ErrNoHistory", err)
	}
}

func TestRollbackWithoutPriorProduction(t *testing.T) {
	r, database := newTestRegistry(t)
	ctx := context.Background()

	// First ever promotion retired nothing; there is nowhere to roll back to.
	readyShadow(t, r, database, "v1")
	if err := r.Promote(ctx, "v1", "alice", goodMetrics()); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if _, err := r.Rollback(ctx, "alice", false); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("err = %v, want ErrNoHistory", err)
	}
}

func TestAgreementRate(t *testing.T) {
	if got := AgreementRate(db.ModelVersion{}); got != 0 {
		t.Fatalf("empty agreement rate = %v, want 0", got)
	}
	if got := AgreementRate(db.ModelVersion{Comparisons: 4, Agreements: 3}); got != 0.75 {
		t.Fatalf("agreement rate = %v, want 0.75", got)
	}
}
