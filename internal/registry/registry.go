// Package registry manages decision-model versions: checksummed registration,
// shadow evaluation, and the audited, transactional promote/rollback swap.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tradeguard/internal/audit"
	"tradeguard/internal/events"
	"tradeguard/pkg/config"
	"tradeguard/pkg/db"
)

var (
	ErrChecksumMismatch = errors.New("model blob does not match registered checksum")
	ErrWindowNotMet     = errors.New("shadow window not yet satisfied")
	ErrCriteriaNotMet   = errors.New("promotion criteria not met")
	ErrNoHistory        = errors.New("no promotion history to roll back to")
	ErrWrongStatus      = errors.New("model is not in the required status")
)

// Metrics are the shadow-vs-production deltas evaluated at promotion time.
type Metrics struct {
	SharpeDelta       float64 `json:"sharpe_delta"`
	DrawdownWorsening float64 `json:"drawdown_worsening"`
}

// PromotionRecord is the After payload of every promoted/rolled-back audit
// event; rollback replays it to find the prior production version.
type PromotionRecord struct {
	Promoted string `json:"promoted"`
	Retired  string `json:"retired,omitempty"`
}

// Registry is the single writer of model-version state.
type Registry struct {
	mu       sync.Mutex
	db       *db.Database
	audit    *audit.Log
	bus      *events.Bus
	policy   config.PromotionPolicy
	modelDir string
}

func New(database *db.Database, auditLog *audit.Log, bus *events.Bus,
	policy config.PromotionPolicy, modelDir string) *Registry {
	return &Registry{
		db:       database,
		audit:    auditLog,
		bus:      bus,
		policy:   policy,
		modelDir: modelDir,
	}
}

// Register stores a model blob, stamps its checksum, and creates the version
// in STAGING.
func (r *Registry) Register(ctx context.Context, versionID string, blob []byte, metadata string) (db.ModelVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if versionID == "" {
		return db.ModelVersion{}, errors.New("version id is required")
	}
	if _, err := r.db.GetModelVersion(ctx, versionID); err == nil {
		return db.ModelVersion{}, fmt.Errorf("version %s already registered", versionID)
	} else if !errors.Is(err, db.ErrNotFound) {
		return db.ModelVersion{}, err
	}

	sum := sha256.Sum256(blob)
	checksum := hex.EncodeToString(sum[:])

	if err := os.MkdirAll(r.modelDir, 0o755); err != nil {
		return db.ModelVersion{}, fmt.Errorf("create model dir: %w", err)
	}
	blobPath := filepath.Join(r.modelDir, versionID+".bin")
	if err := os.WriteFile(blobPath, blob, 0o644); err != nil {
		return db.ModelVersion{}, fmt.Errorf("write model blob: %w", err)
	}

	m := db.ModelVersion{
		VersionID:    versionID,
		Checksum:     checksum,
		BlobPath:     blobPath,
		Status:       db.ModelStaging,
		Metadata:     metadata,
		RegisteredAt: time.Now().UTC(),
	}
	if err := r.db.InsertModelVersion(ctx, m); err != nil {
		return db.ModelVersion{}, err
	}

	if _, err := r.audit.Append(ctx, audit.Entry{
		EventType: audit.TypeModelRegistered,
		Actor:     "system",
		Action:    versionID,
		After:     m,
		Success:   true,
	}); err != nil {
		return m, err
	}
	log.Printf("✓ model %s registered (checksum %s…)", versionID, checksum[:12])
	return m, nil
}

// StartShadow moves a STAGING version into shadow evaluation and stamps the
// window start.
func (r *Registry) StartShadow(ctx context.Context, versionID, actor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.db.GetModelVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if m.Status != db.ModelStaging {
		return fmt.Errorf("%w: %s is %s, want %s", ErrWrongStatus, versionID, m.Status, db.ModelStaging)
	}

	now := time.Now().UTC()
	if err := r.db.MarkShadowStarted(ctx, versionID, now); err != nil {
		return err
	}
	if _, err := r.audit.Append(ctx, audit.Entry{
		EventType: audit.TypeModelShadow,
		Actor:     actor,
		Action:    versionID,
		Before:    m,
		Success:   true,
	}); err != nil {
		return err
	}
	log.Printf("✓ model %s entered shadow evaluation", versionID)
	return nil
}

// VerifyChecksum re-hashes the stored blob against the registered checksum.
// Run before every activation; a corrupted or swapped blob must never become
// the production model.
func (r *Registry) VerifyChecksum(m db.ModelVersion) error {
	blob, err := os.ReadFile(m.BlobPath)
	if err != nil {
		return fmt.Errorf("read model blob: %w", err)
	}
	sum := sha256.Sum256(blob)
	if hex.EncodeToString(sum[:]) != m.Checksum {
		return fmt.Errorf("%w: version %s", ErrChecksumMismatch, m.VersionID)
	}
	return nil
}

// Promote swaps a SHADOW version into PRODUCTION. Every check must pass; the
// status swap and its audit record commit in one transaction, so there is no
// observable state with zero or two production models.
func (r *Registry) Promote(ctx context.Context, versionID, actor string, metrics Metrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidate, err := r.db.GetModelVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if candidate.Status != db.ModelShadow {
		return fmt.Errorf("%w: %s is %s, want %s", ErrWrongStatus, versionID, candidate.Status, db.ModelShadow)
	}
	if err := r.VerifyChecksum(candidate); err != nil {
		return err
	}
	if candidate.ShadowStartedAt == nil {
		return ErrWindowNotMet
	}
	if elapsed := time.Since(*candidate.ShadowStartedAt); elapsed < r.policy.MinShadowWindow.Std() {
		return fmt.Errorf("%w: %v of %v elapsed", ErrWindowNotMet, elapsed.Round(time.Minute), r.policy.MinShadowWindow.Std())
	}
	if candidate.Comparisons < r.policy.MinComparisons {
		return fmt.Errorf("%w: %d of %d comparisons recorded", ErrWindowNotMet, candidate.Comparisons, r.policy.MinComparisons)
	}
	if metrics.SharpeDelta < r.policy.MinSharpeDelta {
		return fmt.Errorf("%w: sharpe delta %.4f below %.4f", ErrCriteriaNotMet, metrics.SharpeDelta, r.policy.MinSharpeDelta)
	}
	if metrics.DrawdownWorsening > r.policy.MaxDrawdownWorsening {
		return fmt.Errorf("%w: drawdown worsening %.4f above %.4f", ErrCriteriaNotMet, metrics.DrawdownWorsening, r.policy.MaxDrawdownWorsening)
	}

	metricsJSON, _ := json.Marshal(metrics)
	if err := r.db.SetPromotionMetrics(ctx, versionID, string(metricsJSON)); err != nil {
		return err
	}

	current, err := r.db.GetModelByStatus(ctx, db.ModelProduction)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}

	record := PromotionRecord{Promoted: versionID, Retired: current.VersionID}
	if err := r.swap(ctx, audit.TypeModelPromoted, actor, current, candidate, record, string(metricsJSON)); err != nil {
		return err
	}

	r.bus.Publish(events.TopicModelPromoted, record)
	log.Printf("✓ model %s promoted to production (was %s)", versionID, orNone(current.VersionID))
	return nil
}

// Rollback restores the previously retired production model. The target is
// read from the newest promotion/rollback audit event, never guessed. With
// dryRun the plan is validated and returned without any state change.
func (r *Registry) Rollback(ctx context.Context, actor string, dryRun bool) (PromotionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	last, err := r.lastSwapEvent(ctx)
	if err != nil {
		return PromotionRecord{}, err
	}
	var prior PromotionRecord
	if err := json.Unmarshal([]byte(last.After), &prior); err != nil {
		return PromotionRecord{}, fmt.Errorf("decode promotion history: %w", err)
	}
	if prior.Retired == "" {
		return PromotionRecord{}, ErrNoHistory
	}

	target, err := r.db.GetModelVersion(ctx, prior.Retired)
	if err != nil {
		return PromotionRecord{}, err
	}
	if err := r.VerifyChecksum(target); err != nil {
		return PromotionRecord{}, err
	}

	current, err := r.db.GetModelByStatus(ctx, db.ModelProduction)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return PromotionRecord{}, err
	}

	record := PromotionRecord{Promoted: target.VersionID, Retired: current.VersionID}
	if dryRun {
		return record, nil
	}

	if err := r.swap(ctx, audit.TypeModelRolledBack, actor, current, target, record, ""); err != nil {
		return PromotionRecord{}, err
	}

	r.bus.Publish(events.TopicModelRolledBack, record)
	log.Printf("🔄 rolled back to model %s (retired %s)", target.VersionID, orNone(current.VersionID))
	return record, nil
}

// swap retires current (if any), activates next, and writes the audit event,
// all in one transaction.
func (r *Registry) swap(ctx context.Context, eventType, actor string,
	current, next db.ModelVersion, record PromotionRecord, reason string) error {

	tx, err := r.db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin promotion tx: %w", err)
	}
	defer tx.Rollback()

	if current.VersionID != "" {
		if err := r.db.UpdateModelStatusTx(ctx, tx, current.VersionID, db.ModelRetired); err != nil {
			return err
		}
	}
	if err := r.db.UpdateModelStatusTx(ctx, tx, next.VersionID, db.ModelProduction); err != nil {
		return err
	}
	if _, err := r.audit.AppendTx(ctx, tx, audit.Entry{
		EventType: eventType,
		Actor:     actor,
		Action:    next.VersionID,
		Before:    current,
		After:     record,
		Success:   true,
		Reason:    reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// lastSwapEvent returns the newest promoted or rolled-back event.
func (r *Registry) lastSwapEvent(ctx context.Context) (db.AuditEvent, error) {
	promoted, errP := r.audit.LastByType(ctx, audit.TypeModelPromoted)
	rolled, errR := r.audit.LastByType(ctx, audit.TypeModelRolledBack)

	switch {
	case errP == nil && errR == nil:
		if rolled.ID > promoted.ID {
			return rolled, nil
		}
		return promoted, nil
	case errP == nil:
		return promoted, nil
	case errR == nil:
		return rolled, nil
	case errors.Is(errP, db.ErrNotFound) && errors.Is(errR, db.ErrNotFound):
		return db.AuditEvent{}, ErrNoHistory
	case !errors.Is(errP, db.ErrNotFound):
		return db.AuditEvent{}, errP
	default:
		return db.AuditEvent{}, errR
	}
}

// Production returns the active production model, or db.ErrNotFound.
func (r *Registry) Production(ctx context.Context) (db.ModelVersion, error) {
	return r.db.GetModelByStatus(ctx, db.ModelProduction)
}

// List returns every registered version, newest first.
func (r *Registry) List(ctx context.Context) ([]db.ModelVersion, error) {
	return r.db.ListModelVersions(ctx)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
