package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("record not found")

// ----------------------------------------
// Audit Queries
// ----------------------------------------

// InsertAuditEvent appends one audit record and returns its rowid.
func (d *Database) InsertAuditEvent(ctx context.Context, e AuditEvent) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO audit_events (ts, event_type, actor, host, action, before, after, success, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.TS, e.EventType, e.Actor, e.Host, e.Action, e.Before, e.After, boolToInt(e.Success), e.Reason)
	if err != nil {
		return 0, fmt.Errorf("insert audit event: %w", err)
	}
	return res.LastInsertId()
}

// InsertAuditEventTx appends an audit record inside an open transaction so a
// state swap and its audit trail commit atomically.
func (d *Database) InsertAuditEventTx(ctx context.Context, tx *sql.Tx, e AuditEvent) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO audit_events (ts, event_type, actor, host, action, before, after, success, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.TS, e.EventType, e.Actor, e.Host, e.Action, e.Before, e.After, boolToInt(e.Success), e.Reason)
	if err != nil {
		return 0, fmt.Errorf("insert audit event (tx): %w", err)
	}
	return res.LastInsertId()
}

// AuditTail returns the most recent n events, newest first.
func (d *Database) AuditTail(ctx context.Context, n int) ([]AuditEvent, error) {
	if n <= 0 {
		n = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, ts, event_type, actor, host, action,
		       COALESCE(before, ''), COALESCE(after, ''), success, COALESCE(reason, '')
		FROM audit_events
		ORDER BY id DESC
		LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("query audit tail: %w", err)
	}
	defer rows.Close()
	return scanAuditEvents(rows)
}

// LastAuditEventByType returns the newest event of the given type, or
// ErrNotFound when the log has none.
func (d *Database) LastAuditEventByType(ctx context.Context, eventType string) (AuditEvent, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, ts, event_type, actor, host, action,
		       COALESCE(before, ''), COALESCE(after, ''), success, COALESCE(reason, '')
		FROM audit_events
		WHERE event_type = ?
		ORDER BY id DESC
		LIMIT 1
	`, eventType)

	e, err := scanAuditEvent(row)
	if err == sql.ErrNoRows {
		return AuditEvent{}, ErrNotFound
	}
	return e, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuditEvent(row rowScanner) (AuditEvent, error) {
	var e AuditEvent
	var success int
	if err := row.Scan(&e.ID, &e.TS, &e.EventType, &e.Actor, &e.Host, &e.Action,
		&e.Before, &e.After, &success, &e.Reason); err != nil {
		return AuditEvent{}, err
	}
	e.Success = success != 0
	return e, nil
}

func scanAuditEvents(rows *sql.Rows) ([]AuditEvent, error) {
	var events []AuditEvent
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ----------------------------------------
// Order Record Queries
// ----------------------------------------

// GetOrderRecord loads a record by idempotency key, or ErrNotFound.
func (d *Database) GetOrderRecord(ctx context.Context, key string) (OrderRecord, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT idempotency_key, correlation_id, action_kind, symbol, side,
		       requested_size, scaled_size, price_hint, COALESCE(exchange_order_id, ''),
		       status, attempts, COALESCE(last_error, ''), size_filled, avg_fill_price,
		       created_at, updated_at
		FROM order_records
		WHERE idempotency_key = ?
	`, key)

	r, err := scanOrderRecord(row)
	if err == sql.ErrNoRows {
		return OrderRecord{}, ErrNotFound
	}
	return r, err
}

// UpsertOrderRecord creates or replaces a record. The executor is the only
// writer; records are partitioned by idempotency key.
func (d *Database) UpsertOrderRecord(ctx context.Context, r OrderRecord) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO order_records (idempotency_key, correlation_id, action_kind, symbol, side,
			requested_size, scaled_size, price_hint, exchange_order_id, status, attempts,
			last_error, size_filled, avg_fill_price, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO UPDATE SET
			exchange_order_id = excluded.exchange_order_id,
			status = excluded.status,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			size_filled = excluded.size_filled,
			avg_fill_price = excluded.avg_fill_price,
			updated_at = excluded.updated_at
	`, r.IdempotencyKey, r.CorrelationID, r.ActionKind, r.Symbol, r.Side,
		r.RequestedSize, r.ScaledSize, r.PriceHint, r.ExchangeOrderID, r.Status, r.Attempts,
		r.LastError, r.SizeFilled, r.AvgFillPrice, r.CreatedAt, time.Now())
	if err != nil {
		return fmt.Errorf("upsert order record: %w", err)
	}
	return nil
}

// ListOrderRecordsByStatus returns records in any of the given statuses.
func (d *Database) ListOrderRecordsByStatus(ctx context.Context, statuses ...string) ([]OrderRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `
		SELECT idempotency_key, correlation_id, action_kind, symbol, side,
		       requested_size, scaled_size, price_hint, COALESCE(exchange_order_id, ''),
		       status, attempts, COALESCE(last_error, ''), size_filled, avg_fill_price,
		       created_at, updated_at
		FROM order_records
		WHERE status IN (?` + repeatPlaceholder(len(statuses)-1) + `)
		ORDER BY created_at
	`
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query order records: %w", err)
	}
	defer rows.Close()

	var records []OrderRecord
	for rows.Next() {
		r, err := scanOrderRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// CountOrdersByStatus returns the number of records in a status.
func (d *Database) CountOrdersByStatus(ctx context.Context, status string) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM order_records WHERE status = ?`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	return n, nil
}

func scanOrderRecord(row rowScanner) (OrderRecord, error) {
	var r OrderRecord
	err := row.Scan(&r.IdempotencyKey, &r.CorrelationID, &r.ActionKind, &r.Symbol, &r.Side,
		&r.RequestedSize, &r.ScaledSize, &r.PriceHint, &r.ExchangeOrderID,
		&r.Status, &r.Attempts, &r.LastError, &r.SizeFilled, &r.AvgFillPrice,
		&r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func repeatPlaceholder(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ", ?"
	}
	return s
}

// ----------------------------------------
// Model Version Queries
// ----------------------------------------

// InsertModelVersion registers a new version row.
func (d *Database) InsertModelVersion(ctx context.Context, m ModelVersion) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO model_versions (version_id, checksum, blob_path, status, metadata,
			promotion_metrics, comparisons, agreements, registered_at, shadow_started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.VersionID, m.Checksum, m.BlobPath, m.Status, m.Metadata,
		m.PromotionMetrics, m.Comparisons, m.Agreements, m.RegisteredAt, m.ShadowStartedAt)
	if err != nil {
		return fmt.Errorf("insert model version: %w", err)
	}
	return nil
}

// GetModelVersion loads one version, or ErrNotFound.
func (d *Database) GetModelVersion(ctx context.Context, versionID string) (ModelVersion, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT version_id, checksum, blob_path, status, COALESCE(metadata, ''),
		       COALESCE(promotion_metrics, ''), comparisons, agreements,
		       registered_at, shadow_started_at
		FROM model_versions
		WHERE version_id = ?
	`, versionID)

	m, err := scanModelVersion(row)
	if err == sql.ErrNoRows {
		return ModelVersion{}, ErrNotFound
	}
	return m, err
}

// GetModelByStatus returns the first version with a status (used for the
// single PRODUCTION holder), or ErrNotFound.
func (d *Database) GetModelByStatus(ctx context.Context, status string) (ModelVersion, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT version_id, checksum, blob_path, status, COALESCE(metadata, ''),
		       COALESCE(promotion_metrics, ''), comparisons, agreements,
		       registered_at, shadow_started_at
		FROM model_versions
		WHERE status = ?
		ORDER BY registered_at DESC
		LIMIT 1
	`, status)

	m, err := scanModelVersion(row)
	if err == sql.ErrNoRows {
		return ModelVersion{}, ErrNotFound
	}
	return m, err
}

// ListModelVersions returns every registered version, newest first.
func (d *Database) ListModelVersions(ctx context.Context) ([]ModelVersion, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT version_id, checksum, blob_path, status, COALESCE(metadata, ''),
		       COALESCE(promotion_metrics, ''), comparisons, agreements,
		       registered_at, shadow_started_at
		FROM model_versions
		ORDER BY registered_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query model versions: %w", err)
	}
	defer rows.Close()

	var versions []ModelVersion
	for rows.Next() {
		m, err := scanModelVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model version: %w", err)
		}
		versions = append(versions, m)
	}
	return versions, rows.Err()
}

// UpdateModelStatusTx flips a version's status inside a transaction.
func (d *Database) UpdateModelStatusTx(ctx context.Context, tx *sql.Tx, versionID, status string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE model_versions SET status = ? WHERE version_id = ?`, status, versionID)
	if err != nil {
		return fmt.Errorf("update model status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkShadowStarted stamps the shadow window start and flips status to SHADOW.
func (d *Database) MarkShadowStarted(ctx context.Context, versionID string, at time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE model_versions SET status = ?, shadow_started_at = ? WHERE version_id = ?
	`, ModelShadow, at, versionID)
	if err != nil {
		return fmt.Errorf("mark shadow started: %w", err)
	}
	return nil
}

// RecordComparison bumps shadow-vs-production comparison counters.
func (d *Database) RecordComparison(ctx context.Context, versionID string, agreed bool) error {
	agree := 0
	if agreed {
		agree = 1
	}
	_, err := d.DB.ExecContext(ctx, `
		UPDATE model_versions
		SET comparisons = comparisons + 1, agreements = agreements + ?
		WHERE version_id = ?
	`, agree, versionID)
	if err != nil {
		return fmt.Errorf("record comparison: %w", err)
	}
	return nil
}

// SetPromotionMetrics stores the tracked delta-vs-production metrics JSON.
func (d *Database) SetPromotionMetrics(ctx context.Context, versionID, metricsJSON string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE model_versions SET promotion_metrics = ? WHERE version_id = ?
	`, metricsJSON, versionID)
	if err != nil {
		return fmt.Errorf("set promotion metrics: %w", err)
	}
	return nil
}

func scanModelVersion(row rowScanner) (ModelVersion, error) {
	var m ModelVersion
	var shadowStarted sql.NullTime
	err := row.Scan(&m.VersionID, &m.Checksum, &m.BlobPath, &m.Status, &m.Metadata,
		&m.PromotionMetrics, &m.Comparisons, &m.Agreements, &m.RegisteredAt, &shadowStarted)
	if err != nil {
		return ModelVersion{}, err
	}
	if shadowStarted.Valid {
		t := shadowStarted.Time
		m.ShadowStartedAt = &t
	}
	return m, nil
}

// ----------------------------------------
// Position / Operator / Snapshot Queries
// ----------------------------------------

// UpsertPosition persists the net position for a symbol.
func (d *Database) UpsertPosition(ctx context.Context, p Position) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (symbol, qty, avg_price, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			qty = excluded.qty, avg_price = excluded.avg_price, updated_at = excluded.updated_at
	`, p.Symbol, p.Qty, p.AvgPrice, time.Now())
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// ListPositions returns all persisted positions.
func (d *Database) ListPositions(ctx context.Context) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT symbol, qty, avg_price FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.Symbol, &p.Qty, &p.AvgPrice); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// CreateOperator inserts an operator account.
func (d *Database) CreateOperator(ctx context.Context, op Operator) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO operators (id, name, password_hash, role, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, op.ID, op.Name, op.PasswordHash, op.Role, op.CreatedAt)
	if err != nil {
		return fmt.Errorf("create operator: %w", err)
	}
	return nil
}

// GetOperatorByName returns an operator, or ErrNotFound.
func (d *Database) GetOperatorByName(ctx context.Context, name string) (Operator, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, name, password_hash, role, created_at FROM operators WHERE name = ?
	`, name)
	var op Operator
	err := row.Scan(&op.ID, &op.Name, &op.PasswordHash, &op.Role, &op.CreatedAt)
	if err == sql.ErrNoRows {
		return Operator{}, ErrNotFound
	}
	if err != nil {
		return Operator{}, fmt.Errorf("get operator: %w", err)
	}
	return op, nil
}

// CountOperators returns the number of operator accounts.
func (d *Database) CountOperators(ctx context.Context) (int, error) {
	var n int
	if err := d.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM operators`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count operators: %w", err)
	}
	return n, nil
}

// SetSnapshot stores a key-value snapshot entry.
func (d *Database) SetSnapshot(ctx context.Context, key, value string) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO snapshots (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now())
	if err != nil {
		return fmt.Errorf("set snapshot: %w", err)
	}
	return nil
}

// GetSnapshot loads a key-value snapshot entry, or ErrNotFound.
func (d *Database) GetSnapshot(ctx context.Context, key string) (string, error) {
	var value string
	err := d.DB.QueryRowContext(ctx, `SELECT value FROM snapshots WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get snapshot: %w", err)
	}
	return value, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
