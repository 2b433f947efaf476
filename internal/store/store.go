// Package store persists signed entitlements, the billing event log and the
// revocation list in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	svcerrors "github.com/rcourtman/pulse-entitlements/internal/errors"
	"github.com/rcourtman/pulse-entitlements/pkg/entitlements"
)

// DefaultHistoryLimit caps History when the caller passes no limit.
const DefaultHistoryLimit = 100

var nowFn = func() time.Time { return time.Now().UTC() }

// Store provides entitlement persistence backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open entitlements db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entitlements (
		id         TEXT PRIMARY KEY,
		app_id     TEXT NOT NULL,
		subject    TEXT NOT NULL,
		signature  TEXT NOT NULL,
		mode       TEXT NOT NULL,
		token      TEXT NOT NULL,
		source     TEXT NOT NULL,
		event_id   TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entitlements_subject ON entitlements(app_id, subject);
	CREATE INDEX IF NOT EXISTS idx_entitlements_signature ON entitlements(signature);

	CREATE TABLE IF NOT EXISTS billing_events (
		event_id        TEXT PRIMARY KEY,
		event_type      TEXT NOT NULL,
		sku             TEXT NOT NULL,
		app_id          TEXT NOT NULL,
		subject         TEXT NOT NULL,
		customer_email  TEXT NOT NULL DEFAULT '',
		github_username TEXT NOT NULL DEFAULT '',
		customer_id     TEXT NOT NULL DEFAULT '',
		bundle_id       TEXT NOT NULL DEFAULT '',
		entitlement_id  TEXT NOT NULL,
		processed_at    INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS revocations (
		signature  TEXT PRIMARY KEY,
		id         TEXT NOT NULL,
		reason     TEXT NOT NULL DEFAULT '',
		revoked_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init entitlements schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveIssued appends an administratively issued record.
func (s *Store) SaveIssued(ctx context.Context, rec *Record) error {
	if rec == nil {
		return svcerrors.WrapValidation("store.save_issued", fmt.Errorf("record is nil"))
	}
	if err := insertRecord(ctx, s.db, rec); err != nil {
		return svcerrors.WrapInternal("store.save_issued", err)
	}
	return nil
}

// ApplyBillingEvent appends rec and logs ev in one transaction. An event id
// that was already processed yields an ErrConflict error and writes nothing.
func (s *Store) ApplyBillingEvent(ctx context.Context, rec *Record, ev *BillingEvent) error {
	const op = "store.apply_billing_event"
	if rec == nil || ev == nil {
		return svcerrors.WrapValidation(op, fmt.Errorf("record and event are required"))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return svcerrors.WrapInternal(op, fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM billing_events WHERE event_id = ?`, ev.EventID).Scan(&exists)
	switch {
	case err == nil:
		return svcerrors.WrapConflict(op, fmt.Errorf("event %q already processed", ev.EventID))
	case !errors.Is(err, sql.ErrNoRows):
		return svcerrors.WrapInternal(op, fmt.Errorf("lookup event: %w", err))
	}

	if err := insertRecord(ctx, tx, rec); err != nil {
		return svcerrors.WrapInternal(op, err)
	}

	ev.EntitlementID = rec.ID
	if ev.ProcessedAt.IsZero() {
		ev.ProcessedAt = rec.CreatedAt
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO billing_events (
			event_id, event_type, sku, app_id, subject,
			customer_email, github_username, customer_id, bundle_id,
			entitlement_id, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.EventType, ev.SKU, ev.AppID, ev.Subject,
		ev.CustomerEmail, ev.GithubUsername, ev.CustomerID, ev.BundleID,
		ev.EntitlementID, ev.ProcessedAt.UnixMilli(),
	)
	if err != nil {
		return svcerrors.WrapInternal(op, fmt.Errorf("insert event: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return svcerrors.WrapInternal(op, fmt.Errorf("commit: %w", err))
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRecord(ctx context.Context, db execer, rec *Record) error {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = nowFn()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO entitlements (
			id, app_id, subject, signature, mode, token, source, event_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AppID, rec.Subject, rec.Signature, string(rec.Mode),
		rec.Token, string(rec.Source), rec.EventID, rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert entitlement: %w", err)
	}
	return nil
}

const recordColumns = `id, app_id, subject, signature, mode, token, source, event_id, created_at`

// Current returns the newest record for (appID, subject), or nil when none
// exists.
func (s *Store) Current(ctx context.Context, appID, subject string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+`
		FROM entitlements WHERE app_id = ? AND subject = ?
		ORDER BY rowid DESC LIMIT 1`, appID, subject)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, svcerrors.NewServiceError(svcerrors.ErrorTypeInternal, "store.current", err).WithSubject(appID + "/" + subject)
	}
	return rec, nil
}

// Get returns the record with id, or nil when none exists.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM entitlements WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, svcerrors.WrapInternal("store.get", err)
	}
	return rec, nil
}

// History returns up to limit records for (appID, subject), newest first.
func (s *Store) History(ctx context.Context, appID, subject string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+`
		FROM entitlements WHERE app_id = ? AND subject = ?
		ORDER BY rowid DESC LIMIT ?`, appID, subject, limit)
	if err != nil {
		return nil, svcerrors.WrapInternal("store.history", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, svcerrors.WrapInternal("store.history", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, svcerrors.WrapInternal("store.history", err)
	}
	return out, nil
}

// EventProcessed returns the log entry for eventID, or nil when the event has
// not been processed.
func (s *Store) EventProcessed(ctx context.Context, eventID string) (*BillingEvent, error) {
	var ev BillingEvent
	var processedAt int64
	err := s.db.QueryRowContext(ctx, `SELECT
		event_id, event_type, sku, app_id, subject,
		customer_email, github_username, customer_id, bundle_id,
		entitlement_id, processed_at
		FROM billing_events WHERE event_id = ?`, eventID).Scan(
		&ev.EventID, &ev.EventType, &ev.SKU, &ev.AppID, &ev.Subject,
		&ev.CustomerEmail, &ev.GithubUsername, &ev.CustomerID, &ev.BundleID,
		&ev.EntitlementID, &processedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, svcerrors.WrapInternal("store.event_processed", err)
	}
	ev.ProcessedAt = time.UnixMilli(processedAt).UTC()
	return &ev, nil
}

// Revoke adds signature to the revocation list. Revoking an already revoked
// signature returns the existing entry.
func (s *Store) Revoke(ctx context.Context, signature, reason string) (*Revocation, error) {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return nil, svcerrors.WrapValidation("store.revoke", fmt.Errorf("signature is required"))
	}

	rev := &Revocation{
		ID:        NewID(),
		Signature: signature,
		Reason:    strings.TrimSpace(reason),
		RevokedAt: nowFn(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revocations (signature, id, reason, revoked_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(signature) DO NOTHING`,
		rev.Signature, rev.ID, rev.Reason, rev.RevokedAt.UnixMilli(),
	)
	if err != nil {
		return nil, svcerrors.WrapInternal("store.revoke", err)
	}

	var revokedAt int64
	err = s.db.QueryRowContext(ctx, `SELECT id, reason, revoked_at FROM revocations WHERE signature = ?`, signature).
		Scan(&rev.ID, &rev.Reason, &revokedAt)
	if err != nil {
		return nil, svcerrors.WrapInternal("store.revoke", err)
	}
	rev.RevokedAt = time.UnixMilli(revokedAt).UTC()
	return rev, nil
}

// RevokedSignatures returns every revoked signature.
func (s *Store) RevokedSignatures(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT signature FROM revocations ORDER BY revoked_at`)
	if err != nil {
		return nil, svcerrors.WrapInternal("store.revoked_signatures", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sig string
		if err := rows.Scan(&sig); err != nil {
			return nil, svcerrors.WrapInternal("store.revoked_signatures", err)
		}
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, svcerrors.WrapInternal("store.revoked_signatures", err)
	}
	return out, nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var rec Record
	var mode, source string
	var createdAt int64

	err := s.Scan(
		&rec.ID, &rec.AppID, &rec.Subject, &rec.Signature, &mode,
		&rec.Token, &source, &rec.EventID, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan entitlement: %w", err)
	}

	rec.Mode = entitlements.PlanMode(mode)
	rec.Source = Source(source)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &rec, nil
}
