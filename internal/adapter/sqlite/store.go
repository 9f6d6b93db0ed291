// Package sqlite keeps a local history of detection outcomes so verdicts can
// be listed per field without replaying the sink topic.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/couchcryptid/crop-pest-detector/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MaxListLimit caps ListByField.
const MaxListLimit = 500

// Store persists detection outcomes. It implements pipeline.BatchLoader.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("detection history store ready", "path", path)
	return &Store{db: db, logger: logger}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	// m is not closed: closing it would close db.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// LoadBatch upserts the outcomes in one transaction. A replayed request
// overwrites its previous row.
func (s *Store) LoadBatch(ctx context.Context, outcomes []domain.DetectionOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO detections (id, field_id, status, pest_detected, fraction, evaluated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			field_id = excluded.field_id,
			status = excluded.status,
			pest_detected = excluded.pest_detected,
			fraction = excluded.fraction,
			evaluated_at = excluded.evaluated_at,
			payload = excluded.payload`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, o := range outcomes {
		payload, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("serialize outcome %s: %w", o.ID, err)
		}
		var fraction any
		if o.Result.Fraction != nil {
			fraction = *o.Result.Fraction
		}
		if _, err := stmt.ExecContext(ctx, o.ID, o.FieldID, o.Status, o.Result.PestDetected,
			fraction, o.EvaluatedAt.UnixNano(), string(payload)); err != nil {
			return fmt.Errorf("insert outcome %s: %w", o.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit outcomes: %w", err)
	}
	s.logger.Debug("outcomes stored", "count", len(outcomes))
	return nil
}

// ListByField returns up to limit outcomes for a field, newest first.
func (s *Store) ListByField(ctx context.Context, fieldID string, limit int) ([]domain.DetectionOutcome, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM detections
		WHERE field_id = ?
		ORDER BY evaluated_at DESC, id
		LIMIT ?`, fieldID, limit)
	if err != nil {
		return nil, fmt.Errorf("query detections: %w", err)
	}
	defer rows.Close()

	out := make([]domain.DetectionOutcome, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		var o domain.DetectionOutcome
		if err := json.Unmarshal([]byte(payload), &o); err != nil {
			return nil, fmt.Errorf("decode detection: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CheckReadiness pings the database.
func (s *Store) CheckReadiness(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
