package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/sgerhart/flowguard/internal/model"
)

const createAuditTable = `
CREATE TABLE IF NOT EXISTS audit_records (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	payload    JSONB NOT NULL
)`

// PostgresSink writes audit records to a Postgres table. Records are
// insert-only; the engine never updates or deletes rows.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink opens the database and ensures the table exists.
func NewPostgresSink(dsn string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.Exec(createAuditTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}
	return &PostgresSink{db: db}, nil
}

func (s *PostgresSink) Write(ctx context.Context, rec model.AuditRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_records (id, kind, recorded_at, payload) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, string(rec.Kind), rec.Timestamp, payload)
	return err
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Close() error { return s.db.Close() }
