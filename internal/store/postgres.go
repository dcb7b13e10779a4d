package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records to a remote PostgreSQL database. It is the
// remote backend for deployments that centralize client telemetry.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS log_records (
	id TEXT PRIMARY KEY,
	ts TIMESTAMPTZ NOT NULL,
	payload BYTEA NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_log_records_ts ON log_records(ts);
`

// NewPostgresStore connects to the database at dsn and ensures the schema
// exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Save persists a single record, overwriting any record with the same id.
func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO log_records (id, ts, payload) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET ts = EXCLUDED.ts, payload = EXCLUDED.payload`,
		rec.ID, rec.Timestamp, rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to save record %s: %w", rec.ID, err)
	}
	return nil
}

// SaveBatch persists a batch of records inside one transaction.
func (s *PostgresStore) SaveBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, rec := range recs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO log_records (id, ts, payload) VALUES ($1, $2, $3)
			 ON CONFLICT (id) DO UPDATE SET ts = EXCLUDED.ts, payload = EXCLUDED.payload`,
			rec.ID, rec.Timestamp, rec.Payload); err != nil {
			return fmt.Errorf("failed to save record %s: %w", rec.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// Load returns up to limit records ordered oldest first.
func (s *PostgresStore) Load(ctx context.Context, limit int) ([]Record, error) {
	query := `SELECT id, ts, payload FROM log_records ORDER BY ts ASC`
	args := []interface{}{}
	if limit > 0 {
		query = `SELECT id, ts, payload FROM (
			SELECT id, ts, payload FROM log_records ORDER BY ts DESC LIMIT $1
		) newest ORDER BY ts ASC`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Delete removes a record by id.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM log_records WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete record %s: %w", id, err)
	}
	return nil
}

// Cleanup removes and returns records older than the cutoff.
func (s *PostgresStore) Cleanup(ctx context.Context, olderThan time.Time) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`DELETE FROM log_records WHERE ts < $1 RETURNING id, ts, payload`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to delete expired records: %w", err)
	}
	defer rows.Close()

	var expired []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan expired record: %w", err)
		}
		expired = append(expired, rec)
	}
	return expired, rows.Err()
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
