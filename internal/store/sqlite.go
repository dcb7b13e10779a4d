package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore persists records to a local SQLite database. It is the
// persistent local backend, replacing the web client's key-per-entry
// localStorage layout with a single table keyed by id.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS log_records (
	id TEXT PRIMARY KEY,
	ts INTEGER NOT NULL,
	payload BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_log_records_ts ON log_records(ts);
`

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

// newSQLiteStoreWithDB wires an existing handle; used by tests with sqlmock.
func newSQLiteStoreWithDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Save persists a single record, overwriting any record with the same id.
func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO log_records (id, ts, payload) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET ts = excluded.ts, payload = excluded.payload`,
		rec.ID, rec.Timestamp.UnixMilli(), rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to save record %s: %w", rec.ID, err)
	}
	return nil
}

// SaveBatch persists a batch of records inside one transaction.
func (s *SQLiteStore) SaveBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO log_records (id, ts, payload) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET ts = excluded.ts, payload = excluded.payload`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx, rec.ID, rec.Timestamp.UnixMilli(), rec.Payload); err != nil {
			return fmt.Errorf("failed to save record %s: %w", rec.ID, err)
		}
	}

	return tx.Commit()
}

// Load returns up to limit records ordered oldest first.
func (s *SQLiteStore) Load(ctx context.Context, limit int) ([]Record, error) {
	query := `SELECT id, ts, payload FROM log_records ORDER BY ts ASC`
	args := []interface{}{}
	if limit > 0 {
		// Keep the newest records when limiting.
		query = `SELECT id, ts, payload FROM (
			SELECT id, ts, payload FROM log_records ORDER BY ts DESC LIMIT ?
		) ORDER BY ts ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

// Delete removes a record by id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM log_records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete record %s: %w", id, err)
	}
	return nil
}

// Cleanup removes and returns records older than the cutoff.
func (s *SQLiteStore) Cleanup(ctx context.Context, olderThan time.Time) ([]Record, error) {
	cutoff := olderThan.UnixMilli()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, payload FROM log_records WHERE ts < ? ORDER BY ts ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired records: %w", err)
	}
	expired, err := scanRecords(rows)
	_ = rows.Close()
	if err != nil {
		return nil, err
	}

	if len(expired) > 0 {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM log_records WHERE ts < ?`, cutoff); err != nil {
			return nil, fmt.Errorf("failed to delete expired records: %w", err)
		}
	}
	return expired, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var recs []Record
	for rows.Next() {
		var (
			rec Record
			ts  int64
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.Timestamp = time.UnixMilli(ts)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
