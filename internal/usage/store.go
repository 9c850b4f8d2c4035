package usage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS delivery_usage (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id    TEXT NOT NULL,
    job_id        TEXT NOT NULL,
    job_type      TEXT NOT NULL,
    attempt       INTEGER NOT NULL DEFAULT 0,
    outcome       TEXT NOT NULL,
    job_status    TEXT NOT NULL DEFAULT '',
    started_at    TEXT NOT NULL,
    completed_at  TEXT NOT NULL,
    duration_ms   INTEGER NOT NULL,
    error_message TEXT NOT NULL DEFAULT '',
    worker_id     TEXT NOT NULL DEFAULT '',
    synced        INTEGER NOT NULL DEFAULT 0,
    created_at    TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE (message_id, started_at)
);
CREATE INDEX IF NOT EXISTS idx_delivery_usage_synced ON delivery_usage(synced) WHERE synced = 0;
CREATE INDEX IF NOT EXISTS idx_delivery_usage_job ON delivery_usage(job_id);
`

// Store is the local SQLite journal of deliveries.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the journal at dbPath and runs migrations.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}

	// Enable WAL mode for concurrent reads during sync
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Insert stores a record. A repeated (message, start time) pair is ignored.
func (s *Store) Insert(r DeliveryRecord) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO delivery_usage (
			message_id, job_id, job_type, attempt, outcome, job_status,
			started_at, completed_at, duration_ms,
			error_message, worker_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.MessageID, r.JobID, r.JobType, r.Attempt, r.Outcome, r.JobStatus,
		r.StartedAt.UTC().Format(time.RFC3339Nano), r.CompletedAt.UTC().Format(time.RFC3339Nano), r.DurationMs,
		r.ErrorMessage, r.WorkerID,
	)
	if err != nil {
		return fmt.Errorf("insert delivery record: %w", err)
	}
	return nil
}

// QueryUnsynced returns up to limit records that have not been synced.
func (s *Store) QueryUnsynced(limit int) ([]DeliveryRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, message_id, job_id, job_type, attempt, outcome, job_status,
		       started_at, completed_at, duration_ms,
		       error_message, worker_id
		FROM delivery_usage
		WHERE synced = 0
		ORDER BY id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unsynced: %w", err)
	}
	defer rows.Close()

	var records []DeliveryRecord
	for rows.Next() {
		var r DeliveryRecord
		var startedAt, completedAt string
		if err := rows.Scan(
			&r.ID, &r.MessageID, &r.JobID, &r.JobType, &r.Attempt, &r.Outcome, &r.JobStatus,
			&startedAt, &completedAt, &r.DurationMs,
			&r.ErrorMessage, &r.WorkerID,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			r.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, completedAt); err == nil {
			r.CompletedAt = t
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// MarkSynced sets the synced flag to 1 for the given record IDs.
func (s *Store) MarkSynced(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("UPDATE delivery_usage SET synced = 1 WHERE id = ?")
	if err != nil {
		return fmt.Errorf("prepare update: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			return fmt.Errorf("mark synced id=%d: %w", id, err)
		}
	}

	return tx.Commit()
}

// CountByOutcome returns how many deliveries ended with each outcome.
func (s *Store) CountByOutcome() (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT outcome, COUNT(*) FROM delivery_usage GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("count by outcome: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var outcome string
		var n int64
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out[outcome] = n
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
