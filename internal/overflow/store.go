// Package overflow persists requests that were rejected for concurrency
// saturation and replays them when capacity returns.
//
// The queue is a single SQLite table in WAL mode. FIFO order is by enqueue
// time; idempotency across restarts comes from a UNIQUE index on the
// client-supplied request id.
package overflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

// Job states.
const (
	StateQueued   = "queued"
	StateInFlight = "in_flight"
)

// Job is one parked request.
type Job struct {
	JobID       string
	RequestID   string
	APIKey      string
	PayloadJSON []byte
	EnqueuedAt  time.Time
	Attempts    int
	State       string
}

// Store is the SQLite-backed overflow queue.
type Store struct {
	db *sql.DB

	enqueueStmt *sql.Stmt
	nextStmt    *sql.Stmt
	doneStmt    *sql.Stmt
	requeueStmt *sql.Stmt
	depthStmt   *sql.Stmt
}

// Open opens (creating if needed) the overflow database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("overflow: db path cannot be empty")
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("overflow: open database: %w", err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.prepare(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS overflow_jobs (
			job_id          TEXT PRIMARY KEY,
			request_id      TEXT NOT NULL UNIQUE,
			api_key         TEXT NOT NULL,
			payload_json    BLOB NOT NULL,
			enqueued_at     INTEGER NOT NULL,
			attempts        INTEGER NOT NULL DEFAULT 0,
			next_attempt_at INTEGER NOT NULL DEFAULT 0,
			state           TEXT NOT NULL DEFAULT 'queued'
		);
		CREATE INDEX IF NOT EXISTS idx_overflow_fifo
			ON overflow_jobs (state, next_attempt_at, enqueued_at);
	`)
	if err != nil {
		return fmt.Errorf("overflow: init schema: %w", err)
	}
	return nil
}

func (s *Store) prepare() error {
	var err error
	if s.enqueueStmt, err = s.db.Prepare(`
		INSERT INTO overflow_jobs (job_id, request_id, api_key, payload_json, enqueued_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO NOTHING
	`); err != nil {
		return fmt.Errorf("overflow: prepare enqueue: %w", err)
	}
	if s.nextStmt, err = s.db.Prepare(`
		SELECT job_id, request_id, api_key, payload_json, enqueued_at, attempts
		FROM overflow_jobs
		WHERE state = 'queued' AND next_attempt_at <= ?
		ORDER BY enqueued_at ASC
		LIMIT 1
	`); err != nil {
		return fmt.Errorf("overflow: prepare next: %w", err)
	}
	if s.doneStmt, err = s.db.Prepare(`
		DELETE FROM overflow_jobs WHERE job_id = ?
	`); err != nil {
		return fmt.Errorf("overflow: prepare done: %w", err)
	}
	if s.requeueStmt, err = s.db.Prepare(`
		UPDATE overflow_jobs
		SET state = 'queued', attempts = ?, next_attempt_at = ?
		WHERE job_id = ?
	`); err != nil {
		return fmt.Errorf("overflow: prepare requeue: %w", err)
	}
	if s.depthStmt, err = s.db.Prepare(`
		SELECT COUNT(*) FROM overflow_jobs
	`); err != nil {
		return fmt.Errorf("overflow: prepare depth: %w", err)
	}
	return nil
}

// Enqueue parks a request. Returns the job id and whether a new row was
// created; a duplicate request_id returns the existing job's id with
// created=false.
func (s *Store) Enqueue(ctx context.Context, requestID, apiKey string, payload []byte) (jobID string, created bool, err error) {
	jobID = uuid.NewString()
	res, err := s.enqueueStmt.ExecContext(ctx,
		jobID, requestID, apiKey, payload, time.Now().UnixMilli())
	if err != nil {
		return "", false, fmt.Errorf("overflow: enqueue: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return jobID, true, nil
	}

	// Conflict: hand back the already-queued job for this request_id.
	var existing string
	err = s.db.QueryRowContext(ctx,
		`SELECT job_id FROM overflow_jobs WHERE request_id = ?`, requestID).Scan(&existing)
	if err != nil {
		return "", false, fmt.Errorf("overflow: lookup duplicate: %w", err)
	}
	return existing, false, nil
}

// NextPending claims the oldest due job, marking it in_flight. Returns nil
// when the queue has nothing ready.
func (s *Store) NextPending(ctx context.Context) (*Job, error) {
	var (
		j          Job
		enqueuedMs int64
	)
	err := s.nextStmt.QueryRowContext(ctx, time.Now().UnixMilli()).Scan(
		&j.JobID, &j.RequestID, &j.APIKey, &j.PayloadJSON, &enqueuedMs, &j.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("overflow: next pending: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE overflow_jobs SET state = 'in_flight' WHERE job_id = ?`, j.JobID); err != nil {
		return nil, fmt.Errorf("overflow: claim job: %w", err)
	}

	j.EnqueuedAt = time.UnixMilli(enqueuedMs)
	j.State = StateInFlight
	return &j, nil
}

// MarkDone removes a completed job.
func (s *Store) MarkDone(ctx context.Context, jobID string) error {
	if _, err := s.doneStmt.ExecContext(ctx, jobID); err != nil {
		return fmt.Errorf("overflow: mark done: %w", err)
	}
	return nil
}

// MarkFailed requeues a failed job with backoff, or drops it once attempts
// reaches maxAttempts. Reports whether the job was dropped.
func (s *Store) MarkFailed(ctx context.Context, job *Job, maxAttempts int, backoff time.Duration) (dropped bool, err error) {
	attempts := job.Attempts + 1
	if attempts >= maxAttempts {
		if err := s.MarkDone(ctx, job.JobID); err != nil {
			return false, err
		}
		return true, nil
	}

	next := time.Now().Add(requeueDelay(attempts, backoff)).UnixMilli()
	if _, err := s.requeueStmt.ExecContext(ctx, attempts, next, job.JobID); err != nil {
		return false, fmt.Errorf("overflow: requeue: %w", err)
	}
	return false, nil
}

// maxRequeueDelay caps the exponential retry backoff so a long-failing job
// still gets a periodic replay.
const maxRequeueDelay = 10 * time.Minute

// requeueDelay doubles the base backoff for each failed attempt.
func requeueDelay(attempts int, backoff time.Duration) time.Duration {
	delay := backoff
	for i := 1; i < attempts && delay < maxRequeueDelay; i++ {
		delay *= 2
	}
	if delay > maxRequeueDelay {
		delay = maxRequeueDelay
	}
	return delay
}

// Requeue returns a claimed job to the queue with its attempt counter
// unchanged. Used when admission denies a replay: no capacity is not a
// failed attempt.
func (s *Store) Requeue(ctx context.Context, job *Job) error {
	if _, err := s.requeueStmt.ExecContext(ctx, job.Attempts, time.Now().UnixMilli(), job.JobID); err != nil {
		return fmt.Errorf("overflow: requeue: %w", err)
	}
	return nil
}

// Depth returns the total number of jobs in the queue.
func (s *Store) Depth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.depthStmt.QueryRowContext(ctx).Scan(&n); err != nil {
		return 0, fmt.Errorf("overflow: depth: %w", err)
	}
	return n, nil
}

// RecoverInFlight requeues jobs left in_flight by a previous process. Call
// once at startup before the drainer begins.
func (s *Store) RecoverInFlight(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE overflow_jobs SET state = 'queued' WHERE state = 'in_flight'`)
	if err != nil {
		return 0, fmt.Errorf("overflow: recover: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}
