package db

import (
	"context"
	"database/sql"
	"time"
)

// Job is a persisted unit of work in the at-least-once queue.
type Job struct {
	ID        string
	Kind      string
	Queue     string
	Payload   []byte
	Attempt   int
	NextRunAt time.Time
	CreatedAt time.Time
}

// EnqueueJob persists a job for later execution.
func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO jobs (id, kind, queue, payload, attempt, next_run_at, created_at)
		     VALUES (?, ?, ?, ?, ?, ?, ?)`),
		job.ID, job.Kind, job.Queue, string(job.Payload), job.Attempt,
		job.NextRunAt.Unix(), job.CreatedAt.Unix())
	return storage(err)
}

// ClaimJob leases the next runnable job on a queue. Returns nil when the queue
// is idle. Claiming is optimistic: the UPDATE only wins when the lease column
// is still in the state the SELECT observed, so two workers never hold the
// same job.
func (s *Store) ClaimJob(ctx context.Context, queue string, lease time.Duration) (*Job, error) {
	now := time.Now()

	var job Job
	var payload string
	var nextRun, createdAt int64
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT id, kind, queue, payload, attempt, next_run_at, created_at
		     FROM jobs
		     WHERE queue = ? AND next_run_at <= ? AND (lease_until IS NULL OR lease_until < ?)
		     ORDER BY next_run_at
		     LIMIT 1`),
		queue, now.Unix(), now.Unix()).
		Scan(&job.ID, &job.Kind, &job.Queue, &payload, &job.Attempt, &nextRun, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storage(err)
	}

	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE jobs SET lease_until = ? WHERE id = ? AND (lease_until IS NULL OR lease_until < ?)`),
		now.Add(lease).Unix(), job.ID, now.Unix())
	if err != nil {
		return nil, storage(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, storage(err)
	}
	if n == 0 {
		// Another worker claimed it between the SELECT and the UPDATE.
		return nil, nil
	}

	job.Payload = []byte(payload)
	job.NextRunAt = time.Unix(nextRun, 0)
	job.CreatedAt = time.Unix(createdAt, 0)
	return &job, nil
}

// RenewJobLease extends a running job's lease.
func (s *Store) RenewJobLease(ctx context.Context, id string, lease time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE jobs SET lease_until = ? WHERE id = ?`),
		time.Now().Add(lease).Unix(), id)
	return storage(err)
}

// DeleteJob removes a completed (or dead-lettered) job.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM jobs WHERE id = ?`), id)
	return storage(err)
}

// RescheduleJob releases a job back to the queue with a new attempt count and
// run time.
func (s *Store) RescheduleJob(ctx context.Context, id string, attempt int, nextRunAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE jobs SET attempt = ?, next_run_at = ?, lease_until = NULL WHERE id = ?`),
		attempt, nextRunAt.Unix(), id)
	return storage(err)
}
