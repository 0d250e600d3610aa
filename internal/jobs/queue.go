// Package jobs is the durable job queue on the relational store.
//
// Claiming uses FOR UPDATE SKIP LOCKED so each PENDING job is handed to at
// most one worker; a crashed worker leaves the row PROCESSING until the
// supervisor resets it.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"engram/internal/memerr"
)

// JobTypeExtractEvents is the only job type the queue currently carries.
const JobTypeExtractEvents = "extract_events"

// Job statuses.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// Job is one queue row.
type Job struct {
	JobID            uuid.UUID
	JobType          string
	ArtifactUID      string
	RevisionID       string
	Status           string
	Attempts         int
	MaxAttempts      int
	NextRunAt        time.Time
	LockedAt         *time.Time
	LockedBy         string
	LastErrorCode    string
	LastErrorMessage string
	CreatedAt        time.Time
}

// Depth summarizes queue pressure for status reporting.
type Depth struct {
	Pending          int            `json:"pending"`
	OldestPendingAge float64        `json:"oldest_pending_age_s"`
	ByStatus         map[string]int `json:"by_status"`
}

type Queue struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

func NewQueue(pool *pgxpool.Pool, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Queue{pool: pool, maxAttempts: maxAttempts}
}

// Enqueue inserts a PENDING job, idempotent on
// (artifact_uid, revision_id, job_type); the existing or new job id is
// returned either way.
func (q *Queue) Enqueue(ctx context.Context, uid, revisionID, jobType string) (uuid.UUID, error) {
	return q.enqueue(ctx, q.pool, uid, revisionID, jobType)
}

// EnqueueTx is Enqueue inside the caller's transaction, so ingest can make
// the revision row and its extraction job atomic.
func (q *Queue) EnqueueTx(ctx context.Context, tx pgx.Tx, uid, revisionID, jobType string) (uuid.UUID, error) {
	return q.enqueue(ctx, tx, uid, revisionID, jobType)
}

type execQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (q *Queue) enqueue(ctx context.Context, db execQuerier, uid, revisionID, jobType string) (uuid.UUID, error) {
	var id uuid.UUID
	err := db.QueryRow(ctx,
		`INSERT INTO event_jobs (job_type, artifact_uid, revision_id, status, attempts, max_attempts, next_run_at)
		 VALUES ($1, $2, $3, 'PENDING', 0, $4, now())
		 ON CONFLICT (artifact_uid, revision_id, job_type) DO NOTHING
		 RETURNING job_id`, jobType, uid, revisionID, q.maxAttempts).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict path: hand back the existing job.
		err = db.QueryRow(ctx,
			`SELECT job_id FROM event_jobs
			 WHERE artifact_uid=$1 AND revision_id=$2 AND job_type=$3`,
			uid, revisionID, jobType).Scan(&id)
	}
	if err != nil {
		return uuid.Nil, memerr.Wrap(memerr.KindStorage, err, "enqueue job")
	}
	return id, nil
}

// Claim hands the oldest runnable PENDING job of jobType to workerID, or
// returns nil when the queue is empty. The select and the status flip are
// one transaction; locked rows are skipped, never waited on.
func (q *Queue) Claim(ctx context.Context, workerID, jobType string) (*Job, error) {
	var job *Job
	err := pgx.BeginFunc(ctx, q.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT job_id, job_type, artifact_uid, revision_id, status, attempts,
				max_attempts, next_run_at, created_at
			 FROM event_jobs
			 WHERE job_type = $1 AND status = 'PENDING' AND next_run_at <= now()
			 ORDER BY next_run_at
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED`, jobType)
		var j Job
		err := row.Scan(&j.JobID, &j.JobType, &j.ArtifactUID, &j.RevisionID, &j.Status,
			&j.Attempts, &j.MaxAttempts, &j.NextRunAt, &j.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE event_jobs SET status='PROCESSING', locked_by=$2, locked_at=now(),
				attempts = attempts + 1, updated_at=now()
			 WHERE job_id=$1`, j.JobID, workerID); err != nil {
			return err
		}
		j.Status = StatusProcessing
		j.Attempts++
		j.LockedBy = workerID
		job = &j
		return nil
	})
	if err != nil {
		return nil, memerr.Wrap(memerr.KindStorage, err, "claim job")
	}
	return job, nil
}

// StillHeld reports whether the job is still PROCESSING under workerID.
// Workers call this before committing results.
func (q *Queue) StillHeld(ctx context.Context, jobID uuid.UUID, workerID string) (bool, error) {
	var held bool
	err := q.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM event_jobs
			WHERE job_id=$1 AND status='PROCESSING' AND locked_by=$2)`,
		jobID, workerID).Scan(&held)
	if err != nil {
		return false, memerr.Wrap(memerr.KindStorage, err, "check claim")
	}
	return held, nil
}

// Succeed marks a job DONE and releases its lock.
func (q *Queue) Succeed(ctx context.Context, jobID uuid.UUID) error {
	_, err := q.pool.Exec(ctx,
		`UPDATE event_jobs SET status='DONE', locked_by=NULL, locked_at=NULL,
			last_error_code=NULL, last_error_message=NULL, updated_at=now()
		 WHERE job_id=$1`, jobID)
	return memerr.Wrap(memerr.KindStorage, err, "mark job done")
}

// Backoff is the retry delay after the given attempt count.
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 20 {
		attempts = 20
	}
	secs := 30 * (1 << attempts)
	if secs > 600 {
		secs = 600
	}
	return time.Duration(secs) * time.Second
}

// Fail records an error on the job. Retryable failures under the attempt
// budget go back to PENDING with exponential backoff; everything else is
// terminal.
func (q *Queue) Fail(ctx context.Context, jobID uuid.UUID, errorCode, errorMessage string, retry bool) error {
	var attempts, maxAttempts int
	err := q.pool.QueryRow(ctx,
		`SELECT attempts, max_attempts FROM event_jobs WHERE job_id=$1`,
		jobID).Scan(&attempts, &maxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return memerr.New(memerr.KindNotFound, "job %s", jobID)
	}
	if err != nil {
		return memerr.Wrap(memerr.KindStorage, err, "load job for fail")
	}
	if retry && attempts < maxAttempts {
		delay := Backoff(attempts)
		_, err = q.pool.Exec(ctx,
			`UPDATE event_jobs SET status='PENDING', locked_by=NULL, locked_at=NULL,
				next_run_at = now() + make_interval(secs => $2),
				last_error_code=$3, last_error_message=$4, updated_at=now()
			 WHERE job_id=$1`, jobID, delay.Seconds(), errorCode, errorMessage)
		log.Info().Str("job_id", jobID.String()).Int("attempts", attempts).
			Dur("backoff", delay).Str("error_code", errorCode).Msg("job_retry_scheduled")
	} else {
		_, err = q.pool.Exec(ctx,
			`UPDATE event_jobs SET status='FAILED', locked_by=NULL, locked_at=NULL,
				last_error_code=$2, last_error_message=$3, updated_at=now()
			 WHERE job_id=$1`, jobID, errorCode, errorMessage)
		log.Warn().Str("job_id", jobID.String()).Int("attempts", attempts).
			Str("error_code", errorCode).Msg("job_failed_terminal")
	}
	return memerr.Wrap(memerr.KindStorage, err, "mark job failed")
}

// ResetStuck moves PROCESSING rows whose lock is older than threshold back
// to PENDING so another worker can pick them up.
func (q *Queue) ResetStuck(ctx context.Context, threshold time.Duration) (int, error) {
	tag, err := q.pool.Exec(ctx,
		`UPDATE event_jobs SET status='PENDING', locked_by=NULL, locked_at=NULL,
			next_run_at=now(), updated_at=now()
		 WHERE status='PROCESSING' AND locked_at < now() - make_interval(secs => $1)`,
		threshold.Seconds())
	if err != nil {
		return 0, memerr.Wrap(memerr.KindStorage, err, "reset stuck jobs")
	}
	return int(tag.RowsAffected()), nil
}

// QueueDepth reports pending pressure and per-status counts for jobType.
func (q *Queue) QueueDepth(ctx context.Context, jobType string) (Depth, error) {
	depth := Depth{ByStatus: map[string]int{}}
	rows, err := q.pool.Query(ctx,
		`SELECT status, count(*) FROM event_jobs WHERE job_type=$1 GROUP BY status`, jobType)
	if err != nil {
		return depth, memerr.Wrap(memerr.KindStorage, err, "queue depth")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return depth, memerr.Wrap(memerr.KindStorage, err, "scan depth")
		}
		depth.ByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return depth, memerr.Wrap(memerr.KindStorage, err, "scan depth")
	}
	depth.Pending = depth.ByStatus[StatusPending]
	if depth.Pending > 0 {
		var oldest time.Time
		err := q.pool.QueryRow(ctx,
			`SELECT min(next_run_at) FROM event_jobs WHERE job_type=$1 AND status='PENDING'`,
			jobType).Scan(&oldest)
		if err == nil {
			if age := time.Since(oldest).Seconds(); age > 0 {
				depth.OldestPendingAge = age
			}
		}
	}
	return depth, nil
}
