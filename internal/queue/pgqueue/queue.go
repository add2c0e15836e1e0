package pgqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wagate/internal/domain"
	"wagate/internal/observability"
	"wagate/internal/util"
)

const (
	Scheduler = "scheduler"
	Broadcast = "broadcast"
	Webhook   = "webhook"
)

// Names lists every queue the gateway runs.
var Names = []string{Scheduler, Broadcast, Webhook}

const (
	DefaultPriority    = 5
	DefaultMaxAttempts = 3
	DefaultBackoff     = 5 * time.Second
	DefaultStaleAfter  = 15 * time.Minute
)

type State string

const (
	Waiting   State = "waiting"
	Active    State = "active"
	Completed State = "completed"
	Failed    State = "failed"
)

type Job struct {
	ID           string
	Queue        string
	Instance     string
	Payload      json.RawMessage
	Priority     int
	Delay        time.Duration
	MaxAttempts  int
	Backoff      time.Duration
	AttemptsMade int
	State        State
	Progress     int
	LastError    string
	RunAt        time.Time
	CreatedAt    time.Time
}

// Attempt is the 1-based number of the run in progress.
func (j *Job) Attempt() int { return j.AttemptsMade + 1 }

// FinalAttempt reports whether a failure of the current run exhausts the job.
func (j *Job) FinalAttempt() bool { return j.Attempt() >= j.MaxAttempts }

func (j *Job) Decode(v any) error { return json.Unmarshal(j.Payload, v) }

type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
	Total     int `json:"total"`
}

// Queue is a durable at-least-once job queue on a single Postgres table.
// Claims use FOR UPDATE SKIP LOCKED so any number of workers can share it.
type Queue struct {
	DB         *pgxpool.Pool
	StaleAfter time.Duration
	Now        func() time.Time
}

func New(db *pgxpool.Pool, staleAfter time.Duration) *Queue {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Queue{DB: db, StaleAfter: staleAfter, Now: util.NowUTC}
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return util.NowUTC()
}

// Add enqueues a job. A job whose ID already exists is left untouched and its
// ID is returned.
func (q *Queue) Add(ctx context.Context, queue string, j Job) (string, error) {
	if j.ID == "" {
		j.ID = util.NewJobID()
	}
	if j.Priority <= 0 {
		j.Priority = DefaultPriority
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = DefaultMaxAttempts
	}
	if j.Backoff <= 0 {
		j.Backoff = DefaultBackoff
	}
	if len(j.Payload) == 0 {
		j.Payload = json.RawMessage(`{}`)
	}
	if j.Delay < 0 {
		j.Delay = 0
	}
	now := q.now()
	_, err := q.DB.Exec(ctx, `
		INSERT INTO jobs (id, queue, instance_name, payload, priority, state, max_attempts, backoff_ms, run_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,'waiting',$6,$7,$8,$9,$9)
		ON CONFLICT (id) DO NOTHING
	`, j.ID, queue, nullIfEmpty(j.Instance), []byte(j.Payload), j.Priority, j.MaxAttempts, j.Backoff.Milliseconds(), now.Add(j.Delay), now)
	if err != nil {
		observability.Enqueues.WithLabelValues(queue, "error").Inc()
		return "", err
	}
	observability.Enqueues.WithLabelValues(queue, "ok").Inc()
	return j.ID, nil
}

// Claim moves up to n due jobs to active, highest priority first. Active jobs
// whose lease went stale are claimed again.
func (q *Queue) Claim(ctx context.Context, queue string, n int) ([]*Job, error) {
	if n <= 0 {
		return nil, nil
	}
	now := q.now()
	rows, err := q.DB.Query(ctx, `
		UPDATE jobs SET state='active', updated_at=$2
		WHERE id IN (
			SELECT id FROM jobs
			WHERE queue=$1
			  AND ((state='waiting' AND run_at <= $2) OR (state='active' AND updated_at < $3))
			ORDER BY priority ASC, run_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, queue, COALESCE(instance_name,''), payload, priority, max_attempts, backoff_ms,
		          attempts_made, progress, COALESCE(last_error,''), run_at, created_at
	`, queue, now, now.Add(-q.StaleAfter), n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j := &Job{State: Active}
		var payload []byte
		var backoffMs int64
		if err := rows.Scan(&j.ID, &j.Queue, &j.Instance, &payload, &j.Priority, &j.MaxAttempts, &backoffMs,
			&j.AttemptsMade, &j.Progress, &j.LastError, &j.RunAt, &j.CreatedAt); err != nil {
			return nil, err
		}
		j.Payload = payload
		j.Backoff = time.Duration(backoffMs) * time.Millisecond
		out = append(out, j)
	}
	return out, rows.Err()
}

func (q *Queue) Complete(ctx context.Context, id string, result domain.Outcome) error {
	now := q.now()
	_, err := q.DB.Exec(ctx, `
		UPDATE jobs SET state='completed', result=$2, updated_at=$3, finished_at=$3,
			progress = CASE WHEN $2='done' THEN 100 ELSE progress END
		WHERE id=$1 AND state='active'
	`, id, string(result), now)
	return err
}

// Fail records a failed run. The job is rescheduled after backoff·2^(n-1),
// n being the attempts made so far, or marked failed once attempts run out;
// final reports the latter.
func (q *Queue) Fail(ctx context.Context, id string, cause error) (final bool, err error) {
	now := q.now()
	var state string
	err = q.DB.QueryRow(ctx, `
		UPDATE jobs SET
			attempts_made = attempts_made + 1,
			last_error = $2,
			updated_at = $3,
			state = CASE WHEN attempts_made + 1 >= max_attempts THEN 'failed' ELSE 'waiting' END,
			run_at = CASE WHEN attempts_made + 1 >= max_attempts THEN run_at
			         ELSE $3 + (backoff_ms * power(2, attempts_made)) * interval '1 millisecond' END,
			finished_at = CASE WHEN attempts_made + 1 >= max_attempts THEN $3 ELSE NULL END
		WHERE id=$1 AND state='active'
		RETURNING state
	`, id, errString(cause), now).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// removed while running
			return false, nil
		}
		return false, err
	}
	return state == string(Failed), nil
}

// FailNow marks an active job failed without further attempts.
func (q *Queue) FailNow(ctx context.Context, id string, cause error) error {
	now := q.now()
	_, err := q.DB.Exec(ctx, `
		UPDATE jobs SET state='failed', attempts_made=attempts_made+1, last_error=$2, updated_at=$3, finished_at=$3
		WHERE id=$1 AND state='active'
	`, id, errString(cause), now)
	return err
}

// Release hands an active job back without counting an attempt, used when the
// worker shuts down mid-run.
func (q *Queue) Release(ctx context.Context, id string) error {
	_, err := q.DB.Exec(ctx, `UPDATE jobs SET state='waiting', updated_at=$2 WHERE id=$1 AND state='active'`, id, q.now())
	return err
}

func (q *Queue) Progress(ctx context.Context, id string, pct int) error {
	_, err := q.DB.Exec(ctx, `UPDATE jobs SET progress=$2, updated_at=$3 WHERE id=$1`, id, pct, q.now())
	return err
}

// Remove deletes a job that has not started. With includeActive it also
// deletes a running job; the run itself notices through persisted status.
func (q *Queue) Remove(ctx context.Context, id string, includeActive bool) (bool, error) {
	ct, err := q.DB.Exec(ctx, `
		DELETE FROM jobs WHERE id=$1 AND (state='waiting' OR ($2 AND state='active'))
	`, id, includeActive)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (q *Queue) RemoveWaiting(ctx context.Context, queue, instance string) (int64, error) {
	ct, err := q.DB.Exec(ctx, `
		DELETE FROM jobs WHERE queue=$1 AND instance_name=$2 AND state='waiting'
	`, queue, instance)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (q *Queue) Get(ctx context.Context, id string) (*Job, bool, error) {
	j := &Job{}
	var payload []byte
	var backoffMs int64
	err := q.DB.QueryRow(ctx, `
		SELECT id, queue, COALESCE(instance_name,''), payload, priority, max_attempts, backoff_ms,
		       attempts_made, state, progress, COALESCE(last_error,''), run_at, created_at
		FROM jobs WHERE id=$1
	`, id).Scan(&j.ID, &j.Queue, &j.Instance, &payload, &j.Priority, &j.MaxAttempts, &backoffMs,
		&j.AttemptsMade, &j.State, &j.Progress, &j.LastError, &j.RunAt, &j.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	j.Payload = payload
	j.Backoff = time.Duration(backoffMs) * time.Millisecond
	return j, true, nil
}

func (q *Queue) Counts(ctx context.Context, queue string) (Counts, error) {
	var c Counts
	err := q.DB.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE state='waiting' AND run_at <= $2),
			count(*) FILTER (WHERE state='active'),
			count(*) FILTER (WHERE state='completed'),
			count(*) FILTER (WHERE state='failed'),
			count(*) FILTER (WHERE state='waiting' AND run_at > $2),
			count(*)
		FROM jobs WHERE queue=$1
	`, queue, q.now()).Scan(&c.Waiting, &c.Active, &c.Completed, &c.Failed, &c.Delayed, &c.Total)
	return c, err
}

// Clean drops finished jobs older than their retention.
func (q *Queue) Clean(ctx context.Context, queue string, completedAge, failedAge time.Duration) (int64, error) {
	now := q.now()
	ct, err := q.DB.Exec(ctx, `
		DELETE FROM jobs WHERE queue=$1 AND (
			(state='completed' AND finished_at < $2) OR
			(state='failed' AND finished_at < $3)
		)
	`, queue, now.Add(-completedAge), now.Add(-failedAge))
	if err != nil {
		return 0, err
	}
	n := ct.RowsAffected()
	observability.QueueCleaned.WithLabelValues(queue).Add(float64(n))
	return n, nil
}

func (q *Queue) Ping(ctx context.Context) error { return q.DB.Ping(ctx) }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return util.Truncate(err.Error(), 1000)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
