// Package queue implements the durable job queue backing the document
// pipeline. Jobs live in a relational table; dequeue uses row locking
// with SKIP LOCKED so concurrent pollers never see the same row.
//
// Job lifecycle: created → active → completed, with retry and failed
// branches. Failed jobs below their retry limit move to state retry
// with a scheduled start_after (optionally doubling the delay per
// attempt); beyond the limit they become failed. Jobs are retained
// after completion for audit.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"dealdesk.io/common"
)

// JobState is the lifecycle state of a queued job.
type JobState string

const (
	StateCreated   JobState = "created"
	StateRetry     JobState = "retry"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateCancelled JobState = "cancelled"
	StateFailed    JobState = "failed"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("queue: job not found")

// ErrNotCancellable is returned when cancellation is requested for a
// job that has already been picked up. Only state created can be
// cancelled.
var ErrNotCancellable = errors.New("queue: job is not in a cancellable state")

// Payload is the job payload envelope: identifiers plus is_retry and
// optional last_completed_stage.
type Payload map[string]interface{}

// Job is one row of the jobs table.
type Job struct {
	ID           string   `gorm:"primaryKey;type:uuid" json:"id"`
	Kind         string   `gorm:"index:idx_jobs_dequeue" json:"kind"`
	Payload      Payload  `gorm:"serializer:json" json:"payload"`
	State        JobState `gorm:"index:idx_jobs_dequeue" json:"state"`
	Priority     int      `json:"priority"`
	RetryCount   int      `json:"retry_count"`
	RetryLimit   int      `json:"retry_limit"`
	RetryDelay   int      `json:"retry_delay"` // seconds
	RetryBackoff bool     `json:"retry_backoff"`

	StartAfter time.Time `gorm:"index:idx_jobs_dequeue" json:"start_after"`

	// ExpireIn is the number of seconds after which an active job may
	// be reaped by the background sweep.
	ExpireIn int `json:"expire_in"`

	SingletonKey string  `gorm:"index" json:"singleton_key,omitempty"`
	Output       Payload `gorm:"serializer:json" json:"output,omitempty"`

	CreatedOn   time.Time  `gorm:"index:idx_jobs_dequeue" json:"created_on"`
	StartedOn   *time.Time `json:"started_on,omitempty"`
	CompletedOn *time.Time `json:"completed_on,omitempty"`
}

// Options configure a single enqueue.
type Options struct {
	Priority     int
	RetryLimit   int           // default 3
	RetryDelay   time.Duration // default 30s
	RetryBackoff bool
	Delay        time.Duration // start_after = now + Delay
	ExpireIn     time.Duration // default 1h
	SingletonKey string
}

func (o *Options) applyDefaults() {
	if o.RetryLimit == 0 {
		o.RetryLimit = 3
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = 30 * time.Second
	}
	if o.ExpireIn == 0 {
		o.ExpireIn = time.Hour
	}
}

// Queue is the relational job queue.
type Queue struct {
	db  *gorm.DB
	now func() time.Time
}

// New creates a queue over the given database handle.
func New(db *gorm.DB) *Queue {
	return &Queue{db: db, now: time.Now}
}

// Migrate creates the jobs table.
func (q *Queue) Migrate() error {
	return q.db.AutoMigrate(&Job{})
}

// Enqueue inserts a job in state created. When a singleton key is given
// and a pending job (created or retry) with the same key exists, the
// pending job's payload and schedule are replaced and its id returned
// instead of inserting a duplicate.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload Payload, opts Options) (string, error) {
	opts.applyDefaults()
	now := q.now()

	job := &Job{
		ID:           uuid.NewString(),
		Kind:         kind,
		Payload:      payload,
		State:        StateCreated,
		Priority:     opts.Priority,
		RetryLimit:   opts.RetryLimit,
		RetryDelay:   int(opts.RetryDelay.Seconds()),
		RetryBackoff: opts.RetryBackoff,
		StartAfter:   now.Add(opts.Delay),
		ExpireIn:     int(opts.ExpireIn.Seconds()),
		SingletonKey: opts.SingletonKey,
		CreatedOn:    now,
	}

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if opts.SingletonKey != "" {
			var existing Job
			err := tx.Where("singleton_key = ? AND state IN ?", opts.SingletonKey,
				[]JobState{StateCreated, StateRetry}).First(&existing).Error
			if err == nil {
				job.ID = existing.ID
				return tx.Model(&Job{}).Where("id = ?", existing.ID).Updates(map[string]interface{}{
					"payload":     job.Payload,
					"priority":    job.Priority,
					"start_after": job.StartAfter,
				}).Error
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		return tx.Create(job).Error
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", kind, err)
	}

	common.Logger.WithField("job_id", job.ID).WithField("kind", kind).Debug("job enqueued")
	return job.ID, nil
}

// Dequeue atomically claims up to batchSize due jobs of the given kind,
// marking them active. Selection order is priority DESC then created_on
// ASC. Concurrent dequeuers skip rows locked by each other.
func (q *Queue) Dequeue(ctx context.Context, kind string, batchSize int) ([]Job, error) {
	now := q.now()
	var jobs []Job

	err := q.db.WithContext(ctx).Raw(`
		UPDATE jobs SET state = ?, started_on = ?
		WHERE id IN (
			SELECT id FROM jobs
			WHERE kind = ? AND state IN (?, ?) AND start_after <= ?
			ORDER BY priority DESC, created_on ASC
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`,
		StateActive, now, kind, StateCreated, StateRetry, now, batchSize,
	).Scan(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", kind, err)
	}
	return jobs, nil
}

// Complete marks a job completed and stores its output envelope.
func (q *Queue) Complete(ctx context.Context, jobID string, output Payload) error {
	now := q.now()
	res := q.db.WithContext(ctx).Model(&Job{}).Where("id = ?", jobID).Updates(map[string]interface{}{
		"state":        StateCompleted,
		"completed_on": now,
		"output":       output,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Fail records a job failure. Below the retry limit the job is
// rescheduled in state retry with the next delay (doubling per attempt
// when backoff is on); at or beyond the limit it becomes failed.
func (q *Queue) Fail(ctx context.Context, jobID string, jobErr error) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job Job
		if err := tx.Where("id = ?", jobID).First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		now := q.now()
		updates := map[string]interface{}{}
		if job.RetryCount < job.RetryLimit {
			delay := NextRetryDelay(time.Duration(job.RetryDelay)*time.Second, job.RetryCount, job.RetryBackoff)
			updates["state"] = StateRetry
			updates["retry_count"] = job.RetryCount + 1
			updates["start_after"] = now.Add(delay)
		} else {
			updates["state"] = StateFailed
			updates["completed_on"] = now
		}
		if jobErr != nil {
			updates["output"] = Payload{"error": jobErr.Error()}
		}
		return tx.Model(&Job{}).Where("id = ?", jobID).Updates(updates).Error
	})
}

// Cancel marks a queued job cancelled. Jobs that are already active,
// finished, or scheduled for retry cannot be cancelled.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job Job
		if err := tx.Where("id = ?", jobID).First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if job.State != StateCreated {
			return ErrNotCancellable
		}
		now := q.now()
		return tx.Model(&Job{}).Where("id = ?", jobID).Updates(map[string]interface{}{
			"state":        StateCancelled,
			"completed_on": now,
		}).Error
	})
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := q.db.WithContext(ctx).Where("id = ?", jobID).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// List returns jobs filtered by kind and/or states, newest first, with
// offset pagination. Empty filters match everything.
func (q *Queue) List(ctx context.Context, kinds []string, states []JobState, limit, offset int) ([]Job, int64, error) {
	query := q.db.WithContext(ctx).Model(&Job{})
	if len(kinds) > 0 {
		query = query.Where("kind IN ?", kinds)
	}
	if len(states) > 0 {
		query = query.Where("state IN ?", states)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var jobs []Job
	err := query.Order("created_on DESC").Limit(limit).Offset(offset).Find(&jobs).Error
	return jobs, total, err
}

// Counts returns job counts grouped by kind and state.
func (q *Queue) Counts(ctx context.Context) (map[string]map[JobState]int64, error) {
	type row struct {
		Kind  string
		State JobState
		N     int64
	}
	var rows []row
	err := q.db.WithContext(ctx).Model(&Job{}).
		Select("kind, state, count(*) as n").
		Group("kind, state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]map[JobState]int64)
	for _, r := range rows {
		if counts[r.Kind] == nil {
			counts[r.Kind] = make(map[JobState]int64)
		}
		counts[r.Kind][r.State] = r.N
	}
	return counts, nil
}

// NextRetryDelay computes the delay before the next attempt: base when
// backoff is off, base*2^retryCount when on.
func NextRetryDelay(base time.Duration, retryCount int, backoff bool) time.Duration {
	if !backoff {
		return base
	}
	return base * time.Duration(1<<uint(retryCount))
}

// StartReaper launches a background sweep that fails active jobs whose
// expiration has elapsed. It stops when ctx is cancelled.
func (q *Queue) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := q.reapExpired(ctx); err != nil && !errors.Is(err, context.Canceled) {
					common.Logger.WithError(err).Error("job reaper sweep failed")
				}
			}
		}
	}()
}

func (q *Queue) reapExpired(ctx context.Context) error {
	now := q.now()
	res := q.db.WithContext(ctx).Exec(`
		UPDATE jobs SET state = ?, completed_on = ?
		WHERE state = ? AND started_on IS NOT NULL
		  AND started_on + (expire_in * interval '1 second') < ?`,
		StateFailed, now, StateActive, now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		common.Logger.WithField("reaped", res.RowsAffected).Warn("expired active jobs marked failed")
	}
	return nil
}
