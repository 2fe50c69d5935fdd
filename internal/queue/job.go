// Package queue implements the durable job queues connecting the pipeline
// stages, with at-least-once delivery and per-job retry bookkeeping.
package queue

import (
	"context"
	"time"
)

// Stage queue names. Each stage owns exactly one queue.
const (
	QueueSearch = "search"
	QueueEnrich = "enrich"
	QueueScore  = "score"
)

// JobStatus is the persistence state of a queued job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Job is one durable unit of work on a stage queue.
type Job struct {
	ID          string    `json:"id"`
	Queue       string    `json:"queue"`
	Payload     []byte    `json:"payload"`
	Status      JobStatus `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   string    `json:"last_error,omitempty"`
	RunAt       time.Time `json:"run_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Exhausted reports whether the job has used up its delivery attempts.
func (j *Job) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

// Backend is the durable persistence surface behind the queues. The store
// package provides Postgres and SQLite implementations.
type Backend interface {
	// Enqueue appends a job to the named queue and returns its id.
	Enqueue(ctx context.Context, queue string, payload []byte, maxAttempts int) (string, error)

	// Claim atomically leases the oldest runnable job on the queue, or
	// returns (nil, nil) when the queue is empty. Claiming increments the
	// job's attempt counter. Jobs whose lease expired are reclaimed, which
	// is what makes delivery at-least-once.
	Claim(ctx context.Context, queue string, lease time.Duration) (*Job, error)

	// Complete marks a claimed job as done.
	Complete(ctx context.Context, jobID string) error

	// Retry releases a claimed job back to pending, to run no earlier than
	// runAt.
	Retry(ctx context.Context, jobID string, runAt time.Time, lastErr string) error

	// MarkFailed permanently fails a job. This is the queue's failure
	// channel: failed rows stay visible for inspection.
	MarkFailed(ctx context.Context, jobID string, lastErr string) error
}
