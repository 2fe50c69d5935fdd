// Package store provides the persistence layer for search jobs, canonical
// businesses, signals, lead rankings, and the durable stage queues.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadgen/internal/model"
	"github.com/sells-group/leadgen/internal/queue"
)

// ErrSearchJobNotRunnable is returned by MarkSearchJobRunning when the job
// is missing or already terminal. A job cancelled while still queued stays
// cancelled; the worker drops the claim instead of reviving it.
var ErrSearchJobNotRunnable = eris.New("search job is not runnable")

// JobFilter specifies criteria for listing search jobs.
type JobFilter struct {
	Status model.JobStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

// LeadFilter specifies criteria for reading a search's ranked leads.
type LeadFilter struct {
	MinScore int `json:"min_score,omitempty"`
	Limit    int `json:"limit,omitempty"`
}

// Store defines the persistence interface for the discovery pipeline. The
// pipeline only inserts businesses, signals, and lead rankings; search jobs
// are mutated solely by the search stage's progress updates.
type Store interface {
	// Search jobs
	CreateSearchJob(ctx context.Context, q model.SearchQuery) (*model.SearchJob, error)
	GetSearchJob(ctx context.Context, id string) (*model.SearchJob, error)
	ListSearchJobs(ctx context.Context, filter JobFilter) ([]model.SearchJob, error)
	MarkSearchJobRunning(ctx context.Context, id string) error
	UpdateSearchJobProgress(ctx context.Context, id string, processed, total int) error
	CompleteSearchJob(ctx context.Context, id string, processed, total int) error
	FailSearchJob(ctx context.Context, id string, errMsg string) error
	CancelSearchJob(ctx context.Context, id string) error
	IsSearchJobCancelled(ctx context.Context, id string) (bool, error)

	// Canonical entities (insert-only from the pipeline's side)
	UpsertBusiness(ctx context.Context, b model.Business) (string, error)
	InsertSignals(ctx context.Context, businessID string, signals []model.Signal) error
	InsertLeadRanking(ctx context.Context, lr model.LeadRanking) (string, error)
	ListLeads(ctx context.Context, searchJobID string, filter LeadFilter) ([]model.Lead, error)

	// Durable stage queues
	queue.Backend
	QueueDepth(ctx context.Context, queueName string) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
