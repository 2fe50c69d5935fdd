// Package model defines the domain types shared across the lead discovery pipeline.
package model

import "time"

// JobStatus represents the lifecycle state of a search job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the job can no longer make progress.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Geo narrows a search to a city and state.
type Geo struct {
	City  string `json:"city"`
	State string `json:"state"`
}

// ResultSize sets how many leads a search should try to produce.
type ResultSize struct {
	Target int `json:"target"`
}

// SearchQuery is the validated structured query driving a search job.
// The natural-language front end translates free text into this shape
// before it ever reaches the pipeline.
type SearchQuery struct {
	Vertical   string     `json:"vertical"`
	Geo        Geo        `json:"geo"`
	ResultSize ResultSize `json:"result_size"`
	SortBy     string     `json:"sort_by,omitempty"`
	Output     string     `json:"output,omitempty"`
}

// SearchJob tracks one submitted query through the pipeline.
// Only the search stage mutates its progress counters.
type SearchJob struct {
	ID         string      `json:"id"`
	Query      SearchQuery `json:"query"`
	Status     JobStatus   `json:"status"`
	Processed  int         `json:"processed"`
	TotalFound int         `json:"total_found"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Progress event types and statuses shared by every stage. One shape is
// reused across the pipeline and the SSE bridge.
const (
	EventTypeProgress = "job:progress"
	EventTypeComplete = "job:complete"

	EventStatusFetching   = "fetching"
	EventStatusProcessing = "processing"
	EventStatusCompleted  = "completed"
	EventStatusFailed     = "failed"
)

// ProgressEvent carries structured progress out of a stage.
type ProgressEvent struct {
	Type      string      `json:"type"`
	Status    string      `json:"status"`
	Message   string      `json:"message"`
	Processed int         `json:"processed"`
	Total     int         `json:"total"`
	Leads     []Candidate `json:"leads,omitempty"`
}
