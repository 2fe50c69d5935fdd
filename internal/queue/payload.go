package queue

import "github.com/sells-group/leadgen/internal/model"

// Stage payloads travel between pipeline stages as queue job bodies. They
// carry full snapshots rather than row ids so each stage can run without
// re-reading upstream state.

// SearchPayload starts the discovery pipeline for a search job.
type SearchPayload struct {
	SearchID string            `json:"search_id"`
	Query    model.SearchQuery `json:"query"`
}

// EnrichPayload carries one candidate from the search stage to enrichment.
type EnrichPayload struct {
	SearchID  string            `json:"search_id"`
	Query     model.SearchQuery `json:"query"`
	Candidate model.Candidate   `json:"candidate"`
}

// ScorePayload carries an enriched candidate to the scoring stage. Signals
// may be empty when enrichment produced nothing; scoring proceeds anyway.
type ScorePayload struct {
	SearchID  string            `json:"search_id"`
	Query     model.SearchQuery `json:"query"`
	Candidate model.Candidate   `json:"candidate"`
	Signals   []model.Signal    `json:"signals,omitempty"`
}
