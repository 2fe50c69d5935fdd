package score

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadgen/internal/model"
	"github.com/sells-group/leadgen/internal/queue"
	"github.com/sells-group/leadgen/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func scoreJob(t *testing.T, searchID string, c model.Candidate, signals []model.Signal) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(queue.ScorePayload{
		SearchID:  searchID,
		Candidate: c,
		Signals:   signals,
	})
	require.NoError(t, err)
	return &queue.Job{ID: "qj-1", Queue: queue.QueueScore, Payload: payload, Attempts: 1, MaxAttempts: 1}
}

func TestHandle_PersistsBusinessAndRanking(t *testing.T) {
	st := newTestStore(t)
	stage := NewStage(st)
	ctx := context.Background()

	job, err := st.CreateSearchJob(ctx, model.SearchQuery{Vertical: "plumbers"})
	require.NoError(t, err)

	candidate := model.Candidate{
		Name:             "Acme Plumbing",
		Phone:            "(512) 555-0100",
		FormattedAddress: "123 Main St, Columbia, SC 29201",
	}
	signals := []model.Signal{
		{Type: "has_website", Value: "false", Confidence: 1.0, Source: "places"},
		{Type: "has_phone", Value: "true", Confidence: 1.0, Source: "places"},
	}

	require.NoError(t, stage.Handle(ctx, scoreJob(t, job.ID, candidate, signals)))

	leads, err := st.ListLeads(ctx, job.ID, store.LeadFilter{})
	require.NoError(t, err)
	require.Len(t, leads, 1)

	lead := leads[0]
	assert.Equal(t, 55, lead.Ranking.Score)
	assert.Equal(t, model.Subscores{ICP: 20, Pain: 20, Reachability: 15, ComplianceRisk: 0}, lead.Ranking.Subscores)
	assert.Equal(t, "Acme Plumbing", lead.Business.Name)
	assert.Equal(t, "Columbia", lead.Business.Address.City)
	assert.Equal(t, "SC", lead.Business.Address.State)
	assert.Equal(t, "29201", lead.Business.Address.Zip)
}

func TestHandle_DedupSameWebsiteSharesBusiness(t *testing.T) {
	st := newTestStore(t)
	stage := NewStage(st)
	ctx := context.Background()

	job, err := st.CreateSearchJob(ctx, model.SearchQuery{Vertical: "plumbers"})
	require.NoError(t, err)

	first := model.Candidate{Name: "Acme Plumbing", Website: "https://acme.example"}
	second := model.Candidate{Name: "Acme Plumbing LLC", Website: "https://acme.example", Phone: "(512) 555-0100"}

	require.NoError(t, stage.Handle(ctx, scoreJob(t, job.ID, first, nil)))
	require.NoError(t, stage.Handle(ctx, scoreJob(t, job.ID, second, nil)))

	leads, err := st.ListLeads(ctx, job.ID, store.LeadFilter{})
	require.NoError(t, err)
	require.Len(t, leads, 2, "both scoring passes keep their rankings")
	assert.Equal(t, leads[0].Ranking.BusinessID, leads[1].Ranking.BusinessID,
		"identical websites must resolve to one business")
}

func TestHandle_EmptySignalsStillScores(t *testing.T) {
	st := newTestStore(t)
	stage := NewStage(st)
	ctx := context.Background()

	job, err := st.CreateSearchJob(ctx, model.SearchQuery{Vertical: "plumbers"})
	require.NoError(t, err)

	require.NoError(t, stage.Handle(ctx, scoreJob(t, job.ID, model.Candidate{Name: "Quiet Shop"}, nil)))

	leads, err := st.ListLeads(ctx, job.ID, store.LeadFilter{})
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, 45, leads[0].Ranking.Score)
}

func TestHandle_MalformedPayload(t *testing.T) {
	stage := NewStage(newTestStore(t))
	err := stage.Handle(context.Background(), &queue.Job{Payload: []byte("not json")})
	require.Error(t, err)
}

func TestHandle_PersistenceFailurePropagates(t *testing.T) {
	st := newTestStore(t)
	stage := NewStage(st)
	ctx := context.Background()

	// Closing the store makes every write fail.
	require.NoError(t, st.Close())

	err := stage.Handle(ctx, scoreJob(t, "job-1", model.Candidate{Name: "Acme"}, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert business")
}
