package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadgen/internal/events"
	"github.com/sells-group/leadgen/internal/model"
	"github.com/sells-group/leadgen/internal/queue"
	"github.com/sells-group/leadgen/internal/store"
)

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return New(st, events.NewHub(), Options{}), st
}

func TestCreateSearch_EnqueuesJob(t *testing.T) {
	srv, st := newTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"vertical": "plumbers",
		"city":     "Austin",
		"state":    "TX",
		"target":   10,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/search", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var job model.SearchJob
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, model.JobStatusQueued, job.Status)
	assert.Equal(t, "plumbers", job.Query.Vertical)

	// One durable search job must be waiting.
	claimed, err := st.Claim(context.Background(), queue.QueueSearch, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	var payload queue.SearchPayload
	require.NoError(t, json.Unmarshal(claimed.Payload, &payload))
	assert.Equal(t, job.ID, payload.SearchID)
	assert.Equal(t, 10, payload.Query.ResultSize.Target)
}

func TestCreateSearch_RequiresVertical(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/search", bytes.NewReader([]byte(`{"city":"Austin"}`)))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "vertical")
}

func TestCreateSearch_DefaultsTarget(t *testing.T) {
	srv, st := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/search", bytes.NewReader([]byte(`{"vertical":"dentists"}`)))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	claimed, err := st.Claim(context.Background(), queue.QueueSearch, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	var payload queue.SearchPayload
	require.NoError(t, json.Unmarshal(claimed.Payload, &payload))
	assert.Equal(t, 20, payload.Query.ResultSize.Target)
}

func TestGetSearch_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/search/nonexistent", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelSearch(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	job, err := st.CreateSearchJob(ctx, model.SearchQuery{Vertical: "plumbers"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/search/"+job.ID+"/cancel", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := st.GetSearchJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, got.Status)
}

func TestCancelSearch_TerminalConflicts(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	job, err := st.CreateSearchJob(ctx, model.SearchQuery{Vertical: "plumbers"})
	require.NoError(t, err)
	require.NoError(t, st.CompleteSearchJob(ctx, job.ID, 5, 5))

	req := httptest.NewRequest(http.MethodPost, "/api/search/"+job.ID+"/cancel", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListLeads_RankedOrder(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	job, err := st.CreateSearchJob(ctx, model.SearchQuery{Vertical: "plumbers"})
	require.NoError(t, err)

	low, err := st.UpsertBusiness(ctx, model.Business{Name: "Low Corp", Website: "https://low.example"})
	require.NoError(t, err)
	high, err := st.UpsertBusiness(ctx, model.Business{Name: "High Corp", Phone: "+15125550300"})
	require.NoError(t, err)
	_, err = st.InsertLeadRanking(ctx, model.LeadRanking{SearchJobID: job.ID, BusinessID: low, Score: 35})
	require.NoError(t, err)
	_, err = st.InsertLeadRanking(ctx, model.LeadRanking{SearchJobID: job.ID, BusinessID: high, Score: 55})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/search/"+job.ID+"/leads", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var leads []model.Lead
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&leads))
	require.Len(t, leads, 2)
	assert.Equal(t, "High Corp", leads[0].Business.Name)
	assert.Equal(t, 1, leads[0].Ranking.Rank)
}

func TestListLeads_MinScoreFilter(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	job, err := st.CreateSearchJob(ctx, model.SearchQuery{Vertical: "plumbers"})
	require.NoError(t, err)
	biz, err := st.UpsertBusiness(ctx, model.Business{Name: "Solo", Phone: "+15125550400"})
	require.NoError(t, err)
	_, err = st.InsertLeadRanking(ctx, model.LeadRanking{SearchJobID: job.ID, BusinessID: biz, Score: 35})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/search/"+job.ID+"/leads?min_score=50", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}
