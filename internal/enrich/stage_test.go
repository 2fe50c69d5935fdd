package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadgen/internal/model"
	"github.com/sells-group/leadgen/internal/queue"
	"github.com/sells-group/leadgen/internal/store"
)

// enqueueRecorder implements only the queue side of the store.
type enqueueRecorder struct {
	store.Store // nil embed; unimplemented methods panic if touched

	mu       sync.Mutex
	payloads []queue.ScorePayload
	attempts []int
	err      error
}

func (r *enqueueRecorder) Enqueue(_ context.Context, queueName string, payload []byte, maxAttempts int) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	if queueName != queue.QueueScore {
		return "", errors.New("unexpected queue " + queueName)
	}
	var p queue.ScorePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
	r.attempts = append(r.attempts, maxAttempts)
	return "score-1", nil
}

func enrichJob(t *testing.T, c model.Candidate) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(queue.EnrichPayload{
		SearchID:  "job-1",
		Query:     model.SearchQuery{Vertical: "plumbers"},
		Candidate: c,
	})
	require.NoError(t, err)
	return &queue.Job{ID: "qj-1", Queue: queue.QueueEnrich, Payload: payload, MaxAttempts: 3, CreatedAt: time.Now()}
}

func signalValue(signals []model.Signal, sigType string) (string, bool) {
	for _, s := range signals {
		if s.Type == sigType {
			return s.Value, true
		}
	}
	return "", false
}

func TestHandle_ForwardsCandidateWithSignals(t *testing.T) {
	rec := &enqueueRecorder{}
	stage := NewStage(rec, DefaultConfig(), nil)

	openNow := true
	err := stage.Handle(context.Background(), enrichJob(t, model.Candidate{
		Name:         "Acme Plumbing",
		Website:      "https://acme.example",
		Phone:        "(512) 555-0100",
		Rating:       4.5,
		ReviewCount:  127,
		OpeningHours: []string{"Monday: 8:00 AM – 5:00 PM"},
		OpenNow:      &openNow,
		Types:        []string{"plumber", "point_of_interest"},
	}))
	require.NoError(t, err)

	require.Len(t, rec.payloads, 1)
	p := rec.payloads[0]
	assert.Equal(t, "job-1", p.SearchID)
	assert.Equal(t, "Acme Plumbing", p.Candidate.Name)

	v, ok := signalValue(p.Signals, SignalHasWebsite)
	require.True(t, ok)
	assert.Equal(t, "true", v)

	v, _ = signalValue(p.Signals, SignalGoogleRating)
	assert.Equal(t, "4.5", v)

	v, _ = signalValue(p.Signals, SignalReviewCount)
	assert.Equal(t, "127", v)

	_, ok = signalValue(p.Signals, SignalHighEngagement)
	assert.True(t, ok, "127 reviews should mark high engagement")

	v, _ = signalValue(p.Signals, SignalCurrentlyOpen)
	assert.Equal(t, "true", v)

	v, _ = signalValue(p.Signals, SignalBusinessTypes)
	assert.Equal(t, "plumber,point_of_interest", v)

	// Score jobs get a single delivery attempt.
	assert.Equal(t, []int{1}, rec.attempts)
}

func TestHandle_BareCandidateStillForwarded(t *testing.T) {
	rec := &enqueueRecorder{}
	stage := NewStage(rec, DefaultConfig(), nil)

	err := stage.Handle(context.Background(), enrichJob(t, model.Candidate{Name: "Mystery Shop"}))
	require.NoError(t, err)

	require.Len(t, rec.payloads, 1)
	p := rec.payloads[0]

	// Absence of a website is itself a signal.
	v, ok := signalValue(p.Signals, SignalHasWebsite)
	require.True(t, ok)
	assert.Equal(t, "false", v)

	_, ok = signalValue(p.Signals, SignalHasPhone)
	assert.False(t, ok)
	_, ok = signalValue(p.Signals, SignalGoogleRating)
	assert.False(t, ok)
}

func TestHandle_EnqueueFailurePropagates(t *testing.T) {
	rec := &enqueueRecorder{err: errors.New("db down")}
	stage := NewStage(rec, DefaultConfig(), nil)

	err := stage.Handle(context.Background(), enrichJob(t, model.Candidate{Name: "Acme"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enqueue score job")
}

func TestHandle_MalformedPayload(t *testing.T) {
	stage := NewStage(&enqueueRecorder{}, DefaultConfig(), nil)
	err := stage.Handle(context.Background(), &queue.Job{Payload: []byte("not json")})
	require.Error(t, err)
}

func TestDeriveSignals_WebsiteProbes(t *testing.T) {
	// Deterministic rng: first call (booking) below 0.3, second (chat) above 0.2.
	vals := []float64{0.1, 0.9}
	i := 0
	rng := func() float64 {
		v := vals[i%len(vals)]
		i++
		return v
	}

	stage := NewStage(&enqueueRecorder{}, Config{ProbeWebsite: true}, rng)
	signals := stage.DeriveSignals(model.Candidate{Name: "Acme", Website: "https://acme.example"})

	v, ok := signalValue(signals, SignalHasOnlineBooking)
	require.True(t, ok)
	assert.Equal(t, "true", v)

	v, ok = signalValue(signals, SignalHasChatWidget)
	require.True(t, ok)
	assert.Equal(t, "false", v)

	for _, s := range signals {
		if s.Type == SignalHasOnlineBooking || s.Type == SignalHasChatWidget {
			assert.InDelta(t, 0.5, s.Confidence, 0.001)
			assert.Equal(t, "website_probe", s.Source)
		}
	}
}

func TestDeriveSignals_NoProbesWithoutWebsite(t *testing.T) {
	stage := NewStage(&enqueueRecorder{}, Config{ProbeWebsite: true}, func() float64 { return 0 })
	signals := stage.DeriveSignals(model.Candidate{Name: "Offline Shop", Phone: "(512) 555-0100"})

	_, ok := signalValue(signals, SignalHasOnlineBooking)
	assert.False(t, ok)
	_, ok = signalValue(signals, SignalHasChatWidget)
	assert.False(t, ok)
}

func TestDeriveSignals_EngagementThreshold(t *testing.T) {
	stage := NewStage(&enqueueRecorder{}, DefaultConfig(), nil)

	atThreshold := stage.DeriveSignals(model.Candidate{Name: "A", ReviewCount: 100})
	_, ok := signalValue(atThreshold, SignalHighEngagement)
	assert.False(t, ok, "exactly 100 reviews is not high engagement")

	above := stage.DeriveSignals(model.Candidate{Name: "B", ReviewCount: 101})
	_, ok = signalValue(above, SignalHighEngagement)
	assert.True(t, ok)
}
