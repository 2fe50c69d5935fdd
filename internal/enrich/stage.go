// Package enrich implements the second pipeline stage: derive best-effort
// signals for a candidate and forward it to scoring. Enrichment never
// blocks the pipeline; a candidate with zero signals still gets scored.
package enrich

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadgen/internal/model"
	"github.com/sells-group/leadgen/internal/queue"
	"github.com/sells-group/leadgen/internal/store"
)

// Config tunes the enrichment stage.
type Config struct {
	// ProbeWebsite enables the placeholder online-presence probes (booking
	// and chat detection). Off by default: the probes are simulated until a
	// real crawler is wired in.
	ProbeWebsite bool `yaml:"probe_website" mapstructure:"probe_website"`

	// ScoreMaxAttempts is the delivery budget for enqueued score jobs. Kept
	// at 1: a scoring failure is a persistence failure and retrying would
	// hide it.
	ScoreMaxAttempts int `yaml:"score_max_attempts" mapstructure:"score_max_attempts"`
}

// DefaultConfig returns enrichment defaults.
func DefaultConfig() Config {
	return Config{
		ProbeWebsite:     false,
		ScoreMaxAttempts: 1,
	}
}

// Stage runs enrich jobs.
type Stage struct {
	store store.Store
	cfg   Config

	// randFloat backs the simulated website probes; injected for tests.
	randFloat func() float64
}

// NewStage creates an enrichment stage.
func NewStage(st store.Store, cfg Config, randFloat func() float64) *Stage {
	if cfg.ScoreMaxAttempts <= 0 {
		cfg.ScoreMaxAttempts = 1
	}
	return &Stage{store: st, cfg: cfg, randFloat: randFloat}
}

// Handle processes one enrich queue job. Signal derivation failures are
// swallowed: the candidate always reaches the score queue.
func (s *Stage) Handle(ctx context.Context, job *queue.Job) error {
	var payload queue.EnrichPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return eris.Wrap(err, "enrich: unmarshal payload")
	}

	log := zap.L().With(
		zap.String("component", "enrich.stage"),
		zap.String("search_id", payload.SearchID),
		zap.String("candidate", payload.Candidate.Name),
	)

	signals := s.deriveSafely(log, payload.Candidate)
	log.Debug("candidate enriched", zap.Int("signals", len(signals)))

	scorePayload, err := json.Marshal(queue.ScorePayload{
		SearchID:  payload.SearchID,
		Query:     payload.Query,
		Candidate: payload.Candidate,
		Signals:   signals,
	})
	if err != nil {
		return eris.Wrap(err, "enrich: marshal score payload")
	}
	if _, err := s.store.Enqueue(ctx, queue.QueueScore, scorePayload, s.cfg.ScoreMaxAttempts); err != nil {
		return eris.Wrap(err, "enrich: enqueue score job")
	}
	return nil
}

// deriveSafely wraps DeriveSignals so a panic in a derivation rule degrades
// to an unenriched candidate instead of a crashed worker.
func (s *Stage) deriveSafely(log *zap.Logger, c model.Candidate) (signals []model.Signal) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("signal derivation panicked", zap.Any("panic", r))
			signals = nil
		}
	}()
	return s.DeriveSignals(c)
}
