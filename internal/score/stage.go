package score

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadgen/internal/model"
	"github.com/sells-group/leadgen/internal/queue"
	"github.com/sells-group/leadgen/internal/store"
)

// Stage runs score jobs.
type Stage struct {
	store store.Store
}

// NewStage creates a scoring stage.
func NewStage(st store.Store) *Stage {
	return &Stage{store: st}
}

// Handle processes one score queue job. Unlike the earlier stages, store
// failures here propagate: a lead that cannot be persisted is a failed job,
// and score jobs carry a single delivery attempt so the failure surfaces
// on the queue's failure channel instead of being retried.
func (s *Stage) Handle(ctx context.Context, job *queue.Job) error {
	var payload queue.ScorePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return eris.Wrap(err, "score: unmarshal payload")
	}

	log := zap.L().With(
		zap.String("component", "score.stage"),
		zap.String("search_id", payload.SearchID),
		zap.String("candidate", payload.Candidate.Name),
	)

	businessID, err := s.store.UpsertBusiness(ctx, toBusiness(payload.Candidate))
	if err != nil {
		return eris.Wrap(err, "score: upsert business")
	}

	if len(payload.Signals) > 0 {
		if err := s.store.InsertSignals(ctx, businessID, payload.Signals); err != nil {
			return eris.Wrap(err, "score: insert signals")
		}
	}

	subscores := Compute(payload.Candidate)
	total := Total(subscores)

	if _, err := s.store.InsertLeadRanking(ctx, model.LeadRanking{
		SearchJobID: payload.SearchID,
		BusinessID:  businessID,
		Score:       total,
		Subscores:   subscores,
	}); err != nil {
		return eris.Wrap(err, "score: insert lead ranking")
	}

	log.Debug("lead scored", zap.String("business_id", businessID), zap.Int("score", total))
	return nil
}

func toBusiness(c model.Candidate) model.Business {
	return model.Business{
		Name:             c.Name,
		Website:          c.Website,
		Phone:            c.Phone,
		FormattedAddress: c.FormattedAddress,
		Address:          ParseAddress(c.FormattedAddress),
	}
}
