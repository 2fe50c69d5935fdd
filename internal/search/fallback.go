package search

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/leadgen/internal/model"
)

// runFallback produces synthetic candidates when no provider client is
// configured. It exists so the pipeline can be exercised end to end in
// development without an API key; the candidates are plainly labeled.
func (s *Stage) runFallback(ctx context.Context, searchID string, query model.SearchQuery, target int) (int, error) {
	log := zap.L().With(zap.String("component", "search.fallback"), zap.String("search_id", searchID))
	log.Warn("no place provider configured, generating placeholder candidates", zap.Int("target", target))

	vertical := strings.TrimSpace(query.Vertical)
	if vertical == "" {
		vertical = "Local"
	}

	for n := 1; n <= target; n++ {
		if cancelled, err := s.store.IsSearchJobCancelled(ctx, searchID); err == nil && cancelled {
			return n - 1, errCancelled
		}

		candidate := model.Candidate{
			Name:             fmt.Sprintf("%s Business %d", vertical, n),
			FormattedAddress: fmt.Sprintf("%d Main St, %s, %s", 100+n, query.Geo.City, query.Geo.State),
			Phone:            fmt.Sprintf("(555) 010-%04d", n),
			Rating:           3.5 + float64(n%15)/10,
			ReviewCount:      10 * n,
		}
		if err := s.forward(ctx, searchID, query, candidate); err != nil {
			return n - 1, err
		}

		if err := s.store.UpdateSearchJobProgress(ctx, searchID, n, target); err != nil {
			log.Warn("progress update failed", zap.Error(err))
		}
		s.hub.Publish(searchID, model.ProgressEvent{
			Type:      model.EventTypeProgress,
			Status:    model.EventStatusProcessing,
			Message:   fmt.Sprintf("Processing %s", candidate.Name),
			Processed: n,
			Total:     target,
			Leads:     []model.Candidate{candidate},
		})
	}
	return target, nil
}
