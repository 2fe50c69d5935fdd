// Package search implements the first pipeline stage: paginate the place
// provider for a search job's query, convert results to candidates, and
// hand each candidate to the enrichment queue.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/leadgen/internal/events"
	"github.com/sells-group/leadgen/internal/model"
	"github.com/sells-group/leadgen/internal/queue"
	"github.com/sells-group/leadgen/internal/resilience"
	"github.com/sells-group/leadgen/internal/store"
	"github.com/sells-group/leadgen/pkg/places"
)

// Config tunes the search stage.
type Config struct {
	// PageTokenDelay is the wait before using a fresh next-page token; the
	// provider needs a moment before the token becomes valid.
	PageTokenDelay time.Duration `yaml:"page_token_delay" mapstructure:"page_token_delay"`

	// DetailDelay spaces place details requests within a page.
	DetailDelay time.Duration `yaml:"detail_delay" mapstructure:"detail_delay"`

	// RequestsPerSecond caps outbound provider traffic across all jobs.
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`

	// EnrichMaxAttempts is the delivery budget for enqueued enrich jobs.
	EnrichMaxAttempts int `yaml:"enrich_max_attempts" mapstructure:"enrich_max_attempts"`
}

// DefaultConfig returns settings matched to the provider's documented
// pagination behavior.
func DefaultConfig() Config {
	return Config{
		PageTokenDelay:    2 * time.Second,
		DetailDelay:       150 * time.Millisecond,
		RequestsPerSecond: 5,
		EnrichMaxAttempts: 3,
	}
}

// Stage runs search jobs.
type Stage struct {
	store   store.Store
	client  places.Client
	hub     *events.Hub
	cfg     Config
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker

	// sleep is swapped in tests to avoid real pagination delays.
	sleep func(ctx context.Context, d time.Duration)
}

// NewStage creates a search stage. The client may be nil, in which case
// every job falls back to generated candidates.
func NewStage(st store.Store, client places.Client, hub *events.Hub, cfg Config) *Stage {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultConfig().RequestsPerSecond
	}
	return &Stage{
		store:   st,
		client:  client,
		hub:     hub,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold:  5,
			ResetTimeout:      30 * time.Second,
			HalfOpenMaxProbes: 1,
			ShouldTrip:        transientProviderError,
		}),
		sleep: sleepCtx,
	}
}

// Handle processes one search queue job.
func (s *Stage) Handle(ctx context.Context, job *queue.Job) error {
	var payload queue.SearchPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return eris.Wrap(err, "search: unmarshal payload")
	}
	return s.Run(ctx, payload.SearchID, payload.Query)
}

// Run executes the search for one job. It is exported separately so the
// one-shot CLI path can run a search without going through the queue.
func (s *Stage) Run(ctx context.Context, searchID string, query model.SearchQuery) error {
	log := zap.L().With(zap.String("component", "search.stage"), zap.String("search_id", searchID))

	if err := s.store.MarkSearchJobRunning(ctx, searchID); err != nil {
		if eris.Is(err, store.ErrSearchJobNotRunnable) {
			// Cancelled (or otherwise terminal) before the claim landed;
			// drop the queue job without forwarding anything.
			log.Info("search job no longer runnable, dropping", zap.Error(err))
			return nil
		}
		return err
	}

	target := query.ResultSize.Target
	if target <= 0 {
		target = places.PageSize
	}

	s.publishStatus(searchID, model.EventStatusFetching, fmt.Sprintf("Searching for %s...", query.Vertical), 0, target)

	var processed int
	var err error
	if s.client == nil {
		processed, err = s.runFallback(ctx, searchID, query, target)
	} else {
		processed, err = s.runProvider(ctx, log, searchID, query, target)
	}
	if err != nil {
		if errors.Is(err, errCancelled) {
			log.Info("search cancelled", zap.Int("processed", processed))
			return nil
		}
		s.publishFailure(searchID, err)
		if fErr := s.store.FailSearchJob(ctx, searchID, err.Error()); fErr != nil {
			log.Error("failed to record search failure", zap.Error(fErr))
		}
		return err
	}

	if err := s.store.CompleteSearchJob(ctx, searchID, processed, processed); err != nil {
		return err
	}
	s.hub.Publish(searchID, model.ProgressEvent{
		Type:      model.EventTypeComplete,
		Status:    model.EventStatusCompleted,
		Message:   fmt.Sprintf("Search complete: %d businesses found", processed),
		Processed: processed,
		Total:     processed,
	})
	log.Info("search complete", zap.Int("processed", processed))
	return nil
}

var errCancelled = eris.New("search cancelled")

func (s *Stage) runProvider(ctx context.Context, log *zap.Logger, searchID string, query model.SearchQuery, target int) (int, error) {
	text := composeQuery(query)
	maxPages := int(math.Ceil(float64(target) / float64(places.PageSize)))

	var processed int
	var pageToken string

	for page := 0; page < maxPages; page++ {
		if cancelled, err := s.store.IsSearchJobCancelled(ctx, searchID); err != nil {
			log.Warn("cancellation check failed", zap.Error(err))
		} else if cancelled {
			return processed, errCancelled
		}

		if page > 0 {
			if pageToken == "" {
				// Provider ran out of results early.
				break
			}
			s.sleep(ctx, s.cfg.PageTokenDelay)
		}

		resp, err := s.searchPage(ctx, text, pageToken)
		if err != nil {
			if processed == 0 {
				return 0, eris.Wrap(err, "search: fetch first page")
			}
			// Later pages are best effort: keep what we already have.
			log.Warn("page fetch failed, stopping pagination",
				zap.Int("page", page+1), zap.Error(err))
			break
		}
		pageToken = resp.NextPageToken

		for _, place := range resp.Places {
			if processed >= target {
				break
			}
			if place.BusinessStatus == places.BusinessStatusClosedPermanently {
				log.Debug("skipping closed business", zap.String("place_id", place.ID))
				continue
			}

			candidate, err := s.resolveCandidate(ctx, log, place)
			if err != nil {
				log.Warn("place details failed, using search-page fields",
					zap.String("place_id", place.ID), zap.Error(err))
			}
			if candidate.BusinessStatus == places.BusinessStatusClosedPermanently {
				continue
			}

			if err := s.forward(ctx, searchID, query, candidate); err != nil {
				return processed, err
			}
			processed++

			if err := s.store.UpdateSearchJobProgress(ctx, searchID, processed, target); err != nil {
				log.Warn("progress update failed", zap.Error(err))
			}
			s.hub.Publish(searchID, model.ProgressEvent{
				Type:      model.EventTypeProgress,
				Status:    model.EventStatusProcessing,
				Message:   fmt.Sprintf("Processing %s", candidate.Name),
				Processed: processed,
				Total:     target,
				Leads:     []model.Candidate{candidate},
			})

			s.sleep(ctx, s.cfg.DetailDelay)
		}

		if processed >= target || pageToken == "" || len(resp.Places) == 0 {
			break
		}
	}

	if processed == 0 {
		log.Info("search produced no candidates", zap.String("query", text))
	}
	return processed, nil
}

// searchPage fetches one page through the rate limiter, circuit breaker,
// and retry policy, in that order.
func (s *Stage) searchPage(ctx context.Context, text, pageToken string) (*places.TextSearchResponse, error) {
	return resilience.DoVal(ctx, resilience.RetryConfig{
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		JitterFraction: 0.2,
		Operation:      "places text search",
		ShouldRetry:    transientProviderError,
	}, func(ctx context.Context) (*places.TextSearchResponse, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) (*places.TextSearchResponse, error) {
			return s.client.TextSearch(ctx, text, pageToken)
		})
	})
}

// resolveCandidate fetches full details for a place. On failure it returns
// a candidate built from the thin search-page fields along with the error.
func (s *Stage) resolveCandidate(ctx context.Context, log *zap.Logger, place places.Place) (model.Candidate, error) {
	detailed, err := resilience.DoVal(ctx, resilience.RetryConfig{
		MaxAttempts:    2,
		BaseDelay:      300 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		JitterFraction: 0.2,
		Operation:      "place details",
		ShouldRetry:    transientProviderError,
	}, func(ctx context.Context) (*places.Place, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) (*places.Place, error) {
			return s.client.PlaceDetails(ctx, place.ID)
		})
	})
	if err != nil {
		return toCandidate(place), err
	}
	return toCandidate(*detailed), nil
}

func (s *Stage) forward(ctx context.Context, searchID string, query model.SearchQuery, candidate model.Candidate) error {
	payload, err := json.Marshal(queue.EnrichPayload{
		SearchID:  searchID,
		Query:     query,
		Candidate: candidate,
	})
	if err != nil {
		return eris.Wrap(err, "search: marshal enrich payload")
	}
	maxAttempts := s.cfg.EnrichMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultConfig().EnrichMaxAttempts
	}
	_, err = s.store.Enqueue(ctx, queue.QueueEnrich, payload, maxAttempts)
	return eris.Wrap(err, "search: enqueue enrich job")
}

func (s *Stage) publishStatus(searchID, status, message string, processed, total int) {
	s.hub.Publish(searchID, model.ProgressEvent{
		Type:      model.EventTypeProgress,
		Status:    status,
		Message:   message,
		Processed: processed,
		Total:     total,
	})
}

func (s *Stage) publishFailure(searchID string, err error) {
	s.hub.Publish(searchID, model.ProgressEvent{
		Type:    model.EventTypeComplete,
		Status:  model.EventStatusFailed,
		Message: err.Error(),
	})
}

// composeQuery builds the provider text query from the structured search.
func composeQuery(q model.SearchQuery) string {
	vertical := strings.TrimSpace(q.Vertical)
	if vertical == "" {
		vertical = "businesses"
	}
	var loc []string
	if city := strings.TrimSpace(q.Geo.City); city != "" {
		loc = append(loc, city)
	}
	if state := strings.TrimSpace(q.Geo.State); state != "" {
		loc = append(loc, state)
	}
	if len(loc) == 0 {
		return vertical
	}
	return vertical + " in " + strings.Join(loc, ", ")
}

func toCandidate(p places.Place) model.Candidate {
	c := model.Candidate{
		PlaceID:          p.ID,
		Name:             p.DisplayName.Text,
		FormattedAddress: p.FormattedAddress,
		Website:          p.WebsiteURI,
		Phone:            p.NationalPhoneNumber,
		Rating:           p.Rating,
		ReviewCount:      p.UserRatingCount,
		Types:            p.Types,
		BusinessStatus:   p.BusinessStatus,
	}
	if p.RegularOpeningHours != nil {
		c.OpeningHours = p.RegularOpeningHours.WeekdayDescriptions
		c.OpenNow = p.RegularOpeningHours.OpenNow
	}
	return c
}

// transientProviderError reports whether a provider call is worth retrying.
func transientProviderError(err error) bool {
	var apiErr *places.APIError
	if errors.As(err, &apiErr) {
		return resilience.IsTransientHTTPStatus(apiErr.StatusCode)
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}
	return resilience.IsTransient(err)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
