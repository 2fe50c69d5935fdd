package main

import (
	"context"
	"math/rand/v2"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadgen/internal/enrich"
	"github.com/sells-group/leadgen/internal/events"
	"github.com/sells-group/leadgen/internal/queue"
	"github.com/sells-group/leadgen/internal/score"
	"github.com/sells-group/leadgen/internal/search"
	"github.com/sells-group/leadgen/internal/store"
	"github.com/sells-group/leadgen/pkg/places"
)

// pipelineEnv holds the initialized store, event hub, and stages shared by
// the serve/work/search commands.
type pipelineEnv struct {
	Store  store.Store
	Hub    *events.Hub
	Places places.Client // nil when no API key is configured
	Search *search.Stage
	Enrich *enrich.Stage
	Score  *score.Stage
}

// Close releases resources held by the environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initEnv opens the store, runs migrations, and builds the pipeline
// stages. Callers should defer env.Close().
func initEnv(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	var client places.Client
	if cfg.Places.Key != "" {
		opts := []places.Option{}
		if cfg.Places.BaseURL != "" {
			opts = append(opts, places.WithBaseURL(cfg.Places.BaseURL))
		}
		client = places.NewClient(cfg.Places.Key, opts...)
	} else {
		zap.L().Warn("no places API key configured, searches will use generated candidates")
	}

	hub := events.NewHub()
	env := &pipelineEnv{
		Store:  st,
		Hub:    hub,
		Places: client,
		Search: search.NewStage(st, client, hub, cfg.Search),
		Enrich: enrich.NewStage(st, cfg.Enrich, rand.Float64),
		Score:  score.NewStage(st),
	}
	return env, nil
}

// initStore opens the configured database backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("store.database_url is required for the postgres driver")
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// newWorker builds the queue worker with all three stage handlers bound.
func (pe *pipelineEnv) newWorker() *queue.Worker {
	w := queue.NewWorker(pe.Store, cfg.Queue.WorkerConfig())
	w.Register(queue.QueueSearch, cfg.Queue.SearchWorkers, pe.Search.Handle)
	w.Register(queue.QueueEnrich, cfg.Queue.EnrichWorkers, pe.Enrich.Handle)
	w.Register(queue.QueueScore, cfg.Queue.ScoreWorkers, pe.Score.Handle)
	return w
}
