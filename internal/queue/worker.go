package queue

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler processes one claimed job. A nil return completes the job; an
// error schedules a retry, or fails the job permanently once attempts are
// exhausted.
type Handler func(ctx context.Context, job *Job) error

// WorkerConfig tunes a queue's worker pool.
type WorkerConfig struct {
	Concurrency  int           `yaml:"concurrency" mapstructure:"concurrency"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	Lease        time.Duration `yaml:"lease" mapstructure:"lease"`
	RetryBase    time.Duration `yaml:"retry_base" mapstructure:"retry_base"`
	RetryMax     time.Duration `yaml:"retry_max" mapstructure:"retry_max"`
}

// DefaultWorkerConfig returns conservative worker settings.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:  4,
		PollInterval: 500 * time.Millisecond,
		Lease:        5 * time.Minute,
		RetryBase:    2 * time.Second,
		RetryMax:     5 * time.Minute,
	}
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	def := DefaultWorkerConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.Lease <= 0 {
		c.Lease = def.Lease
	}
	if c.RetryBase <= 0 {
		c.RetryBase = def.RetryBase
	}
	if c.RetryMax <= 0 {
		c.RetryMax = def.RetryMax
	}
	return c
}

// Worker polls registered queues and dispatches claimed jobs to their
// handlers. One Worker serves all stage queues; each queue gets its own
// goroutine pool.
type Worker struct {
	backend  Backend
	cfg      WorkerConfig
	handlers map[string]registration
	nowFunc  func() time.Time
}

type registration struct {
	handler     Handler
	concurrency int
}

// NewWorker creates a worker over the given backend.
func NewWorker(backend Backend, cfg WorkerConfig) *Worker {
	return &Worker{
		backend:  backend,
		cfg:      cfg.withDefaults(),
		handlers: make(map[string]registration),
		nowFunc:  time.Now,
	}
}

// Register binds a handler to a queue with its own pool size. A
// non-positive concurrency uses the config default. Must be called before
// Run.
func (w *Worker) Register(queue string, concurrency int, h Handler) {
	if concurrency <= 0 {
		concurrency = w.cfg.Concurrency
	}
	w.handlers[queue] = registration{handler: h, concurrency: concurrency}
}

// Run polls until the context is cancelled. It blocks; run it in a
// goroutine alongside the serving loop when embedding workers in a server.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.handlers) == 0 {
		return eris.New("worker: no handlers registered")
	}

	g, gctx := errgroup.WithContext(ctx)
	for queueName, reg := range w.handlers {
		for i := 0; i < reg.concurrency; i++ {
			g.Go(func() error {
				return w.poll(gctx, queueName, reg.handler)
			})
		}
	}

	err := g.Wait()
	if eris.Is(err, context.Canceled) || eris.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (w *Worker) poll(ctx context.Context, queueName string, handler Handler) error {
	log := zap.L().With(zap.String("component", "queue.worker"), zap.String("queue", queueName))

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		job, err := w.backend.Claim(ctx, queueName, w.cfg.Lease)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("claim failed", zap.Error(err))
		} else if job != nil {
			w.dispatch(ctx, log, job, handler)
			// Drain the queue before sleeping again.
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, log *zap.Logger, job *Job, handler Handler) {
	jLog := log.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempts))

	err := handler(ctx, job)
	if err == nil {
		if cErr := w.backend.Complete(ctx, job.ID); cErr != nil {
			jLog.Error("complete failed", zap.Error(cErr))
		}
		return
	}

	if job.Exhausted() {
		jLog.Error("job failed permanently", zap.Error(err))
		if fErr := w.backend.MarkFailed(ctx, job.ID, err.Error()); fErr != nil {
			jLog.Error("mark failed errored", zap.Error(fErr))
		}
		return
	}

	delay := w.retryDelay(job.Attempts)
	jLog.Warn("job failed, scheduling retry", zap.Error(err), zap.Duration("delay", delay))
	if rErr := w.backend.Retry(ctx, job.ID, w.nowFunc().Add(delay), err.Error()); rErr != nil {
		jLog.Error("retry scheduling failed", zap.Error(rErr))
	}
}

// retryDelay doubles per attempt starting from RetryBase, capped at RetryMax.
func (w *Worker) retryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(float64(w.cfg.RetryBase) * math.Pow(2, float64(attempts-1)))
	if delay > w.cfg.RetryMax || delay <= 0 {
		delay = w.cfg.RetryMax
	}
	return delay
}
