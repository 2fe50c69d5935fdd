package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBackend is a minimal in-memory Backend for worker tests.
type memBackend struct {
	mu   sync.Mutex
	jobs []*Job

	completed []string
	retried   map[string]time.Time
	failed    map[string]string
}

func newMemBackend() *memBackend {
	return &memBackend{
		retried: make(map[string]time.Time),
		failed:  make(map[string]string),
	}
}

func (m *memBackend) Enqueue(_ context.Context, queue string, payload []byte, maxAttempts int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := time.Now().Format(time.RFC3339Nano)
	m.jobs = append(m.jobs, &Job{
		ID: id, Queue: queue, Payload: payload,
		Status: StatusPending, MaxAttempts: maxAttempts,
		RunAt: time.Now(), CreatedAt: time.Now(),
	})
	return id, nil
}

func (m *memBackend) Claim(_ context.Context, queue string, _ time.Duration) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.Queue == queue && j.Status == StatusPending && !j.RunAt.After(time.Now()) {
			j.Status = StatusRunning
			j.Attempts++
			cp := *j
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memBackend) Complete(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, jobID)
	m.setStatus(jobID, StatusCompleted)
	return nil
}

func (m *memBackend) Retry(_ context.Context, jobID string, runAt time.Time, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retried[jobID] = runAt
	for _, j := range m.jobs {
		if j.ID == jobID {
			j.Status = StatusPending
			j.RunAt = runAt
		}
	}
	return nil
}

func (m *memBackend) MarkFailed(_ context.Context, jobID string, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[jobID] = lastErr
	m.setStatus(jobID, StatusFailed)
	return nil
}

func (m *memBackend) setStatus(jobID string, status JobStatus) {
	for _, j := range m.jobs {
		if j.ID == jobID {
			j.Status = status
		}
	}
}

func runWorkerBriefly(t *testing.T, w *Worker, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	err := w.Run(ctx)
	require.NoError(t, err)
}

func TestWorker_CompletesSuccessfulJob(t *testing.T) {
	backend := newMemBackend()
	id, err := backend.Enqueue(context.Background(), QueueEnrich, []byte(`{}`), 3)
	require.NoError(t, err)

	w := NewWorker(backend, WorkerConfig{Concurrency: 1, PollInterval: 10 * time.Millisecond})
	w.Register(QueueEnrich, 1, func(_ context.Context, _ *Job) error { return nil })

	runWorkerBriefly(t, w, 200*time.Millisecond)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Contains(t, backend.completed, id)
}

func TestWorker_RetriesWithBackoff(t *testing.T) {
	backend := newMemBackend()
	id, err := backend.Enqueue(context.Background(), QueueSearch, []byte(`{}`), 3)
	require.NoError(t, err)

	var attempts int
	var mu sync.Mutex
	w := NewWorker(backend, WorkerConfig{
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
		RetryBase:    time.Hour, // retry lands far in the future, so one attempt only
	})
	w.Register(QueueSearch, 1, func(_ context.Context, _ *Job) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("transient")
	})

	runWorkerBriefly(t, w, 200*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, attempts)
	mu.Unlock()

	backend.mu.Lock()
	defer backend.mu.Unlock()
	runAt, ok := backend.retried[id]
	require.True(t, ok, "job should have been scheduled for retry")
	assert.True(t, runAt.After(time.Now().Add(30*time.Minute)))
	assert.Empty(t, backend.failed)
}

func TestWorker_ExhaustedJobMarkedFailed(t *testing.T) {
	backend := newMemBackend()
	id, err := backend.Enqueue(context.Background(), QueueScore, []byte(`{}`), 1)
	require.NoError(t, err)

	w := NewWorker(backend, WorkerConfig{Concurrency: 1, PollInterval: 10 * time.Millisecond})
	w.Register(QueueScore, 1, func(_ context.Context, _ *Job) error {
		return errors.New("ranking insert failed")
	})

	runWorkerBriefly(t, w, 200*time.Millisecond)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, "ranking insert failed", backend.failed[id])
	assert.Empty(t, backend.retried)
}

func TestWorker_NoHandlersIsAnError(t *testing.T) {
	w := NewWorker(newMemBackend(), WorkerConfig{})
	err := w.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handlers")
}

func TestWorker_RetryDelayDoublesAndCaps(t *testing.T) {
	w := NewWorker(newMemBackend(), WorkerConfig{
		RetryBase: time.Second,
		RetryMax:  10 * time.Second,
	})

	assert.Equal(t, time.Second, w.retryDelay(1))
	assert.Equal(t, 2*time.Second, w.retryDelay(2))
	assert.Equal(t, 4*time.Second, w.retryDelay(3))
	assert.Equal(t, 10*time.Second, w.retryDelay(5))
	assert.Equal(t, 10*time.Second, w.retryDelay(60))
}
