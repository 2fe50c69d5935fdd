package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/leadgen/internal/db"
	"github.com/sells-group/leadgen/internal/model"
	"github.com/sells-group/leadgen/internal/queue"
)

// PostgresStore implements Store using a shared pgxpool. One pool is created
// at startup and injected into every stage; no per-job connections.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hottest pipeline operations.
var preparedStatements = map[string]string{
	"update_job_progress": `UPDATE search_jobs SET processed = $1, total_found = $2, updated_at = $3 WHERE id = $4`,
	"insert_signal":       `INSERT INTO signals (id, business_id, type, value, confidence, source, detected_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
	"complete_queue_job":  `UPDATE queue_jobs SET status = 'completed', locked_until = NULL, updated_at = now() WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS search_jobs (
	id          TEXT PRIMARY KEY,
	query       JSONB NOT NULL,
	status      TEXT NOT NULL DEFAULT 'queued',
	processed   INTEGER NOT NULL DEFAULT 0,
	total_found INTEGER NOT NULL DEFAULT 0,
	error       TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS businesses (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	website           TEXT,
	phone             TEXT,
	formatted_address TEXT,
	street            TEXT,
	city              TEXT,
	state             TEXT,
	zip               TEXT,
	country           TEXT,
	dedupe_key        TEXT NOT NULL UNIQUE,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS signals (
	id          TEXT PRIMARY KEY,
	business_id TEXT NOT NULL REFERENCES businesses(id),
	type        TEXT NOT NULL,
	value       TEXT NOT NULL,
	confidence  DOUBLE PRECISION NOT NULL,
	source      TEXT NOT NULL,
	detected_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS lead_rankings (
	id            TEXT PRIMARY KEY,
	search_job_id TEXT NOT NULL REFERENCES search_jobs(id),
	business_id   TEXT NOT NULL REFERENCES businesses(id),
	score         INTEGER NOT NULL,
	subscores     JSONB NOT NULL,
	rank          INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS queue_jobs (
	id           TEXT PRIMARY KEY,
	queue        TEXT NOT NULL,
	payload      JSONB NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	last_error   TEXT,
	run_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	locked_until TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_search_jobs_status ON search_jobs(status);
CREATE INDEX IF NOT EXISTS idx_businesses_website ON businesses(website);
CREATE INDEX IF NOT EXISTS idx_signals_business_id ON signals(business_id);
CREATE INDEX IF NOT EXISTS idx_lead_rankings_search ON lead_rankings(search_job_id);
CREATE INDEX IF NOT EXISTS idx_lead_rankings_business ON lead_rankings(business_id);
CREATE INDEX IF NOT EXISTS idx_queue_jobs_claim ON queue_jobs(queue, status, run_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Search jobs

func (s *PostgresStore) CreateSearchJob(ctx context.Context, q model.SearchQuery) (*model.SearchJob, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	queryJSON, err := json.Marshal(q)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal query")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO search_jobs (id, query, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, queryJSON, string(model.JobStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert search job")
	}

	return &model.SearchJob{
		ID:        id,
		Query:     q,
		Status:    model.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) GetSearchJob(ctx context.Context, id string) (*model.SearchJob, error) {
	var j model.SearchJob
	var queryJSON []byte
	var errText *string

	err := s.pool.QueryRow(ctx,
		`SELECT id, query, status, processed, total_found, error, created_at, updated_at FROM search_jobs WHERE id = $1`,
		id,
	).Scan(&j.ID, &queryJSON, &j.Status, &j.Processed, &j.TotalFound, &errText, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get search job %s", id)
	}
	if err := json.Unmarshal(queryJSON, &j.Query); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal query")
	}
	if errText != nil {
		j.Error = *errText
	}
	return &j, nil
}

func (s *PostgresStore) ListSearchJobs(ctx context.Context, filter JobFilter) ([]model.SearchJob, error) {
	query := `SELECT id, query, status, processed, total_found, error, created_at, updated_at FROM search_jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list search jobs")
	}
	defer rows.Close()

	var jobs []model.SearchJob
	for rows.Next() {
		var j model.SearchJob
		var queryJSON []byte
		var errText *string
		if err := rows.Scan(&j.ID, &queryJSON, &j.Status, &j.Processed, &j.TotalFound, &errText, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan search job")
		}
		if err := json.Unmarshal(queryJSON, &j.Query); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal query")
		}
		if errText != nil {
			j.Error = *errText
		}
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list search jobs iterate")
}

// MarkSearchJobRunning transitions a job to running. Terminal statuses are
// left alone: a job cancelled while still queued must not be revived by the
// worker that later claims it. Running is included so a retried queue job
// can resume.
func (s *PostgresStore) MarkSearchJobRunning(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE search_jobs SET status = $1, updated_at = $2 WHERE id = $3 AND status IN ('queued', 'running')`,
		string(model.JobStatusRunning), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark search job running %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrSearchJobNotRunnable, "postgres: %s", id)
	}
	return nil
}

func (s *PostgresStore) UpdateSearchJobProgress(ctx context.Context, id string, processed, total int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE search_jobs SET processed = $1, total_found = $2, updated_at = $3 WHERE id = $4`,
		processed, total, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update search job progress %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("search job not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) CompleteSearchJob(ctx context.Context, id string, processed, total int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE search_jobs SET status = $1, processed = $2, total_found = $3, updated_at = $4 WHERE id = $5`,
		string(model.JobStatusCompleted), processed, total, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete search job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("search job not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) FailSearchJob(ctx context.Context, id string, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE search_jobs SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
		string(model.JobStatusFailed), errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail search job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("search job not found: %s", id)
	}
	return nil
}

// CancelSearchJob flags a queued or running job. The search stage checks the
// flag between pages and stops without emitting further candidates.
func (s *PostgresStore) CancelSearchJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE search_jobs SET status = $1, updated_at = $2 WHERE id = $3 AND status IN ('queued', 'running')`,
		string(model.JobStatusCancelled), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: cancel search job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("search job not cancellable: %s", id)
	}
	return nil
}

func (s *PostgresStore) IsSearchJobCancelled(ctx context.Context, id string) (bool, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM search_jobs WHERE id = $1`,
		id,
	).Scan(&status)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: check cancellation %s", id)
	}
	return model.JobStatus(status) == model.JobStatusCancelled, nil
}

// Canonical entities

// UpsertBusiness inserts the business or, when its dedupe key already
// exists, returns the canonical row's id. The conflict clause makes the
// dedupe atomic under concurrent scoring jobs racing on the same key.
func (s *PostgresStore) UpsertBusiness(ctx context.Context, b model.Business) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	var canonical string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO businesses (id, name, website, phone, formatted_address, street, city, state, zip, country, dedupe_key, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), $11, $12)
		 ON CONFLICT (dedupe_key) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id`,
		id, b.Name, b.Website, b.Phone, b.FormattedAddress,
		b.Address.Street, b.Address.City, b.Address.State, b.Address.Zip, b.Address.Country,
		b.DedupeKey(), now,
	).Scan(&canonical)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: upsert business %s", b.Name)
	}
	return canonical, nil
}

func (s *PostgresStore) InsertSignals(ctx context.Context, businessID string, signals []model.Signal) error {
	for _, sig := range signals {
		detectedAt := sig.DetectedAt
		if detectedAt.IsZero() {
			detectedAt = time.Now().UTC()
		}
		_, err := s.pool.Exec(ctx,
			`INSERT INTO signals (id, business_id, type, value, confidence, source, detected_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.New().String(), businessID, sig.Type, sig.Value, sig.Confidence, sig.Source, detectedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert signal %s", sig.Type)
		}
	}
	return nil
}

func (s *PostgresStore) InsertLeadRanking(ctx context.Context, lr model.LeadRanking) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	subscoresJSON, err := json.Marshal(lr.Subscores)
	if err != nil {
		return "", eris.Wrap(err, "postgres: marshal subscores")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO lead_rankings (id, search_job_id, business_id, score, subscores, rank, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, lr.SearchJobID, lr.BusinessID, lr.Score, subscoresJSON, lr.Rank, now,
	)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: insert lead ranking for job %s", lr.SearchJobID)
	}
	return id, nil
}

// ListLeads returns a search's leads ordered by score. Rank is assigned
// here at read time, not by the scoring stage.
func (s *PostgresStore) ListLeads(ctx context.Context, searchJobID string, filter LeadFilter) ([]model.Lead, error) {
	query := `SELECT lr.id, lr.search_job_id, lr.business_id, lr.score, lr.subscores,
	       ROW_NUMBER() OVER (ORDER BY lr.score DESC, lr.created_at ASC) AS rank, lr.created_at,
	       b.name, COALESCE(b.website, ''), COALESCE(b.phone, ''), COALESCE(b.formatted_address, ''),
	       COALESCE(b.street, ''), COALESCE(b.city, ''), COALESCE(b.state, ''), COALESCE(b.zip, ''), COALESCE(b.country, ''), b.created_at
	FROM lead_rankings lr
	JOIN businesses b ON b.id = lr.business_id
	WHERE lr.search_job_id = $1`
	args := []any{searchJobID}
	argIdx := 2

	if filter.MinScore > 0 {
		query += fmt.Sprintf(` AND lr.score >= $%d`, argIdx)
		args = append(args, filter.MinScore)
		argIdx++
	}
	query += ` ORDER BY rank`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list leads")
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		var l model.Lead
		var subscoresJSON []byte
		var rank int64
		if err := rows.Scan(
			&l.Ranking.ID, &l.Ranking.SearchJobID, &l.Ranking.BusinessID, &l.Ranking.Score, &subscoresJSON,
			&rank, &l.Ranking.CreatedAt,
			&l.Business.Name, &l.Business.Website, &l.Business.Phone, &l.Business.FormattedAddress,
			&l.Business.Address.Street, &l.Business.Address.City, &l.Business.Address.State,
			&l.Business.Address.Zip, &l.Business.Address.Country, &l.Business.CreatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead")
		}
		if err := json.Unmarshal(subscoresJSON, &l.Ranking.Subscores); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal subscores")
		}
		l.Ranking.Rank = int(rank)
		l.Business.ID = l.Ranking.BusinessID
		leads = append(leads, l)
	}
	return leads, eris.Wrap(rows.Err(), "postgres: list leads iterate")
}

// Durable queue

func (s *PostgresStore) Enqueue(ctx context.Context, queueName string, payload []byte, maxAttempts int) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO queue_jobs (id, queue, payload, status, max_attempts, run_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, queueName, payload, string(queue.StatusPending), maxAttempts, now, now, now,
	)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: enqueue %s", queueName)
	}
	return id, nil
}

// Claim leases the oldest runnable job using SKIP LOCKED so concurrent
// workers never double-claim. Running jobs whose lease expired are
// reclaimed on the next poll.
func (s *PostgresStore) Claim(ctx context.Context, queueName string, lease time.Duration) (*queue.Job, error) {
	var j queue.Job
	var lastErr *string
	err := s.pool.QueryRow(ctx,
		`UPDATE queue_jobs SET status = 'running', attempts = attempts + 1,
		        locked_until = now() + make_interval(secs => $2), updated_at = now()
		 WHERE id = (
		   SELECT id FROM queue_jobs
		   WHERE queue = $1 AND run_at <= now()
		     AND (status = 'pending' OR (status = 'running' AND locked_until < now()))
		   ORDER BY created_at
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, queue, payload, status, attempts, max_attempts, last_error, run_at, created_at`,
		queueName, lease.Seconds(),
	).Scan(&j.ID, &j.Queue, &j.Payload, &j.Status, &j.Attempts, &j.MaxAttempts, &lastErr, &j.RunAt, &j.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: claim %s", queueName)
	}
	if lastErr != nil {
		j.LastError = *lastErr
	}
	return &j, nil
}

func (s *PostgresStore) Complete(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE queue_jobs SET status = 'completed', locked_until = NULL, updated_at = now() WHERE id = $1`,
		jobID,
	)
	return eris.Wrapf(err, "postgres: complete queue job %s", jobID)
}

func (s *PostgresStore) Retry(ctx context.Context, jobID string, runAt time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE queue_jobs SET status = 'pending', run_at = $1, last_error = $2, locked_until = NULL, updated_at = now() WHERE id = $3`,
		runAt.UTC(), lastErr, jobID,
	)
	return eris.Wrapf(err, "postgres: retry queue job %s", jobID)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, jobID string, lastErr string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE queue_jobs SET status = 'failed', last_error = $1, locked_until = NULL, updated_at = now() WHERE id = $2`,
		lastErr, jobID,
	)
	return eris.Wrapf(err, "postgres: mark queue job failed %s", jobID)
}

func (s *PostgresStore) QueueDepth(ctx context.Context, queueName string) (int, error) {
	var depth int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM queue_jobs WHERE queue = $1 AND status IN ('pending', 'running')`,
		queueName,
	).Scan(&depth)
	return depth, eris.Wrapf(err, "postgres: queue depth %s", queueName)
}
