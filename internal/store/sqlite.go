package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/leadgen/internal/model"
	"github.com/sells-group/leadgen/internal/queue"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is the default
// backend for single-machine runs; Postgres is for shared deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// SQLite allows one writer; funnel everything through one connection to
	// avoid SQLITE_BUSY under concurrent workers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS search_jobs (
	id          TEXT PRIMARY KEY,
	query       TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'queued',
	processed   INTEGER NOT NULL DEFAULT 0,
	total_found INTEGER NOT NULL DEFAULT 0,
	error       TEXT,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
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
	created_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS signals (
	id          TEXT PRIMARY KEY,
	business_id TEXT NOT NULL REFERENCES businesses(id),
	type        TEXT NOT NULL,
	value       TEXT NOT NULL,
	confidence  REAL NOT NULL,
	source      TEXT NOT NULL,
	detected_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS lead_rankings (
	id            TEXT PRIMARY KEY,
	search_job_id TEXT NOT NULL REFERENCES search_jobs(id),
	business_id   TEXT NOT NULL REFERENCES businesses(id),
	score         INTEGER NOT NULL,
	subscores     TEXT NOT NULL,
	rank          INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS queue_jobs (
	id           TEXT PRIMARY KEY,
	queue        TEXT NOT NULL,
	payload      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	last_error   TEXT,
	run_at       DATETIME NOT NULL,
	locked_until DATETIME,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_search_jobs_status ON search_jobs(status);
CREATE INDEX IF NOT EXISTS idx_signals_business_id ON signals(business_id);
CREATE INDEX IF NOT EXISTS idx_lead_rankings_search ON lead_rankings(search_job_id);
CREATE INDEX IF NOT EXISTS idx_queue_jobs_claim ON queue_jobs(queue, status, run_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "rows affected for %s %s", entity, id)
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

// Search jobs

func (s *SQLiteStore) CreateSearchJob(ctx context.Context, q model.SearchQuery) (*model.SearchJob, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	queryJSON, err := json.Marshal(q)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal query")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO search_jobs (id, query, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(queryJSON), string(model.JobStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert search job")
	}

	return &model.SearchJob{
		ID:        id,
		Query:     q,
		Status:    model.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func scanSearchJob(scan func(dest ...any) error) (*model.SearchJob, error) {
	var j model.SearchJob
	var queryJSON string
	var errText sql.NullString
	if err := scan(&j.ID, &queryJSON, &j.Status, &j.Processed, &j.TotalFound, &errText, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(queryJSON), &j.Query); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal query")
	}
	j.Error = errText.String
	return &j, nil
}

func (s *SQLiteStore) GetSearchJob(ctx context.Context, id string) (*model.SearchJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, query, status, processed, total_found, error, created_at, updated_at FROM search_jobs WHERE id = ?`,
		id,
	)
	j, err := scanSearchJob(row.Scan)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get search job %s", id)
	}
	return j, nil
}

func (s *SQLiteStore) ListSearchJobs(ctx context.Context, filter JobFilter) ([]model.SearchJob, error) {
	query := `SELECT id, query, status, processed, total_found, error, created_at, updated_at FROM search_jobs WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list search jobs")
	}
	defer rows.Close()

	var jobs []model.SearchJob
	for rows.Next() {
		j, err := scanSearchJob(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan search job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list search jobs iterate")
}

// MarkSearchJobRunning transitions a job to running. Terminal statuses are
// left alone so a cancel issued before the job was claimed sticks.
func (s *SQLiteStore) MarkSearchJobRunning(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE search_jobs SET status = ?, updated_at = ? WHERE id = ? AND status IN ('queued', 'running')`,
		string(model.JobStatusRunning), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark search job running %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark search job running %s", id)
	}
	if n == 0 {
		return eris.Wrapf(ErrSearchJobNotRunnable, "sqlite: %s", id)
	}
	return nil
}

func (s *SQLiteStore) UpdateSearchJobProgress(ctx context.Context, id string, processed, total int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE search_jobs SET processed = ?, total_found = ?, updated_at = ? WHERE id = ?`,
		processed, total, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update search job progress %s", id)
	}
	return checkRowsAffected(res, "search job", id)
}

func (s *SQLiteStore) CompleteSearchJob(ctx context.Context, id string, processed, total int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE search_jobs SET status = ?, processed = ?, total_found = ?, updated_at = ? WHERE id = ?`,
		string(model.JobStatusCompleted), processed, total, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete search job %s", id)
	}
	return checkRowsAffected(res, "search job", id)
}

func (s *SQLiteStore) FailSearchJob(ctx context.Context, id string, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE search_jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(model.JobStatusFailed), errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail search job %s", id)
	}
	return checkRowsAffected(res, "search job", id)
}

func (s *SQLiteStore) CancelSearchJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE search_jobs SET status = ?, updated_at = ? WHERE id = ? AND status IN ('queued', 'running')`,
		string(model.JobStatusCancelled), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: cancel search job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: cancel search job %s", id)
	}
	if n == 0 {
		return eris.Errorf("search job not cancellable: %s", id)
	}
	return nil
}

func (s *SQLiteStore) IsSearchJobCancelled(ctx context.Context, id string) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM search_jobs WHERE id = ?`, id).Scan(&status)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: check cancellation %s", id)
	}
	return model.JobStatus(status) == model.JobStatusCancelled, nil
}

// Canonical entities

func (s *SQLiteStore) UpsertBusiness(ctx context.Context, b model.Business) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	var canonical string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO businesses (id, name, website, phone, formatted_address, street, city, state, zip, country, dedupe_key, created_at)
		 VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?)
		 ON CONFLICT (dedupe_key) DO UPDATE SET name = excluded.name
		 RETURNING id`,
		id, b.Name, b.Website, b.Phone, b.FormattedAddress,
		b.Address.Street, b.Address.City, b.Address.State, b.Address.Zip, b.Address.Country,
		b.DedupeKey(), now,
	).Scan(&canonical)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: upsert business %s", b.Name)
	}
	return canonical, nil
}

func (s *SQLiteStore) InsertSignals(ctx context.Context, businessID string, signals []model.Signal) error {
	for _, sig := range signals {
		detectedAt := sig.DetectedAt
		if detectedAt.IsZero() {
			detectedAt = time.Now().UTC()
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO signals (id, business_id, type, value, confidence, source, detected_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), businessID, sig.Type, sig.Value, sig.Confidence, sig.Source, detectedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert signal %s", sig.Type)
		}
	}
	return nil
}

func (s *SQLiteStore) InsertLeadRanking(ctx context.Context, lr model.LeadRanking) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	subscoresJSON, err := json.Marshal(lr.Subscores)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal subscores")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO lead_rankings (id, search_job_id, business_id, score, subscores, rank, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, lr.SearchJobID, lr.BusinessID, lr.Score, string(subscoresJSON), lr.Rank, now,
	)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: insert lead ranking for job %s", lr.SearchJobID)
	}
	return id, nil
}

func (s *SQLiteStore) ListLeads(ctx context.Context, searchJobID string, filter LeadFilter) ([]model.Lead, error) {
	query := `SELECT lr.id, lr.search_job_id, lr.business_id, lr.score, lr.subscores,
	       ROW_NUMBER() OVER (ORDER BY lr.score DESC, lr.created_at ASC) AS rank, lr.created_at,
	       b.name, COALESCE(b.website, ''), COALESCE(b.phone, ''), COALESCE(b.formatted_address, ''),
	       COALESCE(b.street, ''), COALESCE(b.city, ''), COALESCE(b.state, ''), COALESCE(b.zip, ''), COALESCE(b.country, ''), b.created_at
	FROM lead_rankings lr
	JOIN businesses b ON b.id = lr.business_id
	WHERE lr.search_job_id = ?`
	args := []any{searchJobID}

	if filter.MinScore > 0 {
		query += ` AND lr.score >= ?`
		args = append(args, filter.MinScore)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY rank LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list leads")
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		var l model.Lead
		var subscoresJSON string
		var rank int64
		if err := rows.Scan(
			&l.Ranking.ID, &l.Ranking.SearchJobID, &l.Ranking.BusinessID, &l.Ranking.Score, &subscoresJSON,
			&rank, &l.Ranking.CreatedAt,
			&l.Business.Name, &l.Business.Website, &l.Business.Phone, &l.Business.FormattedAddress,
			&l.Business.Address.Street, &l.Business.Address.City, &l.Business.Address.State,
			&l.Business.Address.Zip, &l.Business.Address.Country, &l.Business.CreatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead")
		}
		if err := json.Unmarshal([]byte(subscoresJSON), &l.Ranking.Subscores); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal subscores")
		}
		l.Ranking.Rank = int(rank)
		l.Business.ID = l.Ranking.BusinessID
		leads = append(leads, l)
	}
	return leads, eris.Wrap(rows.Err(), "sqlite: list leads iterate")
}

// Durable queue

func (s *SQLiteStore) Enqueue(ctx context.Context, queueName string, payload []byte, maxAttempts int) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_jobs (id, queue, payload, status, max_attempts, run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, queueName, string(payload), string(queue.StatusPending), maxAttempts, now, now, now,
	)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: enqueue %s", queueName)
	}
	return id, nil
}

// Claim leases the oldest runnable job. SQLite serializes writers, so the
// single UPDATE is atomic without SKIP LOCKED; the locked_until comparison
// still reclaims expired leases for at-least-once delivery.
func (s *SQLiteStore) Claim(ctx context.Context, queueName string, lease time.Duration) (*queue.Job, error) {
	now := time.Now().UTC()

	var j queue.Job
	var payload string
	var lastErr sql.NullString
	err := s.db.QueryRowContext(ctx,
		`UPDATE queue_jobs SET status = 'running', attempts = attempts + 1,
		        locked_until = ?, updated_at = ?
		 WHERE id = (
		   SELECT id FROM queue_jobs
		   WHERE queue = ? AND run_at <= ?
		     AND (status = 'pending' OR (status = 'running' AND locked_until < ?))
		   ORDER BY created_at
		   LIMIT 1
		 )
		 RETURNING id, queue, payload, status, attempts, max_attempts, last_error, run_at, created_at`,
		now.Add(lease), now, queueName, now, now,
	).Scan(&j.ID, &j.Queue, &payload, &j.Status, &j.Attempts, &j.MaxAttempts, &lastErr, &j.RunAt, &j.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: claim %s", queueName)
	}
	j.Payload = []byte(payload)
	j.LastError = lastErr.String
	return &j, nil
}

func (s *SQLiteStore) Complete(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_jobs SET status = 'completed', locked_until = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), jobID,
	)
	return eris.Wrapf(err, "sqlite: complete queue job %s", jobID)
}

func (s *SQLiteStore) Retry(ctx context.Context, jobID string, runAt time.Time, lastErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_jobs SET status = 'pending', run_at = ?, last_error = ?, locked_until = NULL, updated_at = ? WHERE id = ?`,
		runAt.UTC(), lastErr, time.Now().UTC(), jobID,
	)
	return eris.Wrapf(err, "sqlite: retry queue job %s", jobID)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, jobID string, lastErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_jobs SET status = 'failed', last_error = ?, locked_until = NULL, updated_at = ? WHERE id = ?`,
		lastErr, time.Now().UTC(), jobID,
	)
	return eris.Wrapf(err, "sqlite: mark queue job failed %s", jobID)
}

func (s *SQLiteStore) QueueDepth(ctx context.Context, queueName string) (int, error) {
	var depth int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_jobs WHERE queue = ? AND status IN ('pending', 'running')`,
		queueName,
	).Scan(&depth)
	return depth, eris.Wrapf(err, "sqlite: queue depth %s", queueName)
}

var _ Store = (*SQLiteStore)(nil)
var _ Store = (*PostgresStore)(nil)
