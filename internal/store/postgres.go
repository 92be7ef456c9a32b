package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/genqueue/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...Option) *PostgresStore {
	o := buildOptions(opts)
	return &PostgresStore{pool: pool, now: o.now}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) UpsertQueued(ctx context.Context, id, text string) error {
	now := s.now()
	var got string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO jobs (id, status, text, created_at, last_modified)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   text = EXCLUDED.text,
		   created_at = EXCLUDED.created_at,
		   last_modified = EXCLUDED.last_modified
		 WHERE jobs.status NOT IN ($5, $6)
		 RETURNING id`,
		id, int16(models.StatusQueued), text, now,
		int16(models.StatusQueued), int16(models.StatusAssigned),
	).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAlreadyPending
	}
	if err != nil {
		return fmt.Errorf("upsert queued job: %w", classifyPgError(err))
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var j models.Job
	var code int16
	err := s.pool.QueryRow(ctx,
		`SELECT id, status, text, created_at, last_modified FROM jobs WHERE id = $1`, id,
	).Scan(&j.ID, &code, &j.Text, &j.CreatedAt, &j.LastModified)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if j.Status, err = models.ParseStatus(int64(code)); err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &j, nil
}

// ClaimBatch locks candidate rows with SKIP LOCKED so concurrent claimers
// never block on, or both receive, the same row.
func (s *PostgresStore) ClaimBatch(ctx context.Context, limit int) ([]models.Task, error) {
	if limit <= 0 {
		return []models.Task{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`WITH next_jobs AS (
		   SELECT id FROM jobs
		   WHERE status = $1
		   ORDER BY last_modified ASC, id ASC
		   FOR UPDATE SKIP LOCKED
		   LIMIT $2
		 )
		 UPDATE jobs SET status = $3, last_modified = $4
		 WHERE id IN (SELECT id FROM next_jobs) AND status = $1
		 RETURNING id, text`,
		int16(models.StatusQueued), limit, int16(models.StatusAssigned), s.now())
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	tasks := []models.Task{}
	for rows.Next() {
		var t models.Task
		if err := rows.Scan(&t.ID, &t.Text); err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	return tasks, nil
}

func (s *PostgresStore) SetTerminal(ctx context.Context, id string, status models.Status) (bool, error) {
	if !CanTransition(models.StatusAssigned, status) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, models.StatusAssigned, status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, last_modified = $3 WHERE id = $1 AND status = $4`,
		id, int16(status), s.now(), int16(models.StatusAssigned))
	if err != nil {
		return false, fmt.Errorf("set job %s: %w", status, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) MarkStaleOlderThan(ctx context.Context, age time.Duration) ([]string, error) {
	now := s.now()
	rows, err := s.pool.Query(ctx,
		`UPDATE jobs SET status = $1, last_modified = $2
		 WHERE last_modified < $3 AND status <> $1
		 RETURNING id`,
		int16(models.StatusMarkedForDeletion), now, now.Add(-age))
	if err != nil {
		return nil, fmt.Errorf("mark stale jobs: %w", err)
	}
	return collectIDs(rows)
}

func (s *PostgresStore) DeleteMarked(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`DELETE FROM jobs WHERE status = $1 RETURNING id`,
		int16(models.StatusMarkedForDeletion))
	if err != nil {
		return nil, fmt.Errorf("delete marked jobs: %w", err)
	}
	return collectIDs(rows)
}

func (s *PostgresStore) ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return existing, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT id FROM jobs WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("lookup job ids: %w", err)
	}
	found, err := collectIDs(rows)
	if err != nil {
		return nil, err
	}
	for _, id := range found {
		existing[id] = true
	}
	return existing, nil
}

func collectIDs(rows pgx.Rows) ([]string, error) {
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan job ids: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// classifyPgError maps constraint violations onto store sentinels.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23514" {
		return fmt.Errorf("%w: %s", ErrInvalidTransition, pgErr.Message)
	}
	return err
}
