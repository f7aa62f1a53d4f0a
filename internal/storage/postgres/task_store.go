// Package postgres provides the Postgres-backed task store.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leadgrid/scraperd/internal/task"
)

// DB is the subset of pgxpool.Pool the store uses; pgxmock satisfies it in
// tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// TaskStore implements task.Store using Postgres.
type TaskStore struct {
	db   DB
	pool *pgxpool.Pool
}

// NewTaskStore connects a pool and returns the store.
func NewTaskStore(ctx context.Context, dsn string) (*TaskStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	return &TaskStore{db: pool, pool: pool}, nil
}

// NewTaskStoreWithDB wraps an existing connection; used by tests.
func NewTaskStoreWithDB(db DB) *TaskStore {
	return &TaskStore{db: db}
}

// Close closes the underlying connection pool.
func (s *TaskStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// SaveTask inserts the task at Pending and returns the assigned id.
func (s *TaskStore) SaveTask(ctx context.Context, t task.Task) (int64, error) {
	query := `
		INSERT INTO tasks
			(platform, keywords, location, max_pages, concurrency, delay_ms,
			 headless, scheduled_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
		RETURNING id;
	`
	status := t.Status
	if status == "" {
		status = task.StatusPending
	}
	var id int64
	err := s.db.QueryRow(ctx, query,
		t.Platform, t.Keywords, t.Location, t.MaxPages, t.Concurrency,
		t.DelayMs, t.Headless, t.ScheduledAt, status,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	return id, nil
}

// LoadTask fetches a task by id.
func (s *TaskStore) LoadTask(ctx context.Context, id int64) (task.Task, error) {
	query := `
		SELECT id, platform, keywords, location, max_pages, concurrency,
		       delay_ms, headless, scheduled_at, status, retries,
		       COALESCE(error_message, ''), created_at, updated_at
		FROM tasks WHERE id = $1;
	`
	var t task.Task
	err := s.db.QueryRow(ctx, query, id).Scan(
		&t.ID, &t.Platform, &t.Keywords, &t.Location, &t.MaxPages,
		&t.Concurrency, &t.DelayMs, &t.Headless, &t.ScheduledAt, &t.Status,
		&t.Retries, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return task.Task{}, task.ErrNotFound
		}
		return task.Task{}, fmt.Errorf("select task %d: %w", id, err)
	}
	return t, nil
}

// UpdateTaskStatus records the new status and optional error text.
func (s *TaskStore) UpdateTaskStatus(ctx context.Context, id int64, status task.Status, errText string) error {
	query := `
		UPDATE tasks
		SET status = $1, error_message = NULLIF($2, ''), updated_at = now()
		WHERE id = $3;
	`
	tag, err := s.db.Exec(ctx, query, status, errText, id)
	if err != nil {
		return fmt.Errorf("update task %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return task.ErrNotFound
	}
	return nil
}

// IncrementRetries bumps the crash retry counter and returns the new value.
func (s *TaskStore) IncrementRetries(ctx context.Context, id int64) (int, error) {
	query := `
		UPDATE tasks SET retries = retries + 1, updated_at = now()
		WHERE id = $1
		RETURNING retries;
	`
	var retries int
	if err := s.db.QueryRow(ctx, query, id).Scan(&retries); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, task.ErrNotFound
		}
		return 0, fmt.Errorf("increment retries for task %d: %w", id, err)
	}
	return retries, nil
}

// AppendResults inserts scraped records for a task.
func (s *TaskStore) AppendResults(ctx context.Context, id int64, results []task.Result) error {
	query := `
		INSERT INTO task_results
			(task_id, name, address, phone, website, rating, url, page, found_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`
	for _, r := range results {
		if _, err := s.db.Exec(ctx, query,
			id, r.Name, r.Address, r.Phone, r.Website, r.Rating, r.URL, r.Page, r.FoundAt,
		); err != nil {
			return fmt.Errorf("insert result for task %d: %w", id, err)
		}
	}
	return nil
}

// ListResults returns all recorded results for a task.
func (s *TaskStore) ListResults(ctx context.Context, id int64) ([]task.Result, error) {
	query := `
		SELECT name, COALESCE(address, ''), COALESCE(phone, ''),
		       COALESCE(website, ''), COALESCE(rating, 0),
		       COALESCE(url, ''), page, found_at
		FROM task_results WHERE task_id = $1 ORDER BY found_at;
	`
	rows, err := s.db.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("select results for task %d: %w", id, err)
	}
	defer rows.Close()

	var out []task.Result
	for rows.Next() {
		var r task.Result
		if err := rows.Scan(&r.Name, &r.Address, &r.Phone, &r.Website,
			&r.Rating, &r.URL, &r.Page, &r.FoundAt); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate result rows: %w", err)
	}
	return out, nil
}

// UpdateProgress upserts the latest progress snapshot.
func (s *TaskStore) UpdateProgress(ctx context.Context, id int64, p task.Progress) error {
	query := `
		INSERT INTO task_progress
			(task_id, current_page, total_pages, results_count, percentage, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (task_id) DO UPDATE
		SET current_page = EXCLUDED.current_page,
		    total_pages = EXCLUDED.total_pages,
		    results_count = EXCLUDED.results_count,
		    percentage = EXCLUDED.percentage,
		    updated_at = EXCLUDED.updated_at;
	`
	if _, err := s.db.Exec(ctx, query,
		id, p.CurrentPage, p.TotalPages, p.ResultsCount, p.Percentage, p.UpdatedAt,
	); err != nil {
		return fmt.Errorf("upsert progress for task %d: %w", id, err)
	}
	return nil
}

// Ping verifies database connectivity for the health check.
func (s *TaskStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}
