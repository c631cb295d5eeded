package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "recurq/pkg/logx"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// EnvDSN is consulted when the postgres driver has no DSN configured.
const EnvDSN = "RECURQ_DB_URL"

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv(EnvDSN))
	}
	if dsn == "" {
		return nil, errors.New("storage.dsn (or " + EnvDSN + ") is required for postgres driver")
	}

	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pcfg.MaxConns = 10
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pcfg.HealthCheckPeriod = 30 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresMigrations); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) PutTask(ctx context.Context, r TaskRecord) error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("task id required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recurq_tasks (id, queue, task_type, display_name, activate_at, state, attempts, err, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			activate_at = EXCLUDED.activate_at, state = EXCLUDED.state, attempts = EXCLUDED.attempts,
			err = EXCLUDED.err, updated_at = EXCLUDED.updated_at
	`,
		r.ID, r.Queue, r.TaskType, r.DisplayName, r.ActivateAt, string(r.State), r.Attempts,
		nullStr(r.Error), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (s *postgresStore) CancelTasks(ctx context.Context, queue, taskType string, includeRunning bool) ([]string, error) {
	states := []string{string(TaskPending)}
	if includeRunning {
		states = append(states, string(TaskRunning))
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE recurq_tasks SET state = $1, updated_at = $2
		WHERE queue = $3 AND task_type = $4 AND state = ANY($5)
		RETURNING id
	`, string(TaskCancelled), time.Now(), queue, taskType, states)
	if err != nil {
		return nil, fmt.Errorf("cancel tasks: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("cancel tasks: %w", err)
	}
	return out, nil
}

func (s *postgresStore) ListTasks(ctx context.Context, f TaskFilter) ([]TaskRecord, error) {
	var states []string
	for _, st := range f.States {
		states = append(states, string(st))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, queue, task_type, display_name, activate_at, state, attempts, COALESCE(err, ''), created_at, updated_at
		FROM recurq_tasks
		WHERE ($1 = '' OR queue = $1)
		  AND ($2 = '' OR task_type = $2)
		  AND (cardinality($3::text[]) = 0 OR state = ANY($3))
		ORDER BY activate_at, id
		LIMIT $4
	`, f.Queue, f.TaskType, states, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (TaskRecord, error) {
		var (
			r     TaskRecord
			state string
		)
		err := row.Scan(&r.ID, &r.Queue, &r.TaskType, &r.DisplayName, &r.ActivateAt, &state, &r.Attempts, &r.Error, &r.CreatedAt, &r.UpdatedAt)
		r.State = TaskState(state)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

func (s *postgresStore) PruneTasks(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM recurq_tasks WHERE state = ANY($1) AND updated_at < $2
	`, []string{string(TaskDone), string(TaskFailed), string(TaskCancelled)}, before)
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *postgresStore) AppendEvent(ctx context.Context, e EventEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recurq_events (at, severity, message, source) VALUES ($1, $2, $3, $4)
	`, e.At, e.Severity, e.Message, nullStr(e.Source))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}
