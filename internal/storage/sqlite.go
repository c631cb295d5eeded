package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "recurq/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err = s.db.ExecContext(ctx, string(b)); err != nil {
		return err
	}
	return s.ensureColumn(ctx, "tasks", "display_name", "TEXT NOT NULL DEFAULT ''")
}

// ensureColumn adds a column missing from a table created by an older schema.
func (s *sqliteStore) ensureColumn(ctx context.Context, table, column, decl string) error {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutTask(ctx context.Context, r TaskRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("task id required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, queue, task_type, display_name, activate_at, state, attempts, err, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   activate_at=excluded.activate_at, state=excluded.state, attempts=excluded.attempts,
		   err=excluded.err, updated_at=excluded.updated_at`,
		r.ID, r.Queue, r.TaskType, r.DisplayName, fmtTime(r.ActivateAt), string(r.State), r.Attempts,
		nullStr(r.Error), fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) CancelTasks(ctx context.Context, queue, taskType string, includeRunning bool) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	states := []any{string(TaskPending)}
	if includeRunning {
		states = append(states, string(TaskRunning))
	}
	in := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	args := append([]any{queue, taskType}, states...)
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM tasks WHERE queue = ? AND task_type = ? AND state IN (`+in+`) ORDER BY activate_at, id`, args...)
	if err != nil {
		return nil, err
	}
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	upd := append([]any{string(TaskCancelled), fmtTime(time.Now()), queue, taskType}, states...)
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET state = ?, updated_at = ? WHERE queue = ? AND task_type = ? AND state IN (`+in+`)`, upd...); err != nil {
		return nil, err
	}
	return out, tx.Commit()
}

func (s *sqliteStore) ListTasks(ctx context.Context, f TaskFilter) ([]TaskRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT id, queue, task_type, display_name, activate_at, state, attempts, err, created_at, updated_at FROM tasks WHERE 1=1`
	var args []any
	if f.Queue != "" {
		q += ` AND queue = ?`
		args = append(args, f.Queue)
	}
	if f.TaskType != "" {
		q += ` AND task_type = ?`
		args = append(args, f.TaskType)
	}
	if len(f.States) > 0 {
		q += ` AND state IN (` + strings.TrimSuffix(strings.Repeat("?,", len(f.States)), ",") + `)`
		for _, st := range f.States {
			args = append(args, string(st))
		}
	}
	q += ` ORDER BY activate_at, id`
	if f.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var (
			r                     TaskRecord
			activate, created, up string
			state                 string
			errStr                sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Queue, &r.TaskType, &r.DisplayName, &activate, &state, &r.Attempts, &errStr, &created, &up); err != nil {
			return nil, err
		}
		r.State = TaskState(state)
		r.Error = errStr.String
		r.ActivateAt = parseTime(activate)
		r.CreatedAt = parseTime(created)
		r.UpdatedAt = parseTime(up)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneTasks(ctx context.Context, before time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE state IN (?,?,?) AND updated_at < ?`,
		string(TaskDone), string(TaskFailed), string(TaskCancelled), fmtTime(before),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) AppendEvent(ctx context.Context, e EventEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(at, severity, message, source) VALUES(?,?,?,?)`,
		fmtTime(e.At), e.Severity, e.Message, nullStr(e.Source),
	)
	return err
}

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string { return t.UTC().Format(sqliteTimeFormat) }

func parseTime(s string) time.Time {
	t, err := time.Parse(sqliteTimeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
