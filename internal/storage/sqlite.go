package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "autobackup/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = DefaultSQLitePath
	}
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

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
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
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	prepare(&r)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, task, started_at, duration_ms, method, pattern, decision, status, reason, artifact, files, bytes, fail_count)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Task, r.StartedAt.UnixMilli(), r.Duration.Milliseconds(),
		nullStr(r.Method), nullStr(r.Pattern), r.Decision, r.Status,
		nullStr(r.Reason), nullStr(r.Artifact), r.Files, r.Bytes, r.FailCount,
	)
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, task string, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	limit = normLimit(limit)

	q := `SELECT id, task, started_at, duration_ms, method, pattern, decision, status, reason, artifact, files, bytes, fail_count
	      FROM runs`
	args := []any{}
	if task != "" {
		q += ` WHERE task = ?`
		args = append(args, task)
	}
	q += ` ORDER BY started_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r                                 RunRecord
			startedMS, durMS                  int64
			method, pattern, reason, artifact sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Task, &startedMS, &durMS, &method, &pattern,
			&r.Decision, &r.Status, &reason, &artifact, &r.Files, &r.Bytes, &r.FailCount); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(startedMS)
		r.Duration = time.Duration(durMS) * time.Millisecond
		r.Method = method.String
		r.Pattern = pattern.String
		r.Reason = reason.String
		r.Artifact = artifact.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
