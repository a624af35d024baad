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
	"sync"
	"time"

	_ "modernc.org/sqlite"

	logx "relayhub/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	// Serializes claim's select-then-update so a job is handed to at most one
	// worker. SQLite is single-writer anyway; this keeps the pair atomic
	// without RETURNING tricks.
	claimMu sync.Mutex
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

	// Jobs left Active by a previous crash go back to Waiting on open.
	if n, err := st.recoverStuck(context.Background()); err == nil && n > 0 {
		log.Warn("requeued jobs from interrupted run", logx.Int("count", n))
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

func (s *sqliteStore) recoverStuck(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ? WHERE state = ?`, JobWaiting, JobActive)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) EnqueueJob(ctx context.Context, j *Job) (*Job, bool, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	// Coalesce on (queue, key) while a non-terminal job exists.
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		  WHERE queue = ? AND job_key = ? AND state IN (?,?,?)
		  LIMIT 1`,
		j.Queue, j.Key, JobWaiting, JobActive, JobDelayed)
	existing, err := scanJob(row)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, queue, job_key, payload, priority, attempt, max_attempts,
		                  state, last_error, enqueued_at, available_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Queue, j.Key, j.Payload, j.Priority, j.Attempt, j.MaxAttempts,
		j.State, nullStr(j.LastError), j.EnqueuedAt.UnixMilli(), j.AvailableAt.UnixMilli())
	if err != nil {
		return nil, false, err
	}
	cp := *j
	return &cp, true, nil
}

func (s *sqliteStore) ClaimJob(ctx context.Context, queue string, now time.Time) (*Job, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		  WHERE queue = ? AND state = ? AND available_at <= ?
		  ORDER BY priority ASC, enqueued_at ASC
		  LIMIT 1`,
		queue, JobWaiting, now.UnixMilli())
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	j.Attempt++
	j.State = JobActive
	_, err = s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, attempt = ? WHERE id = ?`,
		JobActive, j.Attempt, j.ID)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (s *sqliteStore) CompleteJob(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, finished_at = ? WHERE id = ?`,
		JobCompleted, now.UnixMilli(), id)
	return err
}

func (s *sqliteStore) FailJob(ctx context.Context, id, lastError string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, last_error = ?, finished_at = ? WHERE id = ?`,
		JobFailed, nullStr(lastError), now.UnixMilli(), id)
	return err
}

func (s *sqliteStore) RetryJob(ctx context.Context, id string, attempt int, availableAt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, attempt = ?, available_at = ?, last_error = ? WHERE id = ?`,
		JobDelayed, attempt, availableAt.UnixMilli(), nullStr(lastError), id)
	return err
}

func (s *sqliteStore) ReleaseDue(ctx context.Context, queue string, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ? WHERE queue = ? AND state = ? AND available_at <= ?`,
		JobWaiting, queue, JobDelayed, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) ReplayJob(ctx context.Context, queue, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, attempt = 0, last_error = NULL, finished_at = NULL, available_at = ?
		  WHERE queue = ? AND id = ? AND state = ?`,
		JobWaiting, now.UnixMilli(), queue, id, JobFailed)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *sqliteStore) QueueStats(ctx context.Context, queue string) (StateCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM jobs WHERE queue = ? GROUP BY state`, queue)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := StateCounts{}
	for rows.Next() {
		var st JobState
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

func (s *sqliteStore) PurgeFinished(ctx context.Context, queue string, state JobState, olderThan time.Time, keepMax int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE queue = ? AND state = ? AND finished_at IS NOT NULL AND finished_at < ?`,
		queue, state, olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	total := int(n)

	if keepMax > 0 {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM jobs WHERE queue = ? AND state = ? AND id NOT IN (
			    SELECT id FROM jobs WHERE queue = ? AND state = ?
			    ORDER BY finished_at DESC LIMIT ?)`,
			queue, state, queue, state, keepMax)
		if err != nil {
			return total, err
		}
		n, _ = res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

func (s *sqliteStore) PutRawEvent(ctx context.Context, ev *RawEvent) error {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO raw_events(id, tenant_id, payload, received_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		ev.ID, ev.TenantID, ev.Payload, ev.ReceivedAt.UnixMilli())
	return err
}

func (s *sqliteStore) GetRawEvent(ctx context.Context, id string) (*RawEvent, error) {
	var ev RawEvent
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, payload, received_at FROM raw_events WHERE id = ?`, id).
		Scan(&ev.ID, &ev.TenantID, &ev.Payload, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	ev.ReceivedAt = time.UnixMilli(ms)
	return &ev, nil
}

const jobColumns = `id, queue, job_key, payload, priority, attempt, max_attempts,
	state, COALESCE(last_error, ''), enqueued_at, available_at, COALESCE(finished_at, 0)`

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(r rowScanner) (*Job, error) {
	var j Job
	var enq, avail, fin int64
	err := r.Scan(&j.ID, &j.Queue, &j.Key, &j.Payload, &j.Priority, &j.Attempt, &j.MaxAttempts,
		&j.State, &j.LastError, &enq, &avail, &fin)
	if err != nil {
		return nil, err
	}
	j.EnqueuedAt = time.UnixMilli(enq)
	j.AvailableAt = time.UnixMilli(avail)
	if fin > 0 {
		j.FinishedAt = time.UnixMilli(fin)
	}
	return &j, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
