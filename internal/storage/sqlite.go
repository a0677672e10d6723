package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"envwatch/internal/alert"
	logx "envwatch/pkg/logx"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations.sql readings.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLiteDB(ctx context.Context, path string, busy time.Duration, schema string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; one connection also serializes the
	// queue's read-modify-write statements.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	b, err := migrationsFS.ReadFile(schema)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, string(b)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", schema, err)
	}
	return db, nil
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	db, err := openSQLiteDB(ctx, cfg.Path, cfg.BusyTimeout, "migrations.sql")
	if err != nil {
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", cfg.Path))
	return &sqliteStore{db: db, log: log, now: time.Now}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- schedules ----

func (s *sqliteStore) DefineSchedule(ctx context.Context, jobType alert.JobType, cronExpr string) (ScheduleDefinition, error) {
	if s == nil || s.db == nil {
		return ScheduleDefinition{}, ErrDisabled
	}
	def := ScheduleDefinition{
		ID:        "sch-" + uuid.NewString(),
		JobType:   jobType,
		Cron:      strings.TrimSpace(cronExpr),
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(id, job_type, cron, created_at) VALUES(?,?,?,?)`,
		def.ID, string(def.JobType), def.Cron, def.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return ScheduleDefinition{}, err
	}
	return def, nil
}

func (s *sqliteStore) ListSchedules(ctx context.Context) ([]ScheduleDefinition, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, job_type, cron, created_at FROM schedules ORDER BY job_type, created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduleDefinition
	for rows.Next() {
		var (
			def ScheduleDefinition
			jt  string
			ms  int64
		)
		if err := rows.Scan(&def.ID, &jt, &def.Cron, &ms); err != nil {
			return nil, err
		}
		def.JobType = alert.JobType(jt)
		def.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RemoveSchedule(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	// Pending firings of the removed schedule go with it; a running one
	// finishes normally.
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE schedule_id = ? AND state = 'waiting'`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) GetWatermark(ctx context.Context, jobType alert.JobType) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT last_fired_at FROM watermarks WHERE job_type = ?`, string(jobType)).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

func (s *sqliteStore) SetWatermark(ctx context.Context, jobType alert.JobType, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watermarks(job_type, last_fired_at) VALUES(?,?)
		 ON CONFLICT(job_type) DO UPDATE SET last_fired_at = MAX(last_fired_at, excluded.last_fired_at)`,
		string(jobType), at.UnixMilli(),
	)
	return err
}

// ---- queue ----

const jobColumns = `id, job_type, schedule_id, state, enqueued_at, run_at, fired_at, started_at, lease_token, lease_until`

func (s *sqliteStore) Enqueue(ctx context.Context, req EnqueueRequest) (Job, error) {
	if s == nil || s.db == nil {
		return Job{}, ErrDisabled
	}
	if !req.JobType.Valid() {
		return Job{}, fmt.Errorf("enqueue: invalid job type %q", req.JobType)
	}
	now := s.now().UTC()
	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	var fired int64
	if !req.FiredAt.IsZero() {
		fired = req.FiredAt.UnixMilli()
	}
	id := uuid.NewString()

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO jobs(id, job_type, schedule_id, state, enqueued_at, run_at, fired_at)
		 VALUES(?,?,?,'waiting',?,?,?)`,
		id, string(req.JobType), req.ScheduleID, now.UnixMilli(), runAt.UnixMilli(), fired,
	)
	if err != nil {
		return Job{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// The pending job absorbs the request. It must not run later than
		// the request asked, and a schedule firing makes it recurring.
		existing, err := s.scanJob(s.db.QueryRowContext(ctx,
			`UPDATE jobs SET
			   run_at = MIN(run_at, ?),
			   schedule_id = CASE WHEN schedule_id = '' THEN ? ELSE schedule_id END,
			   fired_at = MAX(fired_at, ?)
			 WHERE job_type = ? AND state = 'waiting'
			 RETURNING `+jobColumns,
			runAt.UnixMilli(), req.ScheduleID, fired, string(req.JobType)), now)
		if err != nil {
			return Job{}, fmt.Errorf("enqueue: load pending: %w", err)
		}
		return existing, ErrCoalesced
	}
	return s.scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id), now)
}

func (s *sqliteStore) Dequeue(ctx context.Context, leaseTTL time.Duration) (Job, bool, error) {
	if s == nil || s.db == nil {
		return Job{}, false, ErrDisabled
	}
	now := s.now().UTC()
	token := uuid.NewString()
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET state = 'active', started_at = ?, lease_token = ?, lease_until = ?
		 WHERE seq = (
		   SELECT j.seq FROM jobs j
		   WHERE j.state = 'waiting' AND j.run_at <= ?
		     AND NOT EXISTS (SELECT 1 FROM jobs a WHERE a.job_type = j.job_type AND a.state = 'active')
		   ORDER BY j.run_at, j.seq
		   LIMIT 1
		 )
		 RETURNING `+jobColumns,
		now.UnixMilli(), token, now.Add(leaseTTL).UnixMilli(), now.UnixMilli(),
	)
	job, err := s.scanJob(row, now)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

func (s *sqliteStore) Complete(ctx context.Context, id, leaseToken string) error {
	return s.ack(ctx, id, leaseToken)
}

// Fail acknowledges a failed run. There is no retry; the reason is for the
// caller's logs only.
func (s *sqliteStore) Fail(ctx context.Context, id, leaseToken, _ string) error {
	return s.ack(ctx, id, leaseToken)
}

func (s *sqliteStore) ack(ctx context.Context, id, leaseToken string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE id = ? AND state = 'active' AND lease_token = ?`, id, leaseToken)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *sqliteStore) List(ctx context.Context, states ...JobState) ([]Job, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	now := s.now().UTC()
	nowMS := now.UnixMilli()

	var (
		conds []string
		args  []any
	)
	for _, st := range states {
		switch st {
		case StateWaiting:
			conds = append(conds, `(state = 'waiting' AND run_at <= ?)`)
			args = append(args, nowMS)
		case StateDelayed:
			conds = append(conds, `(state = 'waiting' AND run_at > ?)`)
			args = append(args, nowMS)
		case StateActive:
			conds = append(conds, `state = 'active'`)
		case StateCompleted, StateFailed:
			// acknowledged jobs are not retained
		default:
			return nil, fmt.Errorf("list: unknown job state %q", st)
		}
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(states) > 0 {
		if len(conds) == 0 {
			return nil, nil
		}
		q += ` WHERE ` + strings.Join(conds, " OR ")
	}
	q += ` ORDER BY run_at, seq`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := s.scanJob(rows, now)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Remove(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	// A running job keeps its row until it is acked or reaped.
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ? AND state = 'waiting'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ReapExpired(ctx context.Context) ([]Job, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	now := s.now().UTC()
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM jobs WHERE state = 'active' AND lease_until < ? RETURNING `+jobColumns, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := s.scanJob(rows, now)
		if err != nil {
			return nil, err
		}
		j.State = StateFailed
		out = append(out, j)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *sqliteStore) scanJob(r rowScanner, now time.Time) (Job, error) {
	var (
		j                                     Job
		jt, state                             string
		enq, runAt, fired, started, leaseTill int64
	)
	if err := r.Scan(&j.ID, &jt, &j.ScheduleID, &state, &enq, &runAt, &fired, &started, &j.LeaseToken, &leaseTill); err != nil {
		return Job{}, err
	}
	j.JobType = alert.JobType(jt)
	j.EnqueuedAt = time.UnixMilli(enq).UTC()
	j.RunAt = time.UnixMilli(runAt).UTC()
	j.FiredAt = msTime(fired)
	j.StartedAt = msTime(started)
	j.LeaseUntil = msTime(leaseTill)
	j.State = JobState(state)
	if j.State == StateWaiting && j.RunAt.After(now) {
		j.State = StateDelayed
	}
	return j, nil
}

func msTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// ---- snapshots ----

func (s *sqliteStore) GetSnapshot(ctx context.Context, topic string) (alert.Signal, bool, error) {
	if s == nil || s.db == nil {
		return alert.Signal{}, false, ErrDisabled
	}
	var (
		raw string
		ms  int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT values_json, observed_at FROM snapshots WHERE topic = ?`, topic).Scan(&raw, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return alert.Signal{}, false, nil
	}
	if err != nil {
		return alert.Signal{}, false, err
	}
	sig := alert.Signal{Topic: topic, ObservedAt: time.UnixMilli(ms).UTC()}
	if err := json.Unmarshal([]byte(raw), &sig.Values); err != nil {
		return alert.Signal{}, false, fmt.Errorf("snapshot %s: %w", topic, err)
	}
	return sig, true, nil
}

func (s *sqliteStore) PutSnapshot(ctx context.Context, sig alert.Signal) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	b, err := json.Marshal(sig.Values)
	if err != nil {
		return err
	}
	at := sig.ObservedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots(topic, values_json, observed_at) VALUES(?,?,?)
		 ON CONFLICT(topic) DO UPDATE SET values_json = excluded.values_json, observed_at = excluded.observed_at`,
		sig.Topic, string(b), at.UnixMilli(),
	)
	return err
}

// ---- alerts ----

func (s *sqliteStore) PutAlert(ctx context.Context, a alert.PublishedAlert) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts(job_type, color, remark, published_at) VALUES(?,?,?,?)
		 ON CONFLICT(job_type) DO UPDATE SET color = excluded.color, remark = excluded.remark, published_at = excluded.published_at`,
		string(a.JobType), string(a.Color), a.Remark, a.PublishedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetAlert(ctx context.Context, t alert.JobType) (alert.PublishedAlert, bool, error) {
	if s == nil || s.db == nil {
		return alert.PublishedAlert{}, false, ErrDisabled
	}
	var (
		color, remark string
		ms            int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT color, remark, published_at FROM alerts WHERE job_type = ?`, string(t)).
		Scan(&color, &remark, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return alert.PublishedAlert{}, false, nil
	}
	if err != nil {
		return alert.PublishedAlert{}, false, err
	}
	return alert.PublishedAlert{
		JobType:     t,
		Color:       alert.Color(color),
		Remark:      remark,
		PublishedAt: time.UnixMilli(ms).UTC(),
	}, true, nil
}
