package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"envwatch/internal/alert"
	logx "envwatch/pkg/logx"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Key layout under prefix P:
//
//	P:schedules   hash  id -> schedule json
//	P:watermarks  hash  job_type -> unix ms
//	P:jobs        hash  id -> job json
//	P:queue       zset  id scored by run_at ms (waiting and delayed)
//	P:waiting     hash  job_type -> id of the pending job
//	P:active      hash  job_type -> id of the running job
//	P:seq         counter used for FIFO job ids
//	P:snap:<t>    string snapshot json
//	P:alerts      hash  job_type -> alert json
type redisStore struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
	now    func() time.Time
}

type redisJob struct {
	ID         string `json:"id"`
	JobType    string `json:"job_type"`
	ScheduleID string `json:"schedule_id"`
	State      string `json:"state"`
	EnqueuedAt int64  `json:"enqueued_at"`
	RunAt      int64  `json:"run_at"`
	FiredAt    int64  `json:"fired_at"`
	StartedAt  int64  `json:"started_at"`
	LeaseToken string `json:"lease_token"`
	LeaseUntil int64  `json:"lease_until"`
}

var enqueueScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[1], ARGV[1])
if existing then
  local raw = redis.call('HGET', KEYS[2], existing)
  if raw then
    local job = cjson.decode(raw)
    local runAt = tonumber(ARGV[4])
    local fired = tonumber(ARGV[6])
    local changed = false
    if runAt < job.run_at then
      job.run_at = runAt
      redis.call('ZADD', KEYS[3], runAt, existing)
      changed = true
    end
    if job.schedule_id == '' and ARGV[5] ~= '' then
      job.schedule_id = ARGV[5]
      changed = true
    end
    if fired > job.fired_at then
      job.fired_at = fired
      changed = true
    end
    if changed then
      redis.call('HSET', KEYS[2], existing, cjson.encode(job))
    end
  end
  return existing
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[2])
return ''
`)

var dequeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  local raw = redis.call('HGET', KEYS[2], id)
  if not raw then
    redis.call('ZREM', KEYS[1], id)
  else
    local job = cjson.decode(raw)
    if redis.call('HEXISTS', KEYS[3], job.job_type) == 0 then
      job.state = 'active'
      job.started_at = tonumber(ARGV[1])
      job.lease_token = ARGV[2]
      job.lease_until = tonumber(ARGV[3])
      local enc = cjson.encode(job)
      redis.call('HSET', KEYS[2], id, enc)
      redis.call('HSET', KEYS[3], job.job_type, id)
      redis.call('ZREM', KEYS[1], id)
      if redis.call('HGET', KEYS[4], job.job_type) == id then
        redis.call('HDEL', KEYS[4], job.job_type)
      end
      return enc
    end
  end
end
return false
`)

var ackScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then
  return 0
end
local job = cjson.decode(raw)
if job.state ~= 'active' or job.lease_token ~= ARGV[2] then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
if redis.call('HGET', KEYS[2], job.job_type) == ARGV[1] then
  redis.call('HDEL', KEYS[2], job.job_type)
end
return 1
`)

var removeScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then
  return 0
end
local job = cjson.decode(raw)
if job.state ~= 'waiting' then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
if redis.call('HGET', KEYS[3], job.job_type) == ARGV[1] then
  redis.call('HDEL', KEYS[3], job.job_type)
end
return 1
`)

func openRedis(ctx context.Context, cfg RedisConfig, log logx.Logger) (Store, error) {
	var opts *redis.Options
	if u := strings.TrimSpace(cfg.URL); u != "" {
		o, err := redis.ParseURL(u)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		opts = o
	} else {
		addr := strings.TrimSpace(cfg.Addr)
		if addr == "" {
			addr = "127.0.0.1:6379"
		}
		opts = &redis.Options{Addr: addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB}
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "envwatch"
	}
	log.Debug("redis store opened", logx.String("addr", opts.Addr), logx.String("prefix", prefix))
	return &redisStore{rdb: rdb, prefix: prefix, log: log, now: time.Now}, nil
}

func (s *redisStore) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

func (s *redisStore) Close() error { return s.rdb.Close() }

// ---- schedules ----

func (s *redisStore) DefineSchedule(ctx context.Context, jobType alert.JobType, cronExpr string) (ScheduleDefinition, error) {
	def := ScheduleDefinition{
		ID:        "sch-" + uuid.NewString(),
		JobType:   jobType,
		Cron:      strings.TrimSpace(cronExpr),
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}
	b, err := json.Marshal(def)
	if err != nil {
		return ScheduleDefinition{}, err
	}
	if err := s.rdb.HSet(ctx, s.key("schedules"), def.ID, b).Err(); err != nil {
		return ScheduleDefinition{}, err
	}
	return def, nil
}

func (s *redisStore) ListSchedules(ctx context.Context) ([]ScheduleDefinition, error) {
	m, err := s.rdb.HGetAll(ctx, s.key("schedules")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ScheduleDefinition, 0, len(m))
	for id, raw := range m {
		var def ScheduleDefinition
		if err := json.Unmarshal([]byte(raw), &def); err != nil {
			s.log.Warn("skipping malformed schedule", logx.String("id", id), logx.Err(err))
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.JobType != b.JobType {
			return a.JobType < b.JobType
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (s *redisStore) RemoveSchedule(ctx context.Context, id string) error {
	n, err := s.rdb.HDel(ctx, s.key("schedules"), id).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	jobs, err := s.List(ctx, StateWaiting, StateDelayed)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.ScheduleID != id {
			continue
		}
		if err := s.Remove(ctx, j.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

func (s *redisStore) GetWatermark(ctx context.Context, jobType alert.JobType) (time.Time, bool, error) {
	ms, err := s.rdb.HGet(ctx, s.key("watermarks"), string(jobType)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

func (s *redisStore) SetWatermark(ctx context.Context, jobType alert.JobType, at time.Time) error {
	cur, ok, err := s.GetWatermark(ctx, jobType)
	if err != nil {
		return err
	}
	if ok && !at.After(cur) {
		return nil
	}
	return s.rdb.HSet(ctx, s.key("watermarks"), string(jobType), at.UnixMilli()).Err()
}

// ---- queue ----

func (s *redisStore) Enqueue(ctx context.Context, req EnqueueRequest) (Job, error) {
	if !req.JobType.Valid() {
		return Job{}, fmt.Errorf("enqueue: invalid job type %q", req.JobType)
	}
	now := s.now().UTC()
	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	seq, err := s.rdb.Incr(ctx, s.key("seq")).Result()
	if err != nil {
		return Job{}, err
	}
	rj := redisJob{
		ID:         fmt.Sprintf("job-%012d", seq),
		JobType:    string(req.JobType),
		ScheduleID: req.ScheduleID,
		State:      string(StateWaiting),
		EnqueuedAt: now.UnixMilli(),
		RunAt:      runAt.UnixMilli(),
	}
	if !req.FiredAt.IsZero() {
		rj.FiredAt = req.FiredAt.UnixMilli()
	}
	b, err := json.Marshal(rj)
	if err != nil {
		return Job{}, err
	}
	existing, err := enqueueScript.Run(ctx, s.rdb,
		[]string{s.key("waiting"), s.key("jobs"), s.key("queue")},
		rj.JobType, rj.ID, string(b), rj.RunAt, rj.ScheduleID, rj.FiredAt,
	).Text()
	if err != nil {
		return Job{}, err
	}
	if existing != "" {
		j, err := s.getJob(ctx, existing, now)
		if err != nil {
			return Job{}, fmt.Errorf("enqueue: load pending: %w", err)
		}
		return j, ErrCoalesced
	}
	return rj.toJob(now), nil
}

func (s *redisStore) Dequeue(ctx context.Context, leaseTTL time.Duration) (Job, bool, error) {
	now := s.now().UTC()
	raw, err := dequeueScript.Run(ctx, s.rdb,
		[]string{s.key("queue"), s.key("jobs"), s.key("active"), s.key("waiting")},
		now.UnixMilli(), uuid.NewString(), now.Add(leaseTTL).UnixMilli(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	var rj redisJob
	if err := json.Unmarshal([]byte(raw), &rj); err != nil {
		return Job{}, false, err
	}
	return rj.toJob(now), true, nil
}

func (s *redisStore) Complete(ctx context.Context, id, leaseToken string) error {
	return s.ack(ctx, id, leaseToken)
}

func (s *redisStore) Fail(ctx context.Context, id, leaseToken, _ string) error {
	return s.ack(ctx, id, leaseToken)
}

func (s *redisStore) ack(ctx context.Context, id, leaseToken string) error {
	n, err := ackScript.Run(ctx, s.rdb, []string{s.key("jobs"), s.key("active")}, id, leaseToken).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *redisStore) List(ctx context.Context, states ...JobState) ([]Job, error) {
	now := s.now().UTC()
	m, err := s.rdb.HGetAll(ctx, s.key("jobs")).Result()
	if err != nil {
		return nil, err
	}
	want := map[JobState]bool{}
	for _, st := range states {
		want[st] = true
	}
	out := make([]Job, 0, len(m))
	for id, raw := range m {
		var rj redisJob
		if err := json.Unmarshal([]byte(raw), &rj); err != nil {
			s.log.Warn("skipping malformed job", logx.String("id", id), logx.Err(err))
			continue
		}
		j := rj.toJob(now)
		if len(want) > 0 && !want[j.State] {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RunAt.Equal(out[j].RunAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RunAt.Before(out[j].RunAt)
	})
	return out, nil
}

func (s *redisStore) Remove(ctx context.Context, id string) error {
	n, err := removeScript.Run(ctx, s.rdb,
		[]string{s.key("jobs"), s.key("queue"), s.key("waiting")}, id,
	).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *redisStore) ReapExpired(ctx context.Context) ([]Job, error) {
	now := s.now().UTC()
	active, err := s.List(ctx, StateActive)
	if err != nil {
		return nil, err
	}
	var out []Job
	for _, j := range active {
		if !j.LeaseUntil.Before(now) {
			continue
		}
		if err := s.ack(ctx, j.ID, j.LeaseToken); err != nil {
			if errors.Is(err, ErrLeaseLost) {
				continue
			}
			return out, err
		}
		j.State = StateFailed
		out = append(out, j)
	}
	return out, nil
}

func (s *redisStore) getJob(ctx context.Context, id string, now time.Time) (Job, error) {
	raw, err := s.rdb.HGet(ctx, s.key("jobs"), id).Result()
	if errors.Is(err, redis.Nil) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	var rj redisJob
	if err := json.Unmarshal([]byte(raw), &rj); err != nil {
		return Job{}, err
	}
	return rj.toJob(now), nil
}

func (rj redisJob) toJob(now time.Time) Job {
	j := Job{
		ID:         rj.ID,
		JobType:    alert.JobType(rj.JobType),
		ScheduleID: rj.ScheduleID,
		State:      JobState(rj.State),
		EnqueuedAt: time.UnixMilli(rj.EnqueuedAt).UTC(),
		RunAt:      time.UnixMilli(rj.RunAt).UTC(),
		FiredAt:    msTime(rj.FiredAt),
		StartedAt:  msTime(rj.StartedAt),
		LeaseToken: rj.LeaseToken,
		LeaseUntil: msTime(rj.LeaseUntil),
	}
	if j.State == StateWaiting && j.RunAt.After(now) {
		j.State = StateDelayed
	}
	return j
}

// ---- snapshots ----

func (s *redisStore) GetSnapshot(ctx context.Context, topic string) (alert.Signal, bool, error) {
	raw, err := s.rdb.Get(ctx, s.key("snap", topic)).Bytes()
	if errors.Is(err, redis.Nil) {
		return alert.Signal{}, false, nil
	}
	if err != nil {
		return alert.Signal{}, false, err
	}
	var sig alert.Signal
	if err := json.Unmarshal(raw, &sig); err != nil {
		return alert.Signal{}, false, fmt.Errorf("snapshot %s: %w", topic, err)
	}
	return sig, true, nil
}

func (s *redisStore) PutSnapshot(ctx context.Context, sig alert.Signal) error {
	if sig.ObservedAt.IsZero() {
		sig.ObservedAt = s.now().UTC()
	}
	b, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key("snap", sig.Topic), b, 0).Err()
}

// ---- alerts ----

func (s *redisStore) PutAlert(ctx context.Context, a alert.PublishedAlert) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.key("alerts"), string(a.JobType), b).Err()
}

func (s *redisStore) GetAlert(ctx context.Context, t alert.JobType) (alert.PublishedAlert, bool, error) {
	raw, err := s.rdb.HGet(ctx, s.key("alerts"), string(t)).Bytes()
	if errors.Is(err, redis.Nil) {
		return alert.PublishedAlert{}, false, nil
	}
	if err != nil {
		return alert.PublishedAlert{}, false, err
	}
	var a alert.PublishedAlert
	if err := json.Unmarshal(raw, &a); err != nil {
		return alert.PublishedAlert{}, false, err
	}
	return a, true, nil
}
