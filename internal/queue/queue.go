// Package queue implements a durable Redis-backed job queue with
// delayed retries, bounded completion history and a worker pool.
//
// Key layout per queue name:
//
//	queue:<name>:waiting    list of job ids ready to run
//	queue:<name>:active     list of job ids being processed
//	queue:<name>:delayed    zset of job ids scored by ready time (ms)
//	queue:<name>:completed  list of recently completed ids (trimmed)
//	queue:<name>:failed     list of permanently failed ids (trimmed)
//	queue:<name>:ids        set of tracked ids, enforcing idempotent adds
//	queue:<name>:job:<id>   hash holding payload and attempt state
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Payload is the unit of work: which post to enrich.
type Payload struct {
	PostID string `json:"post_id"`
	Source string `json:"source"`
}

// Job is a tracked queue entry.
type Job struct {
	ID           string
	Payload      Payload
	AttemptsMade int
	MaxAttempts  int
	EnqueuedAt   time.Time
	LastError    string
}

// Status is a point-in-time census of the queue states.
type Status struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Config controls queue behavior. Zero values get the defaults the
// enrichment pipeline runs with in production.
type Config struct {
	Name          string
	MaxAttempts   int
	RetryDelay    time.Duration
	KeepCompleted int
	KeepFailed    int
	StallTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "orchestrator"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.KeepCompleted <= 0 {
		c.KeepCompleted = 100
	}
	if c.KeepFailed <= 0 {
		c.KeepFailed = 50
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 5 * time.Minute
	}
}

// Queue is the durable job queue.
type Queue struct {
	rdb *redis.Client
	cfg Config
}

// New creates a Queue on the given Redis client.
func New(rdb *redis.Client, cfg Config) *Queue {
	cfg.applyDefaults()
	return &Queue{rdb: rdb, cfg: cfg}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.cfg.Name }

func (q *Queue) key(suffix string) string {
	return fmt.Sprintf("queue:%s:%s", q.cfg.Name, suffix)
}

func (q *Queue) jobKey(id string) string {
	return fmt.Sprintf("queue:%s:job:%s", q.cfg.Name, id)
}

// enqueueScript registers the id, stores the job hash and pushes to
// waiting in one atomic step, so a crash can never strand a tracked id
// without a queue entry.
var enqueueScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2],
  'data', ARGV[2],
  'attempts_made', 0,
  'max_attempts', ARGV[3],
  'enqueued_at', ARGV[4],
  'last_error', '')
redis.call('LPUSH', KEYS[3], ARGV[1])
return 1
`)

// Enqueue adds a job keyed by payload.PostID. Adding an id that is
// already tracked is a no-op; the bool reports whether a job was added.
func (q *Queue) Enqueue(ctx context.Context, payload Payload) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal payload: %w", err)
	}

	added, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.key("ids"), q.jobKey(payload.PostID), q.key("waiting")},
		payload.PostID, data, q.cfg.MaxAttempts, time.Now().UnixMilli(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to enqueue job %s: %w", payload.PostID, err)
	}
	return added == 1, nil
}

// EnqueueBulk adds a batch of jobs in two pipelined round trips: one
// multi-exists against the tracked-id set, then a single transactional
// multi-add for the ids that were free. Duplicate ids, inside the batch
// or already tracked, are skipped. Returns how many jobs were added.
func (q *Queue) EnqueueBulk(ctx context.Context, payloads []Payload) (int, error) {
	if len(payloads) == 0 {
		return 0, nil
	}

	check := q.rdb.Pipeline()
	tracked := make([]*redis.BoolCmd, len(payloads))
	for i, p := range payloads {
		tracked[i] = check.SIsMember(ctx, q.key("ids"), p.PostID)
	}
	if _, err := check.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to check tracked ids: %w", err)
	}

	now := time.Now().UnixMilli()
	seen := make(map[string]struct{}, len(payloads))
	add := q.rdb.TxPipeline()
	added := 0
	for i, p := range payloads {
		if tracked[i].Val() {
			continue
		}
		if _, dup := seen[p.PostID]; dup {
			continue
		}
		seen[p.PostID] = struct{}{}

		data, err := json.Marshal(p)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal payload %s: %w", p.PostID, err)
		}
		add.SAdd(ctx, q.key("ids"), p.PostID)
		add.HSet(ctx, q.jobKey(p.PostID),
			"data", data,
			"attempts_made", 0,
			"max_attempts", q.cfg.MaxAttempts,
			"enqueued_at", now,
			"last_error", "")
		add.LPush(ctx, q.key("waiting"), p.PostID)
		added++
	}
	if added == 0 {
		return 0, nil
	}
	if _, err := add.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to enqueue batch: %w", err)
	}
	return added, nil
}

// dequeue claims the next waiting job, blocking up to wait. It returns
// nil without error when the timeout passes with nothing to do.
func (q *Queue) dequeue(ctx context.Context, wait time.Duration) (*Job, error) {
	id, err := q.rdb.BLMove(ctx, q.key("waiting"), q.key("active"), "RIGHT", "LEFT", wait).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	now := time.Now().UnixMilli()
	pipe := q.rdb.Pipeline()
	pipe.HSet(ctx, q.jobKey(id), "claimed_at", now)
	attempts := pipe.HIncrBy(ctx, q.jobKey(id), "attempts_made", 1)
	fields := pipe.HGetAll(ctx, q.jobKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to claim job %s: %w", id, err)
	}

	job, err := jobFromHash(id, fields.Val())
	if err != nil {
		return nil, err
	}
	job.AttemptsMade = int(attempts.Val())
	return job, nil
}

func jobFromHash(id string, fields map[string]string) (*Job, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %s has no stored state", id)
	}

	job := &Job{ID: id, LastError: fields["last_error"]}
	if err := json.Unmarshal([]byte(fields["data"]), &job.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s payload: %w", id, err)
	}
	job.AttemptsMade, _ = strconv.Atoi(fields["attempts_made"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	if ms, err := strconv.ParseInt(fields["enqueued_at"], 10, 64); err == nil {
		job.EnqueuedAt = time.UnixMilli(ms)
	}
	return job, nil
}

// finalizeScript retires a job into a bounded history list. Hashes of
// evicted history entries are deleted only when the id is not tracked
// again, so a re-enqueued job never loses its fresh state.
var finalizeScript = redis.NewScript(`
local id = ARGV[1]
local keep = tonumber(ARGV[2])
local prefix = ARGV[3]
redis.call('LREM', KEYS[1], 1, id)
redis.call('SREM', KEYS[2], id)
redis.call('LPUSH', KEYS[3], id)
local evicted = redis.call('LRANGE', KEYS[3], keep, -1)
redis.call('LTRIM', KEYS[3], 0, keep - 1)
for _, old in ipairs(evicted) do
  if redis.call('SISMEMBER', KEYS[2], old) == 0 then
    redis.call('DEL', prefix .. old)
  end
end
return #evicted
`)

// Complete finalizes a job: out of active, onto the completed history,
// id released for future enqueues. History beyond KeepCompleted is
// dropped along with the evicted job hashes.
func (q *Queue) Complete(ctx context.Context, id string) error {
	return q.finalize(ctx, id, q.key("completed"), q.cfg.KeepCompleted)
}

func (q *Queue) finalize(ctx context.Context, id, listKey string, keep int) error {
	err := finalizeScript.Run(ctx, q.rdb,
		[]string{q.key("active"), q.key("ids"), listKey},
		id, keep, fmt.Sprintf("queue:%s:job:", q.cfg.Name),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to finalize job %s: %w", id, err)
	}
	return nil
}

// Fail records a failed attempt. Jobs with attempts left are parked in
// the delayed zset with exponential backoff; exhausted jobs go to the
// failed history and their id is released.
func (q *Queue) Fail(ctx context.Context, job *Job, jobErr error) error {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}

	if job.AttemptsMade < job.MaxAttempts {
		delay := q.backoff(job.AttemptsMade)
		readyAt := time.Now().Add(delay).UnixMilli()

		pipe := q.rdb.TxPipeline()
		pipe.HSet(ctx, q.jobKey(job.ID), "last_error", msg)
		pipe.LRem(ctx, q.key("active"), 1, job.ID)
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(readyAt), Member: job.ID})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to schedule retry for job %s: %w", job.ID, err)
		}

		log.Warn().
			Str("job", job.ID).
			Int("attempt", job.AttemptsMade).
			Dur("retry_in", delay).
			Str("error", msg).
			Msg("Job failed, retry scheduled")
		return nil
	}

	if err := q.rdb.HSet(ctx, q.jobKey(job.ID), "last_error", msg, "failed_at", time.Now().UnixMilli()).Err(); err != nil {
		return fmt.Errorf("failed to record job error: %w", err)
	}
	if err := q.finalize(ctx, job.ID, q.key("failed"), q.cfg.KeepFailed); err != nil {
		return err
	}

	log.Error().
		Str("job", job.ID).
		Int("attempts", job.AttemptsMade).
		Str("error", msg).
		Msg("Job failed permanently")
	return nil
}

// backoff doubles the base delay per prior attempt, capped at an hour.
func (q *Queue) backoff(attemptsMade int) time.Duration {
	d := q.cfg.RetryDelay << uint(attemptsMade-1)
	if d > time.Hour || d <= 0 {
		d = time.Hour
	}
	return d
}

// promoteScript moves due delayed jobs back onto waiting atomically.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #due
`)

// Promote moves every delayed job whose ready time has passed onto the
// waiting list and returns how many moved.
func (q *Queue) Promote(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.key("delayed"), q.key("waiting")},
		time.Now().UnixMilli(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}
	return int(n), nil
}

// RequeueStalled returns active jobs whose claim is older than the
// stall timeout to the waiting list. It reports how many were rescued.
func (q *Queue) RequeueStalled(ctx context.Context) (int, error) {
	ids, err := q.rdb.LRange(ctx, q.key("active"), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to inspect active jobs: %w", err)
	}

	cutoff := time.Now().Add(-q.cfg.StallTimeout).UnixMilli()
	rescued := 0
	for _, id := range ids {
		claimedAt, err := q.rdb.HGet(ctx, q.jobKey(id), "claimed_at").Int64()
		if err == redis.Nil {
			claimedAt = 0
		} else if err != nil {
			return rescued, fmt.Errorf("failed to read claim time for job %s: %w", id, err)
		}
		if claimedAt > cutoff {
			continue
		}

		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, q.key("active"), 1, id)
		pipe.LPush(ctx, q.key("waiting"), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return rescued, fmt.Errorf("failed to requeue stalled job %s: %w", id, err)
		}
		rescued++

		log.Warn().Str("job", id).Msg("Requeued stalled job")
	}
	return rescued, nil
}

// Counts returns the queue census in one pipelined round trip.
func (q *Queue) Counts(ctx context.Context) (Status, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, q.key("waiting"))
	active := pipe.LLen(ctx, q.key("active"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	completed := pipe.LLen(ctx, q.key("completed"))
	failed := pipe.LLen(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Status{}, fmt.Errorf("failed to count queue states: %w", err)
	}

	return Status{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// IsTracked reports whether an id currently occupies the queue.
func (q *Queue) IsTracked(ctx context.Context, id string) (bool, error) {
	ok, err := q.rdb.SIsMember(ctx, q.key("ids"), id).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check tracked id: %w", err)
	}
	return ok, nil
}
