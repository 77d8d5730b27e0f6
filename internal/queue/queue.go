// Package queue persists tasks in Redis. A task lives under its own key and
// is indexed by sorted sets: one due set per priority (PENDING tasks by
// ScheduledFor), leases (PROCESSING tasks by lease expiry) and all (every
// task by creation time). State changes that move a task between indexes
// run as Lua scripts so a crash never leaves a task outside every index.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/podushkina/claimflow/internal/task"
)

const (
	taskPrefix    = "claimflow:task:"
	dedupePrefix  = "claimflow:dedupe:"
	seqPrefix     = "claimflow:seq:"
	duePrefix     = "claimflow:due:"
	prioritiesKey = "claimflow:priorities"
	leaseKey      = "claimflow:leases"
	allKey        = "claimflow:tasks"
)

func dueKey(priority int) string {
	return duePrefix + strconv.Itoa(priority)
}

// enqueueScript writes a task and its indexes. With a dedupe key (KEYS[5])
// it returns the ID of the task already holding the key; a key left pointing
// at a task that was never written is taken over.
var enqueueScript = redis.NewScript(`
if #KEYS == 5 then
	local existing = redis.call('GET', KEYS[5])
	if existing and redis.call('EXISTS', ARGV[6] .. existing) == 1 then
		return existing
	end
	redis.call('SET', KEYS[5], ARGV[1])
end
redis.call('SET', KEYS[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
if ARGV[4] ~= '' then
	redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
	redis.call('ZADD', KEYS[4], ARGV[5], ARGV[5])
end
return ARGV[1]
`)

// acquireScript moves a task from its due set to the lease set and stores
// the PROCESSING blob in one step.
var acquireScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('SET', KEYS[3], ARGV[3])
return 1
`)

// reclaimScript takes a task off the lease set and stores its new state,
// re-indexing it as due when it is PENDING again.
var reclaimScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('SET', KEYS[2], ARGV[2])
if ARGV[3] ~= '' then
	redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
	redis.call('ZADD', KEYS[4], ARGV[4], ARGV[4])
end
return 1
`)

type Queue struct {
	client *redis.Client
}

func New(addr, password string, db int) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Enqueue stores a new task. When the task carries a dedupe key already
// claimed by another task, that task is returned and nothing is written.
func (q *Queue) Enqueue(ctx context.Context, t *task.Task) (*task.Task, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	due := ""
	if t.Status == task.StatusPending {
		due = strconv.FormatInt(t.ScheduledFor.UnixMilli(), 10)
	}
	keys := []string{taskPrefix + t.ID, allKey, dueKey(t.Priority), prioritiesKey}
	if t.DedupeKey != "" {
		keys = append(keys, dedupePrefix+t.DedupeKey)
	}

	id, err := enqueueScript.Run(ctx, q.client, keys,
		t.ID, data, t.CreatedAt.UnixMilli(), due, t.Priority, taskPrefix,
	).Text()
	if err != nil {
		return nil, fmt.Errorf("enqueue task: %w", err)
	}
	if id == t.ID {
		return t, nil
	}

	existing, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("dedupe key %s points at missing task %s", t.DedupeKey, id)
	}
	return existing, nil
}

// Get returns nil, nil when the task does not exist.
func (q *Queue) Get(ctx context.Context, id string) (*task.Task, error) {
	data, err := q.client.Get(ctx, taskPrefix+id).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("get task: %w", err)
	}

	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}

	return &t, nil
}

// Save writes t and moves it between the due and lease indexes to match its
// status.
func (q *Queue) Save(ctx context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, taskPrefix+t.ID, data, 0)

	if t.Status == task.StatusPending {
		pipe.ZAdd(ctx, dueKey(t.Priority), redis.Z{Score: score(t.ScheduledFor), Member: t.ID})
		pipe.ZAdd(ctx, prioritiesKey, redis.Z{Score: float64(t.Priority), Member: strconv.Itoa(t.Priority)})
	} else {
		pipe.ZRem(ctx, dueKey(t.Priority), t.ID)
	}
	if t.Status == task.StatusProcessing && t.LeaseExpiresAt != nil {
		pipe.ZAdd(ctx, leaseKey, redis.Z{Score: score(*t.LeaseExpiresAt), Member: t.ID})
	} else {
		pipe.ZRem(ctx, leaseKey, t.ID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save task: %w", err)
	}

	return nil
}

// Due returns at most limit PENDING tasks scheduled at or before now, in
// dispatch order. Priorities are scanned highest first and each due set is
// read only as far as the remaining limit.
func (q *Queue) Due(ctx context.Context, now time.Time, limit int) ([]*task.Task, error) {
	priorities, err := q.client.ZRevRange(ctx, prioritiesKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("due priorities: %w", err)
	}

	var ids []string
	for _, p := range priorities {
		by := &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(now.UnixMilli(), 10),
		}
		if limit > 0 {
			by.Count = int64(limit - len(ids))
		}
		got, err := q.client.ZRangeByScore(ctx, duePrefix+p, by).Result()
		if err != nil {
			return nil, fmt.Errorf("due tasks: %w", err)
		}
		ids = append(ids, got...)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}

	tasks, err := q.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool { return task.Less(tasks[i], tasks[j]) })
	return tasks, nil
}

// Acquire claims a due task for processing. t must already carry its
// PROCESSING status and lease; it is written only if this caller removed it
// from the due set. Only one caller can win.
func (q *Queue) Acquire(ctx context.Context, t *task.Task) (bool, error) {
	if t.Status != task.StatusProcessing || t.LeaseExpiresAt == nil {
		return false, fmt.Errorf("acquire task %s: status %s without lease", t.ID, t.Status)
	}
	data, err := json.Marshal(t)
	if err != nil {
		return false, fmt.Errorf("marshal task: %w", err)
	}

	n, err := acquireScript.Run(ctx, q.client,
		[]string{dueKey(t.Priority), leaseKey, taskPrefix + t.ID},
		t.ID, t.LeaseExpiresAt.UnixMilli(), data,
	).Int()
	if err != nil {
		return false, fmt.Errorf("acquire task: %w", err)
	}
	return n == 1, nil
}

// Reclaim stores t, whose lease ran out, in its new state. It succeeds only
// for the caller that removed t from the lease set.
func (q *Queue) Reclaim(ctx context.Context, t *task.Task) (bool, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return false, fmt.Errorf("marshal task: %w", err)
	}

	due := ""
	if t.Status == task.StatusPending {
		due = strconv.FormatInt(t.ScheduledFor.UnixMilli(), 10)
	}
	n, err := reclaimScript.Run(ctx, q.client,
		[]string{leaseKey, taskPrefix + t.ID, dueKey(t.Priority), prioritiesKey},
		t.ID, data, due, t.Priority,
	).Int()
	if err != nil {
		return false, fmt.Errorf("reclaim task: %w", err)
	}
	return n == 1, nil
}

// Expired returns PROCESSING tasks whose lease ended at or before now.
func (q *Queue) Expired(ctx context.Context, now time.Time) ([]*task.Task, error) {
	ids, err := q.client.ZRangeByScore(ctx, leaseKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("expired leases: %w", err)
	}
	return q.load(ctx, ids)
}

// ReleaseLease removes id from the lease index. Only one caller can win.
func (q *Queue) ReleaseLease(ctx context.Context, id string) (bool, error) {
	n, err := q.client.ZRem(ctx, leaseKey, id).Result()
	if err != nil {
		return false, fmt.Errorf("release lease: %w", err)
	}
	return n == 1, nil
}

// List returns up to limit tasks, newest first. A limit of 0 returns all.
func (q *Queue) List(ctx context.Context, limit int) ([]*task.Task, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := q.client.ZRevRange(ctx, allKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return q.load(ctx, ids)
}

func (q *Queue) load(ctx context.Context, ids []string) ([]*task.Task, error) {
	if len(ids) == 0 {
		return []*task.Task{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = taskPrefix + id
	}

	values, err := q.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch tasks: %w", err)
	}

	tasks := make([]*task.Task, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}

		var t task.Task
		if err := json.Unmarshal([]byte(s), &t); err != nil {
			continue
		}
		tasks = append(tasks, &t)
	}

	return tasks, nil
}

// Sequence is a monotonic counter stored in Redis.
type Sequence struct {
	client *redis.Client
	key    string
}

func (q *Queue) Sequence(name string) *Sequence {
	return &Sequence{client: q.client, key: seqPrefix + name}
}

func (s *Sequence) Next(ctx context.Context) (int64, error) {
	n, err := s.client.Incr(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("next %s: %w", s.key, err)
	}
	return n, nil
}
