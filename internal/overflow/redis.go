package overflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// leaseScript pops the next ready member of one key's queue and re-scores it
// into the future so other drainers skip it until the lease expires.
// KEYS[1] = per-key queue zset
// ARGV[1] = now (unix milliseconds), ARGV[2] = lease expiry (unix milliseconds)
// Returns the leased member, or false when nothing is ready.
var leaseScript = redis.NewScript(`
		local m = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
		if #m == 0 then
			return false
		end
		redis.call('ZADD', KEYS[1], ARGV[2], m[1])
		return m[1]
`)

// Redis is the durable store. Layout per queue prefix P:
//
//	P:of:keys        set of partition keys with jobs
//	P:of:q:<key>     zset, member "<seq>|<id>", score = ready-at millis
//	P:of:job:<id>    JSON payload
//	P:of:idx         hash id -> "<key>|<member>"
//	P:of:seq         enqueue sequence counter
//
// Equal ready-at scores sort lexically, and the zero-padded sequence prefix
// makes lexical order enqueue order, so the queue is FIFO within a key.
type Redis struct {
	rdb    *redis.Client
	prefix string
	log    *slog.Logger
}

func NewRedis(rdb *redis.Client, prefix string, log *slog.Logger) *Redis {
	if log == nil {
		log = slog.Default()
	}
	return &Redis{rdb: rdb, prefix: prefix, log: log}
}

func (r *Redis) Enqueue(ctx context.Context, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("overflow: marshal job: %w", err)
	}

	set, err := r.rdb.SetNX(ctx, r.jobKey(job.ID), body, 0).Result()
	if err != nil {
		return fmt.Errorf("overflow: persist job: %w", err)
	}
	if !set {
		// Same request ID already queued.
		return nil
	}

	seq, err := r.rdb.Incr(ctx, r.key("seq")).Result()
	if err != nil {
		return fmt.Errorf("overflow: sequence: %w", err)
	}
	member := fmt.Sprintf("%020d|%s", seq, job.ID)

	pipe := r.rdb.TxPipeline()
	pipe.ZAdd(ctx, r.queueKey(job.Key), redis.Z{Score: float64(job.NextRunAt.UnixMilli()), Member: member})
	pipe.SAdd(ctx, r.key("keys"), job.Key)
	pipe.HSet(ctx, r.key("idx"), job.ID, job.Key+"|"+member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("overflow: enqueue: %w", err)
	}
	return nil
}

func (r *Redis) Lease(ctx context.Context, now time.Time, visibility time.Duration) (*Job, error) {
	keys, err := r.rdb.SMembers(ctx, r.key("keys")).Result()
	if err != nil {
		return nil, fmt.Errorf("overflow: list keys: %w", err)
	}

	expiry := now.Add(visibility).UnixMilli()
	for _, key := range keys {
		member, err := leaseScript.Run(ctx, r.rdb,
			[]string{r.queueKey(key)}, now.UnixMilli(), expiry,
		).Text()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("overflow: lease: %w", err)
		}

		id := memberID(member)
		body, err := r.rdb.Get(ctx, r.jobKey(id)).Bytes()
		if err == redis.Nil {
			// Payload gone (concurrent ack); drop the orphaned member.
			r.rdb.ZRem(ctx, r.queueKey(key), member)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("overflow: load job: %w", err)
		}

		var job Job
		if err := json.Unmarshal(body, &job); err != nil {
			r.log.Warn("dropping undecodable overflow job", "job_id", id, "error", err)
			r.removeByID(ctx, id)
			continue
		}
		return &job, nil
	}
	return nil, nil
}

func (r *Redis) Ack(ctx context.Context, jobID string) error {
	return r.removeByID(ctx, jobID)
}

func (r *Redis) Retry(ctx context.Context, job *Job, nextRunAt time.Time) error {
	entry, err := r.rdb.HGet(ctx, r.key("idx"), job.ID).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("overflow: index lookup: %w", err)
	}
	key, member, ok := strings.Cut(entry, "|")
	if !ok {
		return fmt.Errorf("overflow: malformed index entry %q", entry)
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("overflow: marshal job: %w", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, r.jobKey(job.ID), body, 0)
	pipe.ZAdd(ctx, r.queueKey(key), redis.Z{Score: float64(nextRunAt.UnixMilli()), Member: member})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("overflow: reschedule: %w", err)
	}
	return nil
}

func (r *Redis) Len(ctx context.Context) (int, error) {
	n, err := r.rdb.HLen(ctx, r.key("idx")).Result()
	if err != nil {
		return 0, fmt.Errorf("overflow: len: %w", err)
	}
	return int(n), nil
}

func (r *Redis) removeByID(ctx context.Context, jobID string) error {
	entry, err := r.rdb.HGet(ctx, r.key("idx"), jobID).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("overflow: index lookup: %w", err)
	}
	key, member, _ := strings.Cut(entry, "|")

	pipe := r.rdb.TxPipeline()
	pipe.ZRem(ctx, r.queueKey(key), member)
	pipe.Del(ctx, r.jobKey(jobID))
	pipe.HDel(ctx, r.key("idx"), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("overflow: remove: %w", err)
	}
	return nil
}

func (r *Redis) key(suffix string) string   { return r.prefix + ":of:" + suffix }
func (r *Redis) queueKey(key string) string { return r.prefix + ":of:q:" + key }
func (r *Redis) jobKey(id string) string    { return r.prefix + ":of:job:" + id }

func memberID(member string) string {
	if _, id, ok := strings.Cut(member, "|"); ok {
		return id
	}
	return member
}
