package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease state lives in a hash per actor. Epochs are a high-water mark,
// so the keys carry no redis TTL; losing the counter would let a
// fenced epoch sign again. Expired leases are swept, never expired
// away.
//
// acquire: KEYS[1] lease hash, ARGV[1] now micros, ARGV[2] new expiry
// micros. Returns {granted, epoch, expires, held}.
var redisAcquireScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local expires = tonumber(ARGV[2])

local state = redis.call("HMGET", key, "epoch", "expires_at", "held")
local epoch = tonumber(state[1]) or 0
local cur = tonumber(state[2]) or 0
local held = state[3] == "1"

if held and now < cur then
    return {0, epoch, cur, 1}
end

epoch = epoch + 1
redis.call("HMSET", key, "epoch", epoch, "expires_at", expires, "held", "1")
return {1, epoch, expires, 1}
`)

// heartbeat: ARGV[1] claimed epoch, ARGV[2] now, ARGV[3] margin
// micros, ARGV[4] new expiry. Refuses late or mismatched renewals.
var redisHeartbeatScript = redis.NewScript(`
local key = KEYS[1]
local want = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local margin = tonumber(ARGV[3])
local expires = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "epoch", "expires_at", "held")
local epoch = tonumber(state[1]) or 0
local cur = tonumber(state[2]) or 0
local held = 0
if state[3] == "1" then held = 1 end

if held == 0 or epoch ~= want or now >= cur - margin then
    return {0, epoch, cur, held}
end

redis.call("HSET", key, "expires_at", expires)
return {1, epoch, expires, 1}
`)

// release: ARGV[1] claimed epoch. Drops the lease only for its holder.
var redisReleaseScript = redis.NewScript(`
local key = KEYS[1]
local want = tonumber(ARGV[1])

local state = redis.call("HMGET", key, "epoch", "held")
local epoch = tonumber(state[1]) or 0
local held = state[2] == "1"

if not held or epoch ~= want then
    return 0
end
redis.call("HSET", key, "held", "0")
return 1
`)

// RedisLeaseStore coordinates leases across processes. All mutating
// paths run server-side Lua so acquire and renewal stay atomic.
type RedisLeaseStore struct {
	client *redis.Client
	prefix string
}

// NewRedisLeaseStore connects a lease store to redis.
func NewRedisLeaseStore(addr, password string, db int) *RedisLeaseStore {
	return &RedisLeaseStore{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		prefix: "synod:lease:",
	}
}

func (s *RedisLeaseStore) key(actorID string) string { return s.prefix + actorID }

func micros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

func parseLeaseReply(res any) (Record, bool, error) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 4 {
		return Record{}, false, fmt.Errorf("unexpected lease script reply %T", res)
	}
	granted, _ := vals[0].(int64)
	epoch, _ := vals[1].(int64)
	expires, _ := vals[2].(int64)
	held, _ := vals[3].(int64)
	rec := Record{
		Epoch:     uint64(epoch),
		ExpiresAt: fromMicros(expires),
		Held:      held == 1,
	}
	return rec, granted == 1, nil
}

func (s *RedisLeaseStore) Acquire(ctx context.Context, actorID string, now time.Time, ttl time.Duration) (Record, bool, error) {
	res, err := redisAcquireScript.Run(ctx, s.client, []string{s.key(actorID)},
		micros(now), micros(now.Add(ttl))).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("redis acquire: %w", err)
	}
	return parseLeaseReply(res)
}

func (s *RedisLeaseStore) Heartbeat(ctx context.Context, actorID string, epoch uint64, now time.Time, ttl, margin time.Duration) (Record, bool, error) {
	res, err := redisHeartbeatScript.Run(ctx, s.client, []string{s.key(actorID)},
		epoch, micros(now), margin.Microseconds(), micros(now.Add(ttl))).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("redis heartbeat: %w", err)
	}
	return parseLeaseReply(res)
}

func (s *RedisLeaseStore) Release(ctx context.Context, actorID string, epoch uint64) (bool, error) {
	res, err := redisReleaseScript.Run(ctx, s.client, []string{s.key(actorID)}, epoch).Result()
	if err != nil {
		return false, fmt.Errorf("redis release: %w", err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (s *RedisLeaseStore) Revoke(ctx context.Context, actorID string) error {
	if err := s.client.HSet(ctx, s.key(actorID), "held", "0").Err(); err != nil {
		return fmt.Errorf("redis revoke: %w", err)
	}
	return nil
}

func (s *RedisLeaseStore) Current(ctx context.Context, actorID string) (Record, error) {
	vals, err := s.client.HMGet(ctx, s.key(actorID), "epoch", "expires_at", "held").Result()
	if err != nil {
		return Record{}, fmt.Errorf("redis current: %w", err)
	}
	var rec Record
	if v, ok := vals[0].(string); ok {
		var epoch int64
		fmt.Sscan(v, &epoch)
		rec.Epoch = uint64(epoch)
	}
	if v, ok := vals[1].(string); ok {
		var us int64
		fmt.Sscan(v, &us)
		rec.ExpiresAt = fromMicros(us)
	}
	if v, ok := vals[2].(string); ok {
		rec.Held = v == "1"
	}
	return rec, nil
}

func (s *RedisLeaseStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	swept := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		vals, err := s.client.HMGet(ctx, key, "expires_at", "held").Result()
		if err != nil {
			return swept, fmt.Errorf("redis sweep read %s: %w", key, err)
		}
		held, _ := vals[1].(string)
		if held != "1" {
			continue
		}
		var us int64
		if v, ok := vals[0].(string); ok {
			fmt.Sscan(v, &us)
		}
		if !now.Before(fromMicros(us)) {
			if err := s.client.HSet(ctx, key, "held", "0").Err(); err != nil {
				return swept, fmt.Errorf("redis sweep write %s: %w", key, err)
			}
			swept++
		}
	}
	if err := iter.Err(); err != nil {
		return swept, fmt.Errorf("redis sweep scan: %w", err)
	}
	return swept, nil
}

func (s *RedisLeaseStore) Close() error { return s.client.Close() }
