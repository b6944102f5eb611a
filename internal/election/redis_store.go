package election

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kevklatman/distfs/internal/model"
)

// redisLease is the wire form of a lease in Redis. Timestamps are unix
// milliseconds taken from the Redis server clock via TIME, so holder
// validity never depends on any node's local clock.
type redisLease struct {
	Holder     string `json:"holder"`
	DurationMs int64  `json:"duration_ms"`
	AcquiredMs int64  `json:"acquired_ms"`
	RenewedMs  int64  `json:"renewed_ms"`
	Generation int64  `json:"generation"`
}

func (r redisLease) toRecord(name string) model.LeaseRecord {
	return model.LeaseRecord{
		Name:          name,
		HolderID:      r.Holder,
		LeaseDuration: time.Duration(r.DurationMs) * time.Millisecond,
		AcquiredAt:    time.UnixMilli(r.AcquiredMs),
		RenewedAt:     time.UnixMilli(r.RenewedMs),
		Generation:    r.Generation,
	}
}

// Keys are TTLed at three lease durations as a backstop against leaked
// leases from crashed holders; expiry decisions still go by timestamps.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return ''
end
local t = redis.call('TIME')
local now = t[1] * 1000 + math.floor(t[2] / 1000)
local rec = cjson.encode({
  holder = ARGV[1],
  duration_ms = tonumber(ARGV[2]),
  acquired_ms = now,
  renewed_ms = now,
  generation = 1,
})
redis.call('SET', KEYS[1], rec, 'PX', tonumber(ARGV[2]) * 3)
return rec
`)

var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return ''
end
local rec = cjson.decode(cur)
if rec.holder ~= ARGV[1] or rec.generation ~= tonumber(ARGV[2]) then
  return ''
end
local t = redis.call('TIME')
local now = t[1] * 1000 + math.floor(t[2] / 1000)
rec.renewed_ms = now
rec.duration_ms = tonumber(ARGV[4])
if ARGV[3] ~= rec.holder then
  rec.holder = ARGV[3]
  rec.acquired_ms = now
  rec.generation = rec.generation + 1
end
local enc = cjson.encode(rec)
redis.call('SET', KEYS[1], enc, 'PX', tonumber(ARGV[4]) * 3)
return enc
`)

var deleteScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return -1
end
local rec = cjson.decode(cur)
if rec.holder ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// RedisLeaseStore implements LeaseStore on a shared Redis instance.
type RedisLeaseStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisLeaseStore creates a Redis-backed lease store.
func NewRedisLeaseStore(host string, port int, password string, db int) *RedisLeaseStore {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})
	return &RedisLeaseStore{client: client, keyPrefix: "distfs:lease:"}
}

// Ping verifies connectivity to the store.
func (s *RedisLeaseStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *RedisLeaseStore) Close() error {
	return s.client.Close()
}

func (s *RedisLeaseStore) key(name string) string {
	return s.keyPrefix + name
}

// Create implements LeaseStore.
func (s *RedisLeaseStore) Create(ctx context.Context, name, holderID string, duration time.Duration) (model.LeaseRecord, error) {
	res, err := createScript.Run(ctx, s.client, []string{s.key(name)}, holderID, duration.Milliseconds()).Text()
	if err != nil {
		return model.LeaseRecord{}, fmt.Errorf("lease create: %w", err)
	}
	if res == "" {
		return model.LeaseRecord{}, ErrLeaseExists
	}
	return s.decode(name, res)
}

// Get implements LeaseStore.
func (s *RedisLeaseStore) Get(ctx context.Context, name string) (model.LeaseRecord, error) {
	res, err := s.client.Get(ctx, s.key(name)).Result()
	if err == redis.Nil {
		return model.LeaseRecord{}, ErrLeaseNotFound
	}
	if err != nil {
		return model.LeaseRecord{}, fmt.Errorf("lease get: %w", err)
	}
	return s.decode(name, res)
}

// CompareAndSwap implements LeaseStore.
func (s *RedisLeaseStore) CompareAndSwap(ctx context.Context, name, expectedHolder string, expectedGeneration int64, newHolder string, duration time.Duration) (model.LeaseRecord, error) {
	res, err := casScript.Run(ctx, s.client, []string{s.key(name)},
		expectedHolder, expectedGeneration, newHolder, duration.Milliseconds()).Text()
	if err != nil {
		return model.LeaseRecord{}, fmt.Errorf("lease cas: %w", err)
	}
	if res == "" {
		return model.LeaseRecord{}, ErrCASMismatch
	}
	return s.decode(name, res)
}

// Delete implements LeaseStore.
func (s *RedisLeaseStore) Delete(ctx context.Context, name, holderID string) error {
	res, err := deleteScript.Run(ctx, s.client, []string{s.key(name)}, holderID).Int()
	if err != nil {
		return fmt.Errorf("lease delete: %w", err)
	}
	switch res {
	case -1:
		return ErrLeaseNotFound
	case 0:
		return ErrCASMismatch
	}
	return nil
}

func (s *RedisLeaseStore) decode(name, raw string) (model.LeaseRecord, error) {
	var rl redisLease
	if err := json.Unmarshal([]byte(raw), &rl); err != nil {
		return model.LeaseRecord{}, fmt.Errorf("lease decode: %w", err)
	}
	return rl.toRecord(name), nil
}
