package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-building/internal/mission"
	"github.com/redis/go-redis/v9"
)

const (
	monitorPrefix = "nuka:monitor:"
	leasePrefix   = "nuka:lease:"
	donePrefix    = "nuka:done:"
)

// releaseScript deletes the lease only when it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// renewScript extends the caller's lease, or re-takes it if it lapsed.
var renewScript = redis.NewScript(`
local holder = redis.call("GET", KEYS[1])
if holder == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if not holder then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0`)

// RedisMonitorStore keeps monitoring state as TTL'd Redis keys.
type RedisMonitorStore struct {
	rdb *redis.Client
}

var _ MonitorStore = (*RedisMonitorStore)(nil)

// NewRedisMonitorStore creates a monitor store on an existing client.
func NewRedisMonitorStore(rdb *redis.Client) *RedisMonitorStore {
	return &RedisMonitorStore{rdb: rdb}
}

func (s *RedisMonitorStore) GetMonitor(ctx context.Context, key string) (*mission.MonitoringState, error) {
	data, err := s.rdb.Get(ctx, monitorPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get monitor %s: %w", key, err)
	}
	var st mission.MonitoringState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode monitor %s: %w", key, err)
	}
	return &st, nil
}

func (s *RedisMonitorStore) PutMonitor(ctx context.Context, st *mission.MonitoringState) error {
	if st.TTL <= 0 {
		return fmt.Errorf("monitor %s: ttl is required", st.Key())
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode monitor %s: %w", st.Key(), err)
	}
	if err := s.rdb.Set(ctx, monitorPrefix+st.Key(), data, st.TTL).Err(); err != nil {
		return fmt.Errorf("put monitor %s: %w", st.Key(), err)
	}
	return nil
}

func (s *RedisMonitorStore) DeleteMonitor(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, monitorPrefix+key).Err(); err != nil {
		return fmt.Errorf("delete monitor %s: %w", key, err)
	}
	return nil
}

func (s *RedisMonitorStore) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, leasePrefix+key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisMonitorStore) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, s.rdb, []string{leasePrefix + key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisMonitorStore) ReleaseLease(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{leasePrefix + key}, owner).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}

func (s *RedisMonitorStore) RememberResult(ctx context.Context, r *mission.TaskResult, ttl time.Duration) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	key := mission.TaskKey(r.MissionID, r.TaskID)
	if err := s.rdb.Set(ctx, donePrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("remember result %s: %w", key, err)
	}
	return nil
}

func (s *RedisMonitorStore) RecallResult(ctx context.Context, key string) (*mission.TaskResult, error) {
	data, err := s.rdb.Get(ctx, donePrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("recall result %s: %w", key, err)
	}
	var r mission.TaskResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", key, err)
	}
	return &r, nil
}
