package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
)

// RedisPort is the production Port implementation.
type RedisPort struct {
	client *redis.Client
	script *redis.Script

	ops     metric.Int64Counter
	lockOps metric.Int64Counter
}

// NewRedisPort connects to addr/db and prepares the lock-release script.
func NewRedisPort(addr string, db int, meter metric.Meter) (*RedisPort, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	ops, _ := meter.Int64Counter("orch_kv_ops_total")
	lockOps, _ := meter.Int64Counter("orch_kv_lock_ops_total")
	return &RedisPort{
		client:  client,
		script:  redis.NewScript(releaseLockScript),
		ops:     ops,
		lockOps: lockOps,
	}, nil
}

// NewRedisPortFromClient wraps an existing client (used by tests against miniredis).
func NewRedisPortFromClient(client *redis.Client, meter metric.Meter) *RedisPort {
	ops, _ := meter.Int64Counter("orch_kv_ops_total")
	lockOps, _ := meter.Int64Counter("orch_kv_lock_ops_total")
	return &RedisPort{client: client, script: redis.NewScript(releaseLockScript), ops: ops, lockOps: lockOps}
}

func (r *RedisPort) HSet(ctx context.Context, key string, values map[string]string) error {
	r.ops.Add(ctx, 1)
	args := make([]interface{}, 0, len(values)*2)
	for k, v := range values {
		args = append(args, k, v)
	}
	if err := r.client.HSet(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("kv: hset %s: %w", key, err)
	}
	return nil
}

func (r *RedisPort) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	r.ops.Add(ctx, 1)
	m, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: hgetall %s: %w", key, err)
	}
	return m, nil
}

func (r *RedisPort) SAdd(ctx context.Context, key, member string, ttl time.Duration) error {
	r.ops.Add(ctx, 1)
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, key, member)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kv: sadd %s: %w", key, err)
	}
	return nil
}

func (r *RedisPort) SIsMember(ctx context.Context, key, member string) (bool, error) {
	r.ops.Add(ctx, 1)
	ok, err := r.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("kv: sismember %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisPort) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	r.lockOps.Add(ctx, 1)
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv: setnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisPort) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	r.lockOps.Add(ctx, 1)
	res, err := r.script.Run(ctx, r.client, []string{key}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("kv: release %s: %w", key, err)
	}
	return res == 1, nil
}

func (r *RedisPort) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	r.ops.Add(ctx, 1)
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv: set %s: %w", key, err)
	}
	return nil
}

func (r *RedisPort) Get(ctx context.Context, key string) (string, bool, error) {
	r.ops.Add(ctx, 1)
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv: get %s: %w", key, err)
	}
	return v, true, nil
}

func (r *RedisPort) Close() error {
	return r.client.Close()
}

// Keys used by the exactly-once pipeline and agent registry (§6).
func SeenKey(taskID string) string      { return fmt.Sprintf("seen:%s", taskID) }
func LockKey(taskID string) string      { return fmt.Sprintf("lock:task:%s", taskID) }
func AgentsRegistryKey() string         { return "agents:registry" }
func WorkflowSnapshotKey(id string) string { return fmt.Sprintf("workflow:snapshot:%s", id) }
