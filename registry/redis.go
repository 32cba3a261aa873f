package registry

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
)

// RedisRegistry stores each instance as a JSON string at
//
//	{namespace}:{service}:{instance id}
//
// with a TTL that a keepalive loop keeps pushing forward.
type RedisRegistry struct {
	client    redis.UniversalClient
	namespace string
	ttl       time.Duration
	logger    log.Logger
	beats     keepalives
}

func NewRedisRegistry(cfg Config, logger log.Logger) (*RedisRegistry, error) {
	cfg = cfg.WithDefaults()
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: cfg.Timeout,
	})
	return NewRedisRegistryWithClient(client, cfg, logger), nil
}

// NewRedisRegistryWithClient uses an existing client; Close closes it.
func NewRedisRegistryWithClient(client redis.UniversalClient, cfg Config, logger log.Logger) *RedisRegistry {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &RedisRegistry{client: client, namespace: cfg.Namespace, ttl: cfg.TTL, logger: logger}
}

func (r *RedisRegistry) key(serviceName, id string) string {
	return r.namespace + ":" + serviceName + ":" + id
}

func (r *RedisRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance) error {
	data, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	key := r.key(serviceName, instance.Key())
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return err
	}

	// re-SET rather than EXPIRE so an entry evicted in between comes back
	r.beats.start(key, refreshInterval(r.ttl), r.logger, func(ctx context.Context) error {
		return r.client.Set(ctx, key, data, r.ttl).Err()
	})

	level.Info(r.logger).Log("msg", "registered", "key", key, "addr", instance.Addr, "version", instance.Version())
	return nil
}

func (r *RedisRegistry) Deregister(ctx context.Context, serviceName string, instance ServiceInstance) error {
	key := r.key(serviceName, instance.Key())
	r.beats.stop(key)
	return r.client.Del(ctx, key).Err()
}

// Discover scans the service keys and returns them in key order.
func (r *RedisRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, r.key(serviceName, "*"), 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	if len(keys) == 0 {
		return []ServiceInstance{}, nil
	}
	sort.Strings(keys)

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		var instance ServiceInstance
		if err := json.Unmarshal([]byte(s), &instance); err != nil {
			level.Warn(r.logger).Log("msg", "skip malformed entry", "key", keys[i], "err", err)
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

func (r *RedisRegistry) Close() error {
	r.beats.stopAll()
	return r.client.Close()
}
