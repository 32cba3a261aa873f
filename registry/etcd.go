package registry

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdRegistry stores each instance as JSON under
//
//	/{namespace}/{service}/{instance id}
//
// attached to a TTL lease. KeepAlive renews the lease while the process lives;
// if it dies the lease expires and the entry disappears.
type EtcdRegistry struct {
	client    *clientv3.Client
	namespace string
	ttl       int64
	logger    log.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

func NewEtcdRegistry(cfg Config, logger log.Logger) (*EtcdRegistry, error) {
	cfg = cfg.WithDefaults()
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.Timeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, err
	}
	ttl := int64(cfg.TTL.Seconds())
	if ttl < 1 {
		ttl = 1
	}
	return &EtcdRegistry{
		client:    c,
		namespace: cfg.Namespace,
		ttl:       ttl,
		logger:    logger,
		leases:    make(map[string]clientv3.LeaseID),
	}, nil
}

func (r *EtcdRegistry) prefix(serviceName string) string {
	return "/" + r.namespace + "/" + serviceName + "/"
}

func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance) error {
	lease, err := r.client.Grant(ctx, r.ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := r.prefix(serviceName) + instance.Key()
	if _, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// the lease must outlive the registering request
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return err
	}
	go func() {
		for range ch {
		}
		level.Debug(r.logger).Log("msg", "lease keepalive stopped", "key", key)
	}()

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	level.Info(r.logger).Log("msg", "registered", "key", key, "addr", instance.Addr, "version", instance.Version())
	return nil
}

func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, instance ServiceInstance) error {
	key := r.prefix(serviceName) + instance.Key()
	if _, err := r.client.Delete(ctx, key); err != nil {
		return err
	}

	r.mu.Lock()
	leaseID, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		if _, err := r.client.Revoke(ctx, leaseID); err != nil {
			level.Warn(r.logger).Log("msg", "revoke lease", "key", key, "err", err)
		}
	}
	return nil
}

// Discover lists the entries under the service prefix in key order.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, r.prefix(serviceName), clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			level.Warn(r.logger).Log("msg", "skip malformed entry", "key", string(kv.Key), "err", err)
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
