// Package registry publishes and discovers service instances.
//
// A server calls Register for every service it exposes; a client calls
// Discover before each RPC to obtain the current, ordered instance list.
// Backends: etcd, consul, zookeeper, nacos, redis and an in-process memory store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"canary-rpc/metadata"

	"github.com/go-kit/log"
)

// WeightKey is the instance metadata consulted by the weighted balancer.
const WeightKey = "weight"

var ErrUnsupportedType = errors.New("unsupported registry type")

// ServiceInstance is one reachable deployment of a service.
type ServiceInstance struct {
	ID       string            `json:"id"`
	Addr     string            `json:"addr"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Version returns the "version" metadata; empty means the instance is public.
func (s ServiceInstance) Version() string {
	return s.Metadata[metadata.VersionKey]
}

// Key identifies the instance within its service: the ID, or Addr when no ID is set.
func (s ServiceInstance) Key() string {
	if s.ID != "" {
		return s.ID
	}
	return s.Addr
}

// Supplier returns the instances currently serving a service. The result may
// be empty and its order is meaningful to the caller.
type Supplier interface {
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
}

// SupplierFunc adapts a function to a Supplier.
type SupplierFunc func(ctx context.Context, serviceName string) ([]ServiceInstance, error)

func (f SupplierFunc) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	return f(ctx, serviceName)
}

type Registry interface {
	Supplier
	Register(ctx context.Context, serviceName string, instance ServiceInstance) error
	Deregister(ctx context.Context, serviceName string, instance ServiceInstance) error
	Close() error
}

type Config struct {
	Type      string        `yaml:"type"`
	Endpoints []string      `yaml:"endpoints"`
	Namespace string        `yaml:"namespace"`
	Group     string        `yaml:"group"` // nacos only
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	TTL       time.Duration `yaml:"ttl"`
	Timeout   time.Duration `yaml:"timeout"`
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.Type == "" {
		c.Type = "memory"
	}
	if c.Namespace == "" {
		c.Namespace = "canary-rpc"
	}
	if c.Group == "" {
		c.Group = "DEFAULT_GROUP"
	}
	if c.TTL <= 0 {
		c.TTL = 10 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

// Types lists the accepted Config.Type values.
var Types = []string{"memory", "etcd", "consul", "zookeeper", "nacos", "redis"}

// New connects the backend named by cfg.Type.
func New(cfg Config, logger log.Logger) (Registry, error) {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = log.With(logger, "component", "registry", "backend", cfg.Type)

	switch cfg.Type {
	case "memory":
		return NewMemoryRegistry(), nil
	case "etcd":
		return NewEtcdRegistry(cfg, logger)
	case "consul":
		return NewConsulRegistry(cfg, logger)
	case "zookeeper":
		return NewZooKeeperRegistry(cfg, logger)
	case "nacos":
		return NewNacosRegistry(cfg, logger)
	case "redis":
		return NewRedisRegistry(cfg, logger)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, cfg.Type)
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
