package registry

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/consul/api"
)

// ConsulRegistry registers instances with the local consul agent. Each one
// carries a TTL check that a keepalive loop passes; consul drops instances
// whose check stays critical.
type ConsulRegistry struct {
	client *api.Client
	ttl    time.Duration
	logger log.Logger
	beats  keepalives
}

func NewConsulRegistry(cfg Config, logger log.Logger) (*ConsulRegistry, error) {
	cfg = cfg.WithDefaults()
	apiCfg := api.DefaultConfig()
	if len(cfg.Endpoints) > 0 {
		apiCfg.Address = cfg.Endpoints[0]
	}
	if cfg.Password != "" {
		apiCfg.Token = cfg.Password
	}
	cli, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}
	return &ConsulRegistry{client: cli, ttl: cfg.TTL, logger: logger}, nil
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	return host, port, nil
}

func (r *ConsulRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance) error {
	host, port, err := splitAddr(instance.Addr)
	if err != nil {
		return err
	}

	checkID := "service:" + instance.Key()
	registration := &api.AgentServiceRegistration{
		ID:      instance.Key(),
		Name:    serviceName,
		Address: host,
		Port:    port,
		Meta:    copyMetadata(instance.Metadata),
		Check: &api.AgentServiceCheck{
			CheckID:                        checkID,
			TTL:                            (r.ttl + time.Second).String(),
			DeregisterCriticalServiceAfter: (r.ttl * 6).String(),
		},
	}
	if err := r.client.Agent().ServiceRegister(registration); err != nil {
		return err
	}
	if err := r.client.Agent().PassTTL(checkID, "registered"); err != nil {
		return err
	}

	r.beats.start(checkID, refreshInterval(r.ttl), r.logger, func(context.Context) error {
		return r.client.Agent().PassTTL(checkID, "keepalive")
	})

	level.Info(r.logger).Log("msg", "registered", "service", serviceName, "id", instance.Key(), "addr", instance.Addr, "version", instance.Version())
	return nil
}

func (r *ConsulRegistry) Deregister(_ context.Context, _ string, instance ServiceInstance) error {
	r.beats.stop("service:" + instance.Key())
	return r.client.Agent().ServiceDeregister(instance.Key())
}

// Discover returns instances whose checks are passing, in the order consul reports them.
func (r *ConsulRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	entries, _, err := r.client.Health().Service(serviceName, "", true, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(entries))
	for _, e := range entries {
		host := e.Service.Address
		if host == "" && e.Node != nil {
			host = e.Node.Address
		}
		instances = append(instances, ServiceInstance{
			ID:       e.Service.ID,
			Addr:     net.JoinHostPort(host, strconv.Itoa(e.Service.Port)),
			Metadata: copyMetadata(e.Service.Meta),
		})
	}
	return instances, nil
}

func (r *ConsulRegistry) Close() error {
	r.beats.stopAll()
	return nil
}
