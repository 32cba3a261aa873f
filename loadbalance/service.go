package loadbalance

import (
	"context"
	"fmt"

	"canary-rpc/registry"
)

// ServiceBalancer chooses among the live instances of one service. Every
// Choose fetches a fresh list from the supplier; nothing is cached between calls.
type ServiceBalancer struct {
	service  string
	supplier registry.Supplier
	balancer Balancer
}

func NewServiceBalancer(service string, supplier registry.Supplier, balancer Balancer) *ServiceBalancer {
	return &ServiceBalancer{service: service, supplier: supplier, balancer: balancer}
}

// Choose looks up the service and picks one instance. The lookup is the only
// blocking step and stops when ctx is done. Unavailability wraps
// ErrNoInstanceAvailable.
func (s *ServiceBalancer) Choose(ctx context.Context) (*registry.ServiceInstance, error) {
	instances, err := s.supplier.Discover(ctx, s.service)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", s.service, err)
	}
	inst, err := s.balancer.Pick(ctx, instances)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.service, err)
	}
	return inst, nil
}

func (s *ServiceBalancer) ServiceName() string {
	return s.service
}
