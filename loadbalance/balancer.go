// Package loadbalance picks the instance that serves an outbound call.
//
// Strategies:
//   - Version:         route by the "version" header, falling back to public instances
//   - RoundRobin:      stateless services, equal-capacity instances
//   - WeightedRandom:  heterogeneous instances, weight taken from metadata
//   - ConsistentHash:  affinity by a request header
package loadbalance

import (
	"context"
	"errors"
	"fmt"

	"canary-rpc/registry"
)

// ErrNoInstanceAvailable is returned, possibly wrapped, whenever a balancer
// cannot pick an instance: the list was empty or nothing in it qualified.
var ErrNoInstanceAvailable = errors.New("no instance available")

var ErrUnknownBalancer = errors.New("unknown balancer")

// Balancer selects one instance for a call. The returned pointer always
// refers to an element of instances. Implementations must be goroutine-safe.
type Balancer interface {
	Pick(ctx context.Context, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

const (
	NameVersion        = "version"
	NameRoundRobin     = "round_robin"
	NameWeightedRandom = "weighted_random"
	NameConsistentHash = "consistent_hash"
)

// Names lists the strategies New understands.
var Names = []string{NameVersion, NameRoundRobin, NameWeightedRandom, NameConsistentHash}

type options struct {
	hashHeader string
	replicas   int
}

type Option func(*options)

// WithHashHeader sets the outgoing header the consistent hash balancer keys on.
func WithHashHeader(name string) Option {
	return func(o *options) { o.hashHeader = name }
}

// WithReplicas sets the virtual nodes per instance on the hash ring.
func WithReplicas(n int) Option {
	return func(o *options) { o.replicas = n }
}

// New builds the balancer registered under name.
func New(name string, opts ...Option) (Balancer, error) {
	o := options{hashHeader: DefaultHashHeader, replicas: defaultReplicas}
	for _, opt := range opts {
		opt(&o)
	}

	switch name {
	case "", NameVersion:
		return &VersionBalancer{}, nil
	case NameRoundRobin:
		return &RoundRobinBalancer{}, nil
	case NameWeightedRandom:
		return &WeightedRandomBalancer{}, nil
	case NameConsistentHash:
		return NewConsistentHashBalancer(o.hashHeader, o.replicas), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBalancer, name)
}
