package loadbalance

import (
	"context"
	"sort"
	"strconv"

	"canary-rpc/metadata"
	"canary-rpc/registry"

	"github.com/spaolacci/murmur3"
)

const (
	// DefaultHashHeader is the outgoing header hashed when none is configured.
	DefaultHashHeader = "x-hash-key"
	defaultReplicas   = 100
)

// ConsistentHashBalancer maps the value of one outgoing header onto a hash
// ring, so calls carrying the same value land on the same instance while the
// instance set is unchanged. Each instance owns `replicas` virtual nodes.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A'
//	                ╲   ╱
//
// The ring is rebuilt from the instances passed to each Pick. Calls without
// the header hash the empty string and all go to the same instance.
type ConsistentHashBalancer struct {
	header   string
	replicas int
}

func NewConsistentHashBalancer(header string, replicas int) *ConsistentHashBalancer {
	if header == "" {
		header = DefaultHashHeader
	}
	if replicas < 1 {
		replicas = defaultReplicas
	}
	return &ConsistentHashBalancer{header: header, replicas: replicas}
}

type ring struct {
	hashes []uint32
	owner  map[uint32]int
}

func (b *ConsistentHashBalancer) build(instances []registry.ServiceInstance) *ring {
	r := &ring{
		hashes: make([]uint32, 0, len(instances)*b.replicas),
		owner:  make(map[uint32]int, len(instances)*b.replicas),
	}
	for i := range instances {
		id := instances[i].Key()
		for v := 0; v < b.replicas; v++ {
			h := murmur3.Sum32([]byte(id + "#" + strconv.Itoa(v)))
			if _, taken := r.owner[h]; taken {
				continue
			}
			r.owner[h] = i
			r.hashes = append(r.hashes, h)
		}
	}
	sort.Slice(r.hashes, func(i, j int) bool { return r.hashes[i] < r.hashes[j] })
	return r
}

// locate returns the index of the instance owning key.
func (r *ring) locate(key string) int {
	h := murmur3.Sum32([]byte(key))
	idx := sort.Search(len(r.hashes), func(i int) bool { return r.hashes[i] >= h })
	if idx == len(r.hashes) {
		idx = 0
	}
	return r.owner[r.hashes[idx]]
}

func (b *ConsistentHashBalancer) Pick(ctx context.Context, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstanceAvailable
	}
	md, _ := metadata.FromOutgoingContext(ctx)
	return &instances[b.build(instances).locate(md.Get(b.header))], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
