package loadbalance

import (
	"context"
	"math/rand/v2"
	"strconv"

	"canary-rpc/registry"
)

// WeightedRandomBalancer picks proportionally to each instance's "weight"
// metadata. Missing or non-positive weights count as 1.
type WeightedRandomBalancer struct{}

func weightOf(inst *registry.ServiceInstance) int {
	w, err := strconv.Atoi(inst.Metadata[registry.WeightKey])
	if err != nil || w < 1 {
		return 1
	}
	return w
}

func (b *WeightedRandomBalancer) Pick(_ context.Context, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstanceAvailable
	}

	total := 0
	for i := range instances {
		total += weightOf(&instances[i])
	}

	r := rand.IntN(total)
	for i := range instances {
		r -= weightOf(&instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
