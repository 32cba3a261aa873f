package loadbalance

import (
	"context"

	"canary-rpc/metadata"
	"canary-rpc/registry"
)

// SelectVersion picks the instance that serves target.
//
// It scans instances once, in order. The first instance whose version equals
// target wins outright. Instances without a version are public: the first of
// them is the fallback when nothing matches. An empty target therefore always
// resolves to the first public instance. The boolean is false when the list is
// empty or holds neither a match nor a public instance.
func SelectVersion(instances []registry.ServiceInstance, target string) (*registry.ServiceInstance, bool) {
	public := -1
	for i := range instances {
		v := instances[i].Version()
		if v == "" {
			if public < 0 {
				public = i
			}
			continue
		}
		if v == target {
			return &instances[i], true
		}
	}
	if public >= 0 {
		return &instances[public], true
	}
	return nil, false
}

// TargetVersion reads the "version" header of the call being built.
func TargetVersion(ctx context.Context) string {
	md, _ := metadata.FromOutgoingContext(ctx)
	return md.Get(metadata.VersionKey)
}

// VersionBalancer routes each call to the instance tagged with the caller's
// version, or to a public instance when none is tagged with it.
type VersionBalancer struct{}

func (b *VersionBalancer) Pick(ctx context.Context, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	inst, ok := SelectVersion(instances, TargetVersion(ctx))
	if !ok {
		return nil, ErrNoInstanceAvailable
	}
	return inst, nil
}

func (b *VersionBalancer) Name() string {
	return "Version"
}
