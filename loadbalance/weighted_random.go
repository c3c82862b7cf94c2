package loadbalance

import (
	"math/rand"

	"muxrpc/registry"
)

// WeightedRandomBalancer picks an instance with probability proportional to
// its Weight. Instances with a non-positive weight count as weight 1.
type WeightedRandomBalancer struct{}

func weightOf(inst registry.ServiceInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}

func (b *WeightedRandomBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, registry.ErrNoInstances
	}

	total := 0
	for _, inst := range instances {
		total += weightOf(inst)
	}

	r := rand.Intn(total)
	for i := range instances {
		r -= weightOf(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
