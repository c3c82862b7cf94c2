package loadbalance

import (
	"sync/atomic"

	"muxrpc/registry"
)

// RoundRobinBalancer cycles through the instances with a lock-free counter.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, registry.ErrNoInstances
	}
	index := (b.counter.Add(1) - 1) % uint64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
