// Package loadbalance picks the instance that receives the next call.
//
//   - RoundRobin:      stateless services, equal-capacity instances
//   - WeightedRandom:  heterogeneous instances
//   - ConsistentHash:  keyed calls that should land on the same instance
package loadbalance

import (
	"muxrpc/registry"
)

// Balancer is the interface for load balancing strategies.
// Pick is called on every call and must be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

// KeyedBalancer routes calls that share a key to the same instance.
type KeyedBalancer interface {
	Balancer
	PickKey(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error)
}

// New returns the balancer registered under name, defaulting to round robin.
func New(name string) Balancer {
	switch name {
	case "weighted", "weighted_random", "WeightedRandom":
		return &WeightedRandomBalancer{}
	case "consistent_hash", "ConsistentHash":
		return NewConsistentHashBalancer()
	default:
		return &RoundRobinBalancer{}
	}
}
