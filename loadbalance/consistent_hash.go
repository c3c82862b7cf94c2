package loadbalance

import (
	"hash/crc32"
	"slices"
	"sort"
	"strconv"
	"sync"

	"muxrpc/registry"
)

const defaultReplicas = 100

// ConsistentHashBalancer maps keys onto a crc32 hash ring. Each instance
// owns `replicas` virtual nodes so load spreads evenly, and removing an
// instance only moves the keys that it owned.
//
// As a plain Balancer every call uses the empty key, so all unkeyed calls
// stick to one instance.
type ConsistentHashBalancer struct {
	replicas int

	mu      sync.RWMutex
	ring    []uint32 // sorted
	nodes   map[uint32]registry.ServiceInstance
	members map[string]struct{}
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: defaultReplicas,
		nodes:    make(map[uint32]registry.ServiceInstance),
		members:  make(map[string]struct{}),
	}
}

func (b *ConsistentHashBalancer) virtualHash(addr string, i int) uint32 {
	return crc32.ChecksumIEEE([]byte(addr + "#" + strconv.Itoa(i)))
}

// Add places an instance on the ring.
func (b *ConsistentHashBalancer) Add(instance registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(instance)
}

func (b *ConsistentHashBalancer) addLocked(instance registry.ServiceInstance) {
	b.members[instance.Addr] = struct{}{}
	for i := 0; i < b.replicas; i++ {
		hash := b.virtualHash(instance.Addr, i)
		if _, ok := b.nodes[hash]; !ok {
			b.ring = append(b.ring, hash)
		}
		b.nodes[hash] = instance
	}
	slices.Sort(b.ring)
}

// Remove takes an instance off the ring.
func (b *ConsistentHashBalancer) Remove(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(addr)
}

func (b *ConsistentHashBalancer) removeLocked(addr string) {
	delete(b.members, addr)
	for i := 0; i < b.replicas; i++ {
		hash := b.virtualHash(addr, i)
		if inst, ok := b.nodes[hash]; ok && inst.Addr == addr {
			delete(b.nodes, hash)
		}
	}
	b.ring = slices.DeleteFunc(b.ring, func(h uint32) bool {
		_, ok := b.nodes[h]
		return !ok
	})
}

// Get returns the instance owning key: the first virtual node clockwise
// from the key's hash.
func (b *ConsistentHashBalancer) Get(key string) (*registry.ServiceInstance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.getLocked(key)
}

// PickKey brings the ring in line with instances, then returns the owner of key.
func (b *ConsistentHashBalancer) PickKey(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncLocked(instances)
	return b.getLocked(key)
}

func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	return b.PickKey(instances, "")
}

func (b *ConsistentHashBalancer) syncLocked(instances []registry.ServiceInstance) {
	want := make(map[string]struct{}, len(instances))
	for _, inst := range instances {
		want[inst.Addr] = struct{}{}
		if _, ok := b.members[inst.Addr]; !ok {
			b.addLocked(inst)
		}
	}
	for addr := range b.members {
		if _, ok := want[addr]; !ok {
			b.removeLocked(addr)
		}
	}
}

func (b *ConsistentHashBalancer) getLocked(key string) (*registry.ServiceInstance, error) {
	if len(b.ring) == 0 {
		return nil, registry.ErrNoInstances
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
