// Package registry tells clients which addresses serve a given service.
package registry

import (
	"errors"
	"sort"
	"sync"
)

// ErrNoInstances is returned when a service has no registered instance.
var ErrNoInstances = errors.New("registry: no instances available")

type ServiceInstance struct {
	Addr    string
	Weight  int // Weight for load balancing
	Version string
}

type Registry interface {
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, addr string) error
	Discover(serviceName string) ([]ServiceInstance, error)
	Watch(serviceName string) <-chan []ServiceInstance
}

// StaticRegistry is an in-memory Registry for fixed deployments and tests.
// The ttl argument is ignored: entries live until deregistered.
type StaticRegistry struct {
	mu        sync.RWMutex
	instances map[string]map[string]ServiceInstance
	watchers  map[string][]chan []ServiceInstance
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		instances: make(map[string]map[string]ServiceInstance),
		watchers:  make(map[string][]chan []ServiceInstance),
	}
}

func (r *StaticRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.instances[serviceName] == nil {
		r.instances[serviceName] = make(map[string]ServiceInstance)
	}
	r.instances[serviceName][instance.Addr] = instance
	r.notifyLocked(serviceName)
	return nil
}

func (r *StaticRegistry) Deregister(serviceName string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances[serviceName], addr)
	r.notifyLocked(serviceName)
	return nil
}

// Discover returns the instances sorted by address.
func (r *StaticRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(serviceName), nil
}

// Watch returns a channel that receives the instance list after every change.
// Slow readers only see the latest list.
func (r *StaticRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan []ServiceInstance, 1)
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)
	return ch
}

func (r *StaticRegistry) listLocked(serviceName string) []ServiceInstance {
	instances := make([]ServiceInstance, 0, len(r.instances[serviceName]))
	for _, inst := range r.instances[serviceName] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Addr < instances[j].Addr })
	return instances
}

func (r *StaticRegistry) notifyLocked(serviceName string) {
	list := r.listLocked(serviceName)
	for _, ch := range r.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
