package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	DefaultKeyPrefix = "/muxrpc"
	defaultTimeout   = 5 * time.Second
)

// EtcdConfig configures NewEtcdRegistry.
type EtcdConfig struct {
	Endpoints   []string
	KeyPrefix   string
	DialTimeout time.Duration
	Logger      hclog.Logger
}

// EtcdRegistry implements Registry on etcd v3. Instances are stored as
//
//	Key:   {prefix}/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if the server crashes, the lease expires
// and the entry is removed without a Deregister call.
type EtcdRegistry struct {
	client *clientv3.Client // safe for concurrent use
	prefix string
	logger hclog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease, so Deregister can revoke it
}

// NewEtcdRegistry connects to etcd. It does not block until the cluster is reachable.
func NewEtcdRegistry(cfg EtcdConfig) (*EtcdRegistry, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{
		client: c,
		prefix: cfg.KeyPrefix,
		logger: cfg.Logger.Named("registry"),
		ctx:    ctx,
		cancel: cancel,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func (r *EtcdRegistry) servicePrefix(serviceName string) string {
	return r.prefix + "/" + serviceName + "/"
}

// Register puts the instance under a lease of ttl seconds and keeps the lease
// alive until Deregister or Close.
func (r *EtcdRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	ctx, cancel := context.WithTimeout(r.ctx, defaultTimeout)
	defer cancel()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := r.servicePrefix(serviceName) + instance.Addr
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	// The keepalive stream must outlive this call, so it uses the registry context.
	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", "key", key)
	}()

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()
	r.logger.Info("registered instance", "service", serviceName, "addr", instance.Addr, "ttl", ttl)
	return nil
}

// Deregister removes the instance and revokes its lease.
func (r *EtcdRegistry) Deregister(serviceName string, addr string) error {
	ctx, cancel := context.WithTimeout(r.ctx, defaultTimeout)
	defer cancel()

	key := r.servicePrefix(serviceName) + addr
	r.mu.Lock()
	leaseID, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if ok {
		if _, err := r.client.Revoke(ctx, leaseID); err != nil {
			r.logger.Warn("failed to revoke lease", "key", key, "error", err)
		}
	}
	return nil
}

// Watch emits the full instance list whenever the service's keys change.
// The channel is closed when the registry is closed.
func (r *EtcdRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	prefix := r.servicePrefix(serviceName)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(r.ctx, prefix, clientv3.WithPrefix())
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				r.logger.Warn("watch error", "service", serviceName, "error", err)
				continue
			}
			instances, err := r.Discover(serviceName)
			if err != nil {
				r.logger.Warn("refresh after watch event failed", "service", serviceName, "error", err)
				continue
			}
			select {
			case ch <- instances:
			case <-r.ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns every instance currently registered for serviceName.
func (r *EtcdRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	ctx, cancel := context.WithTimeout(r.ctx, defaultTimeout)
	defer cancel()

	resp, err := r.client.Get(ctx, r.servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", serviceName, err)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed instance", "key", string(kv.Key), "error", err)
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops keepalives and watches and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	return r.client.Close()
}
