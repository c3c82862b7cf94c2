// Package client issues RPC calls against services found in a registry.
//
// Call path: Registry.Discover → Balancer.Pick → transport.Pool.Get →
// ClientTransport.Send (one frame, fresh identifier) → wait for the response
// carrying the same identifier.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"

	"muxrpc/codec"
	"muxrpc/frame"
	"muxrpc/loadbalance"
	"muxrpc/registry"
	"muxrpc/transport"
)

// ServerError is an error the peer reported for this call. Local failures,
// such as a torn-down connection, are returned as they are and wrap
// transport.ErrClosed.
type ServerError string

func (e ServerError) Error() string { return "server error: " + string(e) }

// Config configures a Client.
type Config struct {
	CodecType      codec.CodecType
	MaxPayloadSize uint64 // 0 selects frame.DefaultMaxPayloadSize
	PoolSize       int // connections per server address
	Logger         hclog.Logger
	Dialer         transport.Dialer
}

type Client struct {
	registry registry.Registry
	balancer loadbalance.Balancer
	cfg      Config
	logger   hclog.Logger

	mu     sync.Mutex
	pools  map[string]*transport.Pool
	closed bool
}

func NewClient(reg registry.Registry, bal loadbalance.Balancer, cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.MaxPayloadSize == 0 {
		cfg.MaxPayloadSize = frame.DefaultMaxPayloadSize
	}
	if bal == nil {
		bal = &loadbalance.RoundRobinBalancer{}
	}
	return &Client{
		registry: reg,
		balancer: bal,
		cfg:      cfg,
		logger:   cfg.Logger.Named("client"),
		pools:    make(map[string]*transport.Pool),
	}
}

func (c *Client) pool(addr string) (*transport.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, transport.ErrPoolClosed
	}
	p, ok := c.pools[addr]
	if !ok {
		p = transport.NewPool(addr, c.cfg.PoolSize, transport.Config{
			CodecType:      c.cfg.CodecType,
			MaxPayloadSize: c.cfg.MaxPayloadSize,
			Logger:         c.logger,
		}, c.cfg.Dialer)
		c.pools[addr] = p
	}
	return p, nil
}

// Call invokes serviceMethod ("Service.Method") with args and decodes the
// result into reply. It returns when the response arrives, the transport
// fails, or ctx is done.
func (c *Client) Call(ctx context.Context, serviceMethod string, args any, reply any) error {
	return c.call(ctx, serviceMethod, "", false, args, reply)
}

// CallKey is Call routed by key: with a loadbalance.KeyedBalancer, calls
// sharing a key reach the same instance while it stays registered. Other
// balancers ignore key.
func (c *Client) CallKey(ctx context.Context, key, serviceMethod string, args any, reply any) error {
	return c.call(ctx, serviceMethod, key, true, args, reply)
}

func (c *Client) pick(instances []registry.ServiceInstance, key string, keyed bool) (*registry.ServiceInstance, error) {
	if kb, ok := c.balancer.(loadbalance.KeyedBalancer); ok && keyed {
		return kb.PickKey(instances, key)
	}
	return c.balancer.Pick(instances)
}

func (c *Client) call(ctx context.Context, serviceMethod, key string, keyed bool, args any, reply any) error {
	serviceName, _, ok := strings.Cut(serviceMethod, ".")
	if !ok {
		return fmt.Errorf("invalid serviceMethod format: %v", serviceMethod)
	}

	instances, err := c.registry.Discover(serviceName)
	if err != nil {
		return err
	}
	instance, err := c.pick(instances, key, keyed)
	if err != nil {
		return fmt.Errorf("%s: %w", serviceName, err)
	}

	p, err := c.pool(instance.Addr)
	if err != nil {
		return err
	}
	t, err := p.Get()
	if err != nil {
		return err
	}

	id, ch, err := t.Send(serviceMethod, args)
	if err != nil {
		if errors.Is(err, frame.ErrSizeExceeded) {
			c.logger.Warn("request dropped", "method", serviceMethod, "error", err)
		}
		return err
	}

	select {
	case resp := <-ch:
		if resp.Err != nil {
			return resp.Err
		}
		if resp.Message.Failed() {
			return ServerError(resp.Message.Error)
		}
		if reply == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Message.Payload, reply); err != nil {
			return fmt.Errorf("unmarshal reply: %w", err)
		}
		return nil
	case <-ctx.Done():
		t.Forget(id)
		c.logger.Debug("call abandoned", "method", serviceMethod, "id", id, "error", ctx.Err())
		return ctx.Err()
	}
}

// Close closes every pooled connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for addr, p := range c.pools {
		p.Close()
		delete(c.pools, addr)
	}
	return nil
}
