package client

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"muxrpc/loadbalance"
	"muxrpc/middleware"
	"muxrpc/registry"
	"muxrpc/server"
)

func etcdRegistry(t *testing.T) *registry.EtcdRegistry {
	t.Helper()
	endpoints := os.Getenv("MUXRPC_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("MUXRPC_ETCD_ENDPOINTS not set")
	}
	reg, err := registry.NewEtcdRegistry(registry.EtcdConfig{
		Endpoints: strings.Split(endpoints, ","),
		KeyPrefix: "/muxrpc-test-" + t.Name(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

// Client → etcd → balancer → pool → framing → middleware → server.
func TestEtcdEndToEnd(t *testing.T) {
	reg := etcdRegistry(t)
	startServer(t, reg, []server.Option{
		server.WithMiddleware(middleware.TimeoutMiddleware(time.Second)),
	}, &Arith{})

	cli := NewClient(reg, nil, Config{})
	defer cli.Close()

	reply := &Reply{}
	require.NoError(t, cli.Call(context.Background(), "Arith.Add", &Args{A: 3, B: 5}, reply))
	require.Equal(t, 8, reply.Result)

	reply = &Reply{}
	require.NoError(t, cli.Call(context.Background(), "Arith.Multiply", &Args{A: 4, B: 6}, reply))
	require.Equal(t, 24, reply.Result)
}

func TestEtcdMultiServer(t *testing.T) {
	reg := etcdRegistry(t)
	startServer(t, reg, nil, &Arith{})
	startServer(t, reg, nil, &Arith{})

	cli := NewClient(reg, &loadbalance.WeightedRandomBalancer{}, Config{PoolSize: 2})
	defer cli.Close()

	for i := 1; i <= 10; i++ {
		reply := &Reply{}
		require.NoError(t, cli.Call(context.Background(), "Arith.Add", &Args{A: i, B: i * 10}, reply))
		require.Equal(t, i+i*10, reply.Result)
	}
}
