package loadbalance

import (
	"errors"
	"fmt"
	"testing"

	"muxrpc/registry"
)

var testInstances = []registry.ServiceInstance{
	{Addr: ":8001", Weight: 10, Version: "1.0"},
	{Addr: ":8002", Weight: 5, Version: "1.0"},
	{Addr: ":8003", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	for i := 0; i < 2*len(testInstances); i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		if want := testInstances[i%len(testInstances)].Addr; inst.Addr != want {
			t.Fatalf("pick %d: expect %s, got %s", i, want, inst.Addr)
		}
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	b := &RoundRobinBalancer{}
	if _, err := b.Pick(nil); !errors.Is(err, registry.ErrNoInstances) {
		t.Fatalf("expect ErrNoInstances, got %v", err)
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		counts[inst.Addr]++
	}

	// Weights are 10:5:10, so :8001 should be picked about twice as often as :8002.
	ratio := float64(counts[":8001"]) / float64(counts[":8002"])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio :8001/:8002 = %.2f, expect ~2.0", ratio)
	}
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	inst, err := b.Pick([]registry.ServiceInstance{{Addr: ":9001"}, {Addr: ":9002"}})
	if err != nil {
		t.Fatal(err)
	}
	if inst.Addr != ":9001" && inst.Addr != ":9002" {
		t.Fatalf("unexpected pick %s", inst.Addr)
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()
	if _, err := b.Get("user-123"); !errors.Is(err, registry.ErrNoInstances) {
		t.Fatalf("expect ErrNoInstances on empty ring, got %v", err)
	}
	for _, inst := range testInstances {
		b.Add(inst)
	}

	inst1, _ := b.Get("user-123")
	inst2, _ := b.Get("user-123")
	if inst1.Addr != inst2.Addr {
		t.Fatalf("same key mapped to different instances: %s vs %s", inst1.Addr, inst2.Addr)
	}

	before := map[string]string{}
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%d", i)
		inst, _ := b.Get(key)
		before[key] = inst.Addr
		seen[inst.Addr] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expect at least 2 different instances, got %d", len(seen))
	}

	// Removing an instance only moves the keys it owned.
	b.Remove(":8002")
	for key, addr := range before {
		inst, err := b.Get(key)
		if err != nil {
			t.Fatal(err)
		}
		if inst.Addr == ":8002" {
			t.Fatalf("key %s still maps to removed instance", key)
		}
		if addr != ":8002" && inst.Addr != addr {
			t.Fatalf("key %s moved from %s to %s", key, addr, inst.Addr)
		}
	}
}

func TestConsistentHashFollowsInstances(t *testing.T) {
	b := NewConsistentHashBalancer()
	var _ KeyedBalancer = b

	first, err := b.PickKey(testInstances, "order-42")
	if err != nil {
		t.Fatal(err)
	}
	again, _ := b.PickKey(testInstances, "order-42")
	if first.Addr != again.Addr {
		t.Fatalf("same key mapped to %s then %s", first.Addr, again.Addr)
	}

	var remaining []registry.ServiceInstance
	for _, inst := range testInstances {
		if inst.Addr != first.Addr {
			remaining = append(remaining, inst)
		}
	}
	moved, err := b.PickKey(remaining, "order-42")
	if err != nil {
		t.Fatal(err)
	}
	if moved.Addr == first.Addr {
		t.Fatalf("key still maps to departed instance %s", first.Addr)
	}
	if _, err := b.PickKey(nil, "order-42"); !errors.Is(err, registry.ErrNoInstances) {
		t.Fatalf("expect ErrNoInstances, got %v", err)
	}
}

func TestNew(t *testing.T) {
	if New("consistent_hash").Name() != "ConsistentHash" {
		t.Fatal("expect consistent hash balancer")
	}
	if New("weighted").Name() != "WeightedRandom" {
		t.Fatal("expect weighted random balancer")
	}
	if New("").Name() != "RoundRobin" {
		t.Fatal("expect round robin by default")
	}
}
