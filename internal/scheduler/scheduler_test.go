package scheduler

import (
	"errors"
	"testing"

	"fleet/internal/instance"
)

func makeNodes(capacities, loads []int) []instance.Node {
	nodes := make([]instance.Node, len(capacities))
	for i := range capacities {
		nodes[i] = instance.Node{
			ID:       string(rune('a' + i)),
			Capacity: capacities[i],
			Load:     loads[i],
		}
	}
	return nodes
}

func TestSelectNode(t *testing.T) {
	t.Run("PicksLeastLoaded", func(t *testing.T) {
		nodes := makeNodes([]int{10, 10, 10}, []int{10, 5, 10})

		got, err := SelectNode(nodes)
		if err != nil {
			t.Fatalf("SelectNode failed: %v", err)
		}
		if got != "b" {
			t.Errorf("expected node b, got %s", got)
		}
	})

	t.Run("AllFull", func(t *testing.T) {
		nodes := makeNodes([]int{10, 10, 10}, []int{10, 10, 10})

		_, err := SelectNode(nodes)
		if !errors.Is(err, ErrCapacityExceeded) {
			t.Fatalf("expected ErrCapacityExceeded, got %v", err)
		}
	})

	t.Run("TieBreaksByLowestID", func(t *testing.T) {
		nodes := []instance.Node{
			{ID: "node-3", Capacity: 10, Load: 2},
			{ID: "node-1", Capacity: 10, Load: 2},
			{ID: "node-2", Capacity: 10, Load: 2},
		}

		got, err := SelectNode(nodes)
		if err != nil {
			t.Fatalf("SelectNode failed: %v", err)
		}
		if got != "node-1" {
			t.Errorf("expected node-1 on tie, got %s", got)
		}
	})

	t.Run("RatioBeatsAbsoluteLoad", func(t *testing.T) {
		// 4/20 比 1/4 负载率低，即使绝对负载更高
		nodes := []instance.Node{
			{ID: "small", Capacity: 4, Load: 1},
			{ID: "big", Capacity: 20, Load: 4},
		}

		got, err := SelectNode(nodes)
		if err != nil {
			t.Fatalf("SelectNode failed: %v", err)
		}
		if got != "big" {
			t.Errorf("expected big, got %s", got)
		}
	})

	t.Run("NeverReturnsFullNode", func(t *testing.T) {
		capacities := []int{1, 2, 3, 4, 5}
		loads := []int{0, 0, 0, 0, 0}
		nodes := makeNodes(capacities, loads)

		// 填满整个集群，每一次分配都不能落在已满节点上
		total := 0
		for _, c := range capacities {
			total += c
		}

		for i := 0; i < total; i++ {
			id, err := SelectNode(nodes)
			if err != nil {
				t.Fatalf("placement %d failed: %v", i, err)
			}
			for j := range nodes {
				if nodes[j].ID == id {
					if nodes[j].Load >= nodes[j].Capacity {
						t.Fatalf("placement %d landed on full node %s", i, id)
					}
					nodes[j].Load++
				}
			}
		}

		if _, err := SelectNode(nodes); !errors.Is(err, ErrCapacityExceeded) {
			t.Fatalf("expected ErrCapacityExceeded once cluster is full, got %v", err)
		}
	})

	t.Run("EmptyNodeSet", func(t *testing.T) {
		if _, err := SelectNode(nil); !errors.Is(err, ErrCapacityExceeded) {
			t.Fatalf("expected ErrCapacityExceeded for empty node set, got %v", err)
		}
	})
}
