package scheduler

import (
	"errors"

	"fleet/internal/instance"
)

var ErrCapacityExceeded = errors.New("no node with spare capacity")

// SelectNode 最小负载率调度：load/capacity 最小者胜出，并列时取 ID 最小的节点。
// 纯函数，不产生副作用；槽位预留由调用方在调用前后加锁保证。
func SelectNode(nodes []instance.Node) (string, error) {
	bestID := ""
	bestRatio := 0.0

	for _, n := range nodes {
		if n.Capacity <= 0 || n.Load >= n.Capacity {
			continue
		}

		ratio := float64(n.Load) / float64(n.Capacity)
		if bestID == "" || ratio < bestRatio || (ratio == bestRatio && n.ID < bestID) {
			bestID = n.ID
			bestRatio = ratio
		}
	}

	if bestID == "" {
		return "", ErrCapacityExceeded
	}

	return bestID, nil
}
