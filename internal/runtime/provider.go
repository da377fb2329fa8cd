package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"fleet/internal/config"

	"github.com/docker/docker/client"
)

// Provider 按节点持有 Runtime 客户端，并维护显式的可用性状态。
// 节点是否可用由健康循环通过 MarkDown/MarkUp 驱动（连续 ping 失败才翻转），
// 而不是在每次调用前探测，避免抖动下的不确定行为。
type Provider struct {
	mu       sync.RWMutex
	runtimes map[string]Runtime
	down     map[string]bool
	logger   *slog.Logger
}

func NewProvider(nodes []config.NodeConfig, logger *slog.Logger) (*Provider, error) {
	p := &Provider{
		runtimes: make(map[string]Runtime, len(nodes)),
		down:     make(map[string]bool, len(nodes)),
		logger:   logger.With("component", "runtime-provider"),
	}

	for _, n := range nodes {
		cli, err := client.NewClientWithOpts(
			client.WithHost(n.Address),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			return nil, fmt.Errorf("docker client for node %s (%s): %w", n.ID, n.Address, err)
		}
		p.runtimes[n.ID] = NewDockerRuntime(cli, n.ID, logger)
	}

	return p, nil
}

// NewProviderWith 直接注入 Runtime，测试用
func NewProviderWith(runtimes map[string]Runtime, logger *slog.Logger) *Provider {
	return &Provider{
		runtimes: runtimes,
		down:     make(map[string]bool, len(runtimes)),
		logger:   logger.With("component", "runtime-provider"),
	}
}

// For 返回节点的 Runtime；节点处于 down 状态时拒绝，调用方得到
// "no new creates" 式的降级而不是挂在不可达的 daemon 上。
func (p *Provider) For(nodeID string) (Runtime, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rt, ok := p.runtimes[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	if p.down[nodeID] {
		return nil, fmt.Errorf("%w: %s", ErrNodeUnavailable, nodeID)
	}
	return rt, nil
}

// ForAny 返回节点的 Runtime，无视可用性状态。
// 健康循环用它探测 down 节点是否恢复。
func (p *Provider) ForAny(nodeID string) (Runtime, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rt, ok := p.runtimes[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	return rt, nil
}

func (p *Provider) Available(nodeID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.runtimes[nodeID]
	return ok && !p.down[nodeID]
}

func (p *Provider) MarkDown(nodeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.down[nodeID] {
		p.down[nodeID] = true
		p.logger.Warn("Node marked unavailable", "node_id", nodeID)
	}
}

func (p *Provider) MarkUp(nodeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down[nodeID] {
		delete(p.down, nodeID)
		p.logger.Info("Node recovered", "node_id", nodeID)
	}
}

// PingAll 探测所有节点，返回可达节点数。健康探针用。
func (p *Provider) PingAll(ctx context.Context) (reachable int, total int) {
	p.mu.RLock()
	ids := make([]string, 0, len(p.runtimes))
	for id := range p.runtimes {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	for _, id := range ids {
		rt, err := p.ForAny(id)
		if err != nil {
			continue
		}
		if err := rt.Ping(ctx); err == nil {
			reachable++
		}
	}
	return reachable, len(ids)
}
