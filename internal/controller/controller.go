package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fleet/internal/config"
	"fleet/internal/eventbus"
	"fleet/internal/instance"
	"fleet/internal/monitor"
	"fleet/internal/runtime"
	"fleet/internal/scheduler"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Enqueuer 后台任务入队，*asynq.Client 满足；测试注入 fake
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Controller 驱动实例生命周期：放置、Runtime 调用、状态持久化。
// 实例记录只由 Controller 和健康循环写入。
type Controller struct {
	repo     instance.Repository
	provider *runtime.Provider
	bus      eventbus.EventBus
	queue    Enqueuer
	quota    QuotaChecker
	locks    *InstanceLocks
	nodes    []config.NodeConfig

	// 放置预留：SelectNode 与槽位占用在同一把锁内完成，
	// 两个并发 Create 不可能同时挤过最后一个空位
	resMu    sync.Mutex
	reserved map[string]int

	runtimeTimeout time.Duration
	logger         *slog.Logger
}

func NewController(
	repo instance.Repository,
	provider *runtime.Provider,
	bus eventbus.EventBus,
	queue Enqueuer,
	quota QuotaChecker,
	locks *InstanceLocks,
	nodes []config.NodeConfig,
	runtimeTimeout time.Duration,
	logger *slog.Logger,
) *Controller {
	if runtimeTimeout == 0 {
		runtimeTimeout = 15 * time.Second
	}

	return &Controller{
		repo:           repo,
		provider:       provider,
		bus:            bus,
		queue:          queue,
		quota:          quota,
		locks:          locks,
		nodes:          nodes,
		reserved:       make(map[string]int),
		runtimeTimeout: runtimeTimeout,
		logger:         logger.With("component", "controller"),
	}
}

func (c *Controller) Create(ctx context.Context, spec instance.Spec) (*instance.Instance, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("%w: image is required", instance.ErrInvalidSpec)
	}
	if spec.CPULimit <= 0 || spec.MemoryLimitMB <= 0 {
		return nil, fmt.Errorf("%w: cpu and memory limits must be positive", instance.ErrInvalidSpec)
	}

	if err := c.quota.Check(ctx, spec.TenantID, spec.CPULimit, spec.MemoryLimitMB); err != nil {
		return nil, fmt.Errorf("%w: %v", instance.ErrQuotaExceeded, err)
	}

	nodeID, release, err := c.reserveSlot(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rt, err := c.provider.For(nodeID)
	if err != nil {
		return nil, err
	}

	inst := &instance.Instance{
		ID:            uuid.New().String(),
		TenantID:      spec.TenantID,
		NodeID:        nodeID,
		Image:         spec.Image,
		EnvVars:       spec.EnvVars,
		DesiredState:  instance.DesiredRunning,
		ObservedState: instance.StatePending,
		CPULimit:      spec.CPULimit,
		MemoryLimitMB: spec.MemoryLimitMB,
		CreatedAt:     time.Now(),
	}

	callCtx, cancel := context.WithTimeout(ctx, c.runtimeTimeout)
	defer cancel()

	containerID, err := rt.Create(callCtx, runtime.ContainerSpec{
		InstanceID:    inst.ID,
		TenantID:      inst.TenantID,
		Image:         spec.Image,
		EnvVars:       spec.EnvVars,
		MemoryLimitMB: spec.MemoryLimitMB,
		CPULimit:      spec.CPULimit,
	})
	if err != nil {
		monitor.PlacementFailures.Inc()
		return nil, fmt.Errorf("%w: %v", ErrRuntime, err)
	}
	inst.ContainerID = containerID

	if err := rt.Start(callCtx, containerID); err != nil {
		// create 成功但 start 失败：持久化为 failed 而不是悄悄丢弃，
		// 避免产生没有记录的孤儿容器
		inst.ObservedState = instance.StateFailed
		if perr := c.repo.Create(ctx, inst); perr != nil {
			c.logger.Error("Failed to persist failed instance", "instance_id", inst.ID, "error", perr)
		}
		c.publish(inst.ID, eventbus.EventInstanceFailed, map[string]string{"reason": err.Error()})
		return nil, fmt.Errorf("%w: start: %v", ErrRuntime, err)
	}

	inst.ObservedState = instance.StateStarting
	if err := c.repo.Create(ctx, inst); err != nil {
		// 容器起来了但记录写失败：就地回收，不留没有记录的孤儿
		c.reapOrphan(rt, inst.ID, containerID)
		monitor.PlacementFailures.Inc()
		return nil, fmt.Errorf("failed to persist instance record: %w", err)
	}

	monitor.PlacementsTotal.Inc()
	c.publish(inst.ID, eventbus.EventInstanceCreated, map[string]string{"node_id": nodeID})
	c.logger.Info("Instance created",
		"instance_id", inst.ID,
		"tenant_id", inst.TenantID,
		"node_id", nodeID,
		"container_id", containerID,
	)
	return inst, nil
}

// reapOrphan 回收已启动但没能落库的容器。尽力而为：失败只记日志，
// 容器带 managed_by 标签，巡检可以兜底。
func (c *Controller) reapOrphan(rt runtime.Runtime, instanceID, containerID string) {
	callCtx, cancel := context.WithTimeout(context.Background(), c.runtimeTimeout)
	defer cancel()

	if err := rt.Stop(callCtx, containerID, stopTimeoutSeconds); err != nil && !errors.Is(err, runtime.ErrContainerNotFound) {
		c.logger.Error("Failed to stop orphaned container",
			"instance_id", instanceID, "container_id", containerID, "error", err)
	}
	if err := rt.Remove(callCtx, containerID); err != nil && !errors.Is(err, runtime.ErrContainerNotFound) {
		c.logger.Error("Failed to remove orphaned container",
			"instance_id", instanceID, "container_id", containerID, "error", err)
		return
	}
	c.logger.Warn("Reclaimed container after record write failure",
		"instance_id", instanceID, "container_id", containerID)
}

// reserveSlot 在预留锁内完成节点视图构建和放置决策
func (c *Controller) reserveSlot(ctx context.Context) (string, func(), error) {
	c.resMu.Lock()
	defer c.resMu.Unlock()

	view := make([]instance.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		if !c.provider.Available(n.ID) {
			continue
		}

		load, err := c.nodeLoad(ctx, n.ID)
		if err != nil {
			return "", nil, err
		}

		view = append(view, instance.Node{
			ID:       n.ID,
			Address:  n.Address,
			Capacity: n.Capacity,
			Load:     load + c.reserved[n.ID],
		})
	}

	if len(view) == 0 {
		// 所有节点不可达：降级为 "no new creates"
		return "", nil, runtime.ErrNodeUnavailable
	}

	nodeID, err := scheduler.SelectNode(view)
	if err != nil {
		monitor.PlacementFailures.Inc()
		return "", nil, err
	}

	c.reserved[nodeID]++
	release := func() {
		c.resMu.Lock()
		c.reserved[nodeID]--
		if c.reserved[nodeID] <= 0 {
			delete(c.reserved, nodeID)
		}
		c.resMu.Unlock()
	}
	return nodeID, release, nil
}

// nodeLoad 负载永远从实例记录重新推导，不维护独立计数器
func (c *Controller) nodeLoad(ctx context.Context, nodeID string) (int, error) {
	instances, err := c.repo.ListByNode(ctx, nodeID)
	if err != nil {
		return 0, err
	}

	load := 0
	for _, inst := range instances {
		if inst.ObservedState.CountsAsLoad() {
			load++
		}
	}
	return load, nil
}

func (c *Controller) Start(ctx context.Context, id string) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	inst, err := c.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	rt, err := c.provider.For(inst.NodeID)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.runtimeTimeout)
	defer cancel()

	// 乐观更新是被禁止的：本地记录只在 Runtime 确认之后改动
	if err := rt.Start(callCtx, inst.ContainerID); err != nil {
		return fmt.Errorf("%w: %v", ErrRuntime, err)
	}

	if err := c.repo.UpdateStates(ctx, id, instance.DesiredRunning, instance.StateStarting); err != nil {
		return err
	}

	c.publish(id, eventbus.EventInstanceStarted, nil)
	return nil
}

func (c *Controller) Stop(ctx context.Context, id string) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	inst, err := c.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	rt, err := c.provider.For(inst.NodeID)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.runtimeTimeout)
	defer cancel()

	if err := rt.Stop(callCtx, inst.ContainerID, stopTimeoutSeconds); err != nil {
		return fmt.Errorf("%w: %v", ErrRuntime, err)
	}

	if err := c.repo.UpdateStates(ctx, id, instance.DesiredStopped, instance.StateStopped); err != nil {
		return err
	}

	c.publish(id, eventbus.EventInstanceStopped, nil)
	return nil
}

func (c *Controller) Restart(ctx context.Context, id string) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	inst, err := c.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	rt, err := c.provider.For(inst.NodeID)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.runtimeTimeout)
	defer cancel()

	if err := rt.Restart(callCtx, inst.ContainerID, stopTimeoutSeconds); err != nil {
		return fmt.Errorf("%w: %v", ErrRuntime, err)
	}

	if err := c.repo.UpdateStates(ctx, id, instance.DesiredRunning, instance.StateStarting); err != nil {
		return err
	}

	c.publish(id, eventbus.EventInstanceRestarted, nil)
	return nil
}

func (c *Controller) Kill(ctx context.Context, id string) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	inst, err := c.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	rt, err := c.provider.For(inst.NodeID)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.runtimeTimeout)
	defer cancel()

	if err := rt.Kill(callCtx, inst.ContainerID); err != nil {
		return fmt.Errorf("%w: %v", ErrRuntime, err)
	}

	if err := c.repo.UpdateStates(ctx, id, instance.DesiredStopped, instance.StateStopped); err != nil {
		return err
	}

	c.publish(id, eventbus.EventInstanceKilled, nil)
	return nil
}

func (c *Controller) Get(ctx context.Context, id string) (*instance.Instance, error) {
	return c.repo.GetByID(ctx, id)
}

func (c *Controller) List(ctx context.Context) ([]*instance.Instance, error) {
	return c.repo.ListAll(ctx)
}

// Delete 要求实例处于终态（stopped/failed），或 force 先行停止。
// 容器的实际拆除在后台任务中完成，避免请求线程挂在慢速 Runtime 调用上。
func (c *Controller) Delete(ctx context.Context, id string, force bool) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	inst, err := c.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if !inst.ObservedState.IsTerminal() {
		if !force {
			return fmt.Errorf("%w: observed state is %s", instance.ErrNotTerminal, inst.ObservedState)
		}

		if rt, rerr := c.provider.For(inst.NodeID); rerr == nil {
			callCtx, cancel := context.WithTimeout(ctx, c.runtimeTimeout)
			if serr := rt.Stop(callCtx, inst.ContainerID, stopTimeoutSeconds); serr != nil {
				c.logger.Warn("Force delete: stop failed, teardown task will retry",
					"instance_id", id, "error", serr)
			}
			cancel()
		}

		if err := c.repo.UpdateStates(ctx, id, instance.DesiredStopped, instance.StateStopping); err != nil {
			return err
		}
	}

	payload, _ := json.Marshal(TeardownPayload{
		InstanceID:  inst.ID,
		NodeID:      inst.NodeID,
		ContainerID: inst.ContainerID,
	})

	if _, err := c.queue.Enqueue(asynq.NewTask(TaskInstanceTeardown, payload)); err != nil {
		return fmt.Errorf("failed to enqueue teardown: %w", err)
	}

	c.logger.Info("Instance teardown enqueued", "instance_id", id)
	return nil
}

// Logs 一次性读取历史日志，流式订阅走 stream hub
func (c *Controller) Logs(ctx context.Context, id string, tail int) (*runtime.LogResult, error) {
	inst, err := c.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	rt, err := c.provider.For(inst.NodeID)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.runtimeTimeout)
	defer cancel()

	result, err := rt.Logs(callCtx, inst.ContainerID, tail)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuntime, err)
	}
	return result, nil
}

// PushFile 将装配好的上传文件写入实例容器
func (c *Controller) PushFile(ctx context.Context, id, destPath string, content []byte) error {
	inst, err := c.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	rt, err := c.provider.For(inst.NodeID)
	if err != nil {
		return err
	}

	if err := rt.CopyTo(ctx, inst.ContainerID, destPath, bytes.NewReader(content), int64(len(content))); err != nil {
		return fmt.Errorf("%w: copy to container: %v", ErrRuntime, err)
	}
	return nil
}

func (c *Controller) publish(instanceID string, t eventbus.EventType, payload any) {
	err := c.bus.Publish(context.Background(), instanceID, eventbus.Event{
		Type:       t,
		InstanceID: instanceID,
		Payload:    payload,
		Timestamp:  time.Now(),
	})
	if err != nil {
		c.logger.Warn("Failed to publish lifecycle event", "instance_id", instanceID, "type", t, "error", err)
	}
}
