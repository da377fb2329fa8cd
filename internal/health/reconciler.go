package health

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"fleet/internal/config"
	"fleet/internal/controller"
	"fleet/internal/eventbus"
	"fleet/internal/instance"
	"fleet/internal/monitor"
	"fleet/internal/runtime"
)

// Reconciler 周期性对账：拉取全部实例记录，逐个比较 desired/observed 与
// Runtime 的真实状态。记录写入与 Controller 共用同一把实例锁，
// 二者不会在同一实例上交叉写。
type Reconciler struct {
	repo     instance.Repository
	provider *runtime.Provider
	bus      eventbus.EventBus
	locks    *controller.InstanceLocks
	nodes    []config.NodeConfig
	cfg      config.HealthConfig
	logger   *slog.Logger

	// 仅协调 goroutine 访问，无需加锁
	pingFailures map[string]int       // 节点连续 ping 失败次数
	nextRestart  map[string]time.Time // 实例退避窗口：早于该时刻不重启

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewReconciler(
	repo instance.Repository,
	provider *runtime.Provider,
	bus eventbus.EventBus,
	locks *controller.InstanceLocks,
	nodes []config.NodeConfig,
	cfg config.HealthConfig,
	logger *slog.Logger,
) *Reconciler {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.RuntimeTimeout == 0 {
		cfg.RuntimeTimeout = 15 * time.Second
	}
	if cfg.RetryThreshold == 0 {
		cfg.RetryThreshold = 3
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 10 * time.Second
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = 4 * time.Minute
	}
	if cfg.NodeDownAfter == 0 {
		cfg.NodeDownAfter = 3
	}

	return &Reconciler{
		repo:         repo,
		provider:     provider,
		bus:          bus,
		locks:        locks,
		nodes:        nodes,
		cfg:          cfg,
		logger:       logger.With("component", "health-reconciler"),
		pingFailures: make(map[string]int),
		nextRestart:  make(map[string]time.Time),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start 启动协调循环，直到 Stop 被调用
func (r *Reconciler) Start() {
	r.logger.Info("Health reconciler started", "interval", r.cfg.Interval)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	defer close(r.doneCh)

	for {
		select {
		case <-ticker.C:
			r.RunOnce(context.Background())
		case <-r.stopCh:
			r.logger.Info("Health reconciler stopped")
			return
		}
	}
}

func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// RunOnce 执行一轮完整协调。导出供测试单步驱动。
func (r *Reconciler) RunOnce(ctx context.Context) {
	start := time.Now()
	monitor.ReconcileRuns.Inc()

	r.probeNodes(ctx)

	instances, err := r.repo.ListAll(ctx)
	if err != nil {
		r.logger.Error("Failed to list instances, skipping tick", "error", err)
		return
	}

	running := 0
	for _, inst := range instances {
		if inst.ObservedState.CountsAsLoad() {
			running++
		}
		r.reconcileInstance(ctx, inst.ID)
	}

	monitor.InstancesRunning.Set(float64(running))
	monitor.ReconcileLatency.Observe(time.Since(start).Seconds())
}

// probeNodes ping 所有节点，连续失败达到阈值才翻转为 down，
// 单次成功立即恢复。抖动不应引起节点状态振荡。
func (r *Reconciler) probeNodes(ctx context.Context) {
	for _, n := range r.nodes {
		rt, err := r.provider.ForAny(n.ID)
		if err != nil {
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, r.cfg.RuntimeTimeout)
		err = rt.Ping(callCtx)
		cancel()

		if err != nil {
			r.pingFailures[n.ID]++
			if r.pingFailures[n.ID] >= r.cfg.NodeDownAfter {
				r.provider.MarkDown(n.ID)
			}
			r.logger.Warn("Node ping failed",
				"node_id", n.ID,
				"consecutive", r.pingFailures[n.ID],
				"error", err,
			)
			continue
		}

		r.pingFailures[n.ID] = 0
		r.provider.MarkUp(n.ID)
	}
}

func (r *Reconciler) reconcileInstance(ctx context.Context, id string) {
	unlock := r.locks.Lock(id)
	defer unlock()

	// 加锁后重读：Controller 可能刚改过状态
	inst, err := r.repo.GetByID(ctx, id)
	if err != nil {
		if !errors.Is(err, instance.ErrNotFound) {
			r.logger.Error("Failed to load instance", "instance_id", id, "error", err)
		}
		return
	}

	// 节点不可达期间保持最后已知状态，恢复后再对账
	if !r.provider.Available(inst.NodeID) {
		return
	}

	rt, err := r.provider.For(inst.NodeID)
	if err != nil {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.RuntimeTimeout)
	defer cancel()

	status, err := rt.Inspect(callCtx, inst.ContainerID)
	missing := errors.Is(err, runtime.ErrContainerNotFound)
	if err != nil && !missing {
		// inspect 出错不等于容器消失：记录后下个 tick 重试
		r.logger.Warn("Inspect failed, will retry next tick",
			"instance_id", inst.ID, "error", err)
		return
	}

	switch inst.DesiredState {
	case instance.DesiredRunning:
		if !missing && status.Running {
			r.markHealthy(ctx, inst)
			return
		}
		r.handleDown(ctx, rt, inst, missing, status)

	case instance.DesiredStopped:
		if !missing && status.Running {
			// 停止请求落空过的容器，这里补一刀
			if err := rt.Stop(callCtx, inst.ContainerID, 10); err != nil {
				r.logger.Warn("Drift stop failed", "instance_id", inst.ID, "error", err)
				return
			}
		}
		if inst.ObservedState != instance.StateStopped && inst.ObservedState != instance.StateFailed {
			if err := r.repo.UpdateStates(ctx, inst.ID, instance.DesiredStopped, instance.StateStopped); err != nil {
				r.logger.Error("Failed to record stopped state", "instance_id", inst.ID, "error", err)
			}
		}
	}
}

func (r *Reconciler) markHealthy(ctx context.Context, inst *instance.Instance) {
	delete(r.nextRestart, inst.ID)

	if inst.ObservedState != instance.StateRunning {
		if err := r.repo.UpdateStates(ctx, inst.ID, inst.DesiredState, instance.StateRunning); err != nil {
			r.logger.Error("Failed to record running state", "instance_id", inst.ID, "error", err)
			return
		}
	}
	if err := r.repo.UpdateHealth(ctx, inst.ID, 0); err != nil {
		r.logger.Error("Failed to reset failure count", "instance_id", inst.ID, "error", err)
	}
}

// handleDown 处理 desired=running 但容器缺失/退出的实例：
// 累计失败次数，在退避窗口内按指数间隔重启，超过阈值升级为 failed。
func (r *Reconciler) handleDown(ctx context.Context, rt runtime.Runtime, inst *instance.Instance, missing bool, status runtime.Status) {
	// failed 是吸收态：不再自动重启，等待显式操作
	if inst.ObservedState == instance.StateFailed {
		return
	}

	failures := inst.FailureCount + 1
	if err := r.repo.UpdateHealth(ctx, inst.ID, failures); err != nil {
		r.logger.Error("Failed to record failure", "instance_id", inst.ID, "error", err)
		return
	}

	if failures > r.cfg.RetryThreshold {
		delete(r.nextRestart, inst.ID)
		if err := r.repo.UpdateStates(ctx, inst.ID, inst.DesiredState, instance.StateFailed); err != nil {
			r.logger.Error("Failed to record failed state", "instance_id", inst.ID, "error", err)
			return
		}
		monitor.ReconcileEscalations.Inc()
		r.publish(inst.ID, eventbus.EventInstanceFailed, map[string]any{
			"failure_count": failures,
			"exit_code":     status.ExitCode,
		})
		r.logger.Error("Instance escalated to failed",
			"instance_id", inst.ID,
			"failure_count", failures,
			"missing", missing,
		)
		return
	}

	now := time.Now()
	if next, ok := r.nextRestart[inst.ID]; ok && now.Before(next) {
		return
	}
	r.nextRestart[inst.ID] = now.Add(r.backoff(failures))

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.RuntimeTimeout)
	defer cancel()

	var err error
	if missing {
		// 容器整个没了（daemon 重启、被外部删除），按记录里的镜像与限额重建
		err = r.recreate(callCtx, rt, inst)
	} else {
		err = rt.Restart(callCtx, inst.ContainerID, 10)
	}
	if err != nil {
		r.logger.Warn("Auto-restart failed",
			"instance_id", inst.ID,
			"failure_count", failures,
			"error", err,
		)
		return
	}

	monitor.ReconcileRestarts.Inc()
	if err := r.repo.UpdateStates(ctx, inst.ID, inst.DesiredState, instance.StateStarting); err != nil {
		r.logger.Error("Failed to record restart", "instance_id", inst.ID, "error", err)
		return
	}
	r.publish(inst.ID, eventbus.EventInstanceRestarted, map[string]any{"failure_count": failures})
	r.logger.Info("Instance auto-restarted",
		"instance_id", inst.ID,
		"failure_count", failures,
		"recreated", missing,
	)
}

func (r *Reconciler) recreate(ctx context.Context, rt runtime.Runtime, inst *instance.Instance) error {
	containerID, err := rt.Create(ctx, runtime.ContainerSpec{
		InstanceID:    inst.ID,
		TenantID:      inst.TenantID,
		Image:         inst.Image,
		EnvVars:       inst.EnvVars,
		MemoryLimitMB: inst.MemoryLimitMB,
		CPULimit:      inst.CPULimit,
	})
	if err != nil {
		return err
	}
	if err := rt.Start(ctx, containerID); err != nil {
		return err
	}
	return r.repo.UpdateContainerID(ctx, inst.ID, containerID)
}

// backoff 第 n 次失败后的重启间隔：base * 2^(n-1)，封顶 cap
func (r *Reconciler) backoff(failures int) time.Duration {
	d := r.cfg.BackoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= r.cfg.BackoffCap {
			return r.cfg.BackoffCap
		}
	}
	if d > r.cfg.BackoffCap {
		return r.cfg.BackoffCap
	}
	return d
}

func (r *Reconciler) publish(instanceID string, t eventbus.EventType, payload any) {
	err := r.bus.Publish(context.Background(), instanceID, eventbus.Event{
		Type:       t,
		InstanceID: instanceID,
		Payload:    payload,
		Timestamp:  time.Now(),
	})
	if err != nil {
		r.logger.Warn("Failed to publish health event", "instance_id", instanceID, "type", t, "error", err)
	}
}
