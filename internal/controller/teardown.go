package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fleet/internal/eventbus"
	"fleet/internal/instance"
	"fleet/internal/runtime"

	"github.com/hibiken/asynq"
)

// TeardownWorker 处理后台拆除任务：停止并移除容器，硬删除实例记录。
type TeardownWorker struct {
	repo     instance.Repository
	provider *runtime.Provider
	bus      eventbus.EventBus
	locks    *InstanceLocks
	logger   *slog.Logger
}

func NewTeardownWorker(
	repo instance.Repository,
	provider *runtime.Provider,
	bus eventbus.EventBus,
	locks *InstanceLocks,
	logger *slog.Logger,
) *TeardownWorker {
	return &TeardownWorker{
		repo:     repo,
		provider: provider,
		bus:      bus,
		locks:    locks,
		logger:   logger.With("component", "teardown-worker"),
	}
}

func (w *TeardownWorker) HandleTeardown(ctx context.Context, task *asynq.Task) error {
	var payload TeardownPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		w.logger.Error("Failed to unmarshal teardown payload", "error", err)
		return fmt.Errorf("json unmarshal error: %w", err)
	}

	unlock := w.locks.Lock(payload.InstanceID)
	defer unlock()

	// ForAny：即使节点被标记为 down 也尝试拆除，失败让 asynq 重试
	rt, err := w.provider.ForAny(payload.NodeID)
	if err != nil {
		w.logger.Error("Teardown: unknown node", "instance_id", payload.InstanceID, "node_id", payload.NodeID)
		return err
	}

	if payload.ContainerID != "" {
		if err := rt.Stop(ctx, payload.ContainerID, stopTimeoutSeconds); err != nil && !errors.Is(err, runtime.ErrContainerNotFound) {
			w.logger.Warn("Teardown: stop failed", "instance_id", payload.InstanceID, "error", err)
		}

		if err := rt.Remove(ctx, payload.ContainerID); err != nil && !errors.Is(err, runtime.ErrContainerNotFound) {
			return fmt.Errorf("teardown remove: %w", err)
		}
	}

	if err := w.repo.Delete(ctx, payload.InstanceID); err != nil && !errors.Is(err, instance.ErrNotFound) {
		return fmt.Errorf("teardown delete record: %w", err)
	}
	w.locks.Forget(payload.InstanceID)

	_ = w.bus.Publish(ctx, payload.InstanceID, eventbus.Event{
		Type:       eventbus.EventInstanceDeleted,
		InstanceID: payload.InstanceID,
		Timestamp:  time.Now(),
	})

	w.logger.Info("Instance torn down", "instance_id", payload.InstanceID)
	return nil
}
