package controller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"fleet/internal/config"
	"fleet/internal/eventbus"
	"fleet/internal/instance"
	"fleet/internal/runtime"
	"fleet/internal/scheduler"

	"github.com/hibiken/asynq"
)

type memRepo struct {
	mu        sync.Mutex
	instances map[string]*instance.Instance
	createErr error
}

func newMemRepo() *memRepo {
	return &memRepo{instances: make(map[string]*instance.Instance)}
}

var _ instance.Repository = (*memRepo)(nil)

func (r *memRepo) Create(ctx context.Context, inst *instance.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	cp := *inst
	r.instances[inst.ID] = &cp
	return nil
}

func (r *memRepo) GetByID(ctx context.Context, id string) (*instance.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, instance.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (r *memRepo) ListByNode(ctx context.Context, nodeID string) ([]*instance.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*instance.Instance
	for _, inst := range r.instances {
		if inst.NodeID == nodeID {
			cp := *inst
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepo) ListAll(ctx context.Context) ([]*instance.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*instance.Instance
	for _, inst := range r.instances {
		cp := *inst
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memRepo) UpdateStates(ctx context.Context, id string, desired instance.DesiredState, observed instance.ObservedState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return instance.ErrNotFound
	}
	inst.DesiredState = desired
	inst.ObservedState = observed
	return nil
}

func (r *memRepo) UpdateContainerID(ctx context.Context, id string, containerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return instance.ErrNotFound
	}
	inst.ContainerID = containerID
	return nil
}

func (r *memRepo) UpdateHealth(ctx context.Context, id string, failureCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return instance.ErrNotFound
	}
	inst.FailureCount = failureCount
	inst.LastHealthCheckAt = time.Now()
	return nil
}

func (r *memRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[id]; !ok {
		return instance.ErrNotFound
	}
	delete(r.instances, id)
	return nil
}

type stubRuntime struct {
	mu         sync.Mutex
	containers map[string]bool // containerID -> running
	startErr   error
	stopErr    error

	createCalls int
	removeCalls int
}

func newStubRuntime() *stubRuntime {
	return &stubRuntime{containers: make(map[string]bool)}
}

var _ runtime.Runtime = (*stubRuntime)(nil)

func (s *stubRuntime) Create(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	id := "ctr-" + spec.InstanceID
	s.containers[id] = false
	return id, nil
}

func (s *stubRuntime) Start(ctx context.Context, containerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	if _, ok := s.containers[containerID]; !ok {
		return runtime.ErrContainerNotFound
	}
	s.containers[containerID] = true
	return nil
}

func (s *stubRuntime) Stop(ctx context.Context, containerID string, timeoutSeconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopErr != nil {
		return s.stopErr
	}
	if _, ok := s.containers[containerID]; !ok {
		return runtime.ErrContainerNotFound
	}
	s.containers[containerID] = false
	return nil
}

func (s *stubRuntime) Restart(ctx context.Context, containerID string, timeoutSeconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.containers[containerID]; !ok {
		return runtime.ErrContainerNotFound
	}
	s.containers[containerID] = true
	return nil
}

func (s *stubRuntime) Kill(ctx context.Context, containerID string) error {
	return s.Stop(ctx, containerID, 0)
}

func (s *stubRuntime) Remove(ctx context.Context, containerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeCalls++
	if _, ok := s.containers[containerID]; !ok {
		return runtime.ErrContainerNotFound
	}
	delete(s.containers, containerID)
	return nil
}

func (s *stubRuntime) Inspect(ctx context.Context, containerID string) (runtime.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	running, ok := s.containers[containerID]
	if !ok {
		return runtime.Status{}, runtime.ErrContainerNotFound
	}
	return runtime.Status{State: "running", Running: running}, nil
}

func (s *stubRuntime) Attach(ctx context.Context, containerID string) (runtime.AttachStream, error) {
	return nil, errors.New("not supported")
}

func (s *stubRuntime) Logs(ctx context.Context, containerID string, tail int) (*runtime.LogResult, error) {
	return &runtime.LogResult{}, nil
}

func (s *stubRuntime) CopyTo(ctx context.Context, containerID, destPath string, content io.Reader, size int64) error {
	return nil
}

func (s *stubRuntime) Ping(ctx context.Context) error { return nil }

type recordBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (b *recordBus) Publish(ctx context.Context, instanceID string, event eventbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *recordBus) Subscribe(ctx context.Context, instanceID string) (<-chan eventbus.Event, error) {
	ch := make(chan eventbus.Event)
	close(ch)
	return ch, nil
}

func (b *recordBus) typesSeen() []eventbus.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]eventbus.EventType, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e.Type)
	}
	return out
}

type memQueue struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (q *memQueue) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{}, nil
}

type denyQuota struct{}

func (denyQuota) Check(ctx context.Context, tenantID string, cpu float64, memoryMB int64) error {
	return errors.New("tenant over budget")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestController(t *testing.T, capacity int) (*Controller, *memRepo, *stubRuntime, *recordBus, *memQueue) {
	t.Helper()

	repo := newMemRepo()
	rt := newStubRuntime()
	bus := &recordBus{}
	queue := &memQueue{}
	provider := runtime.NewProviderWith(map[string]runtime.Runtime{"node-1": rt}, discardLogger())
	nodes := []config.NodeConfig{{ID: "node-1", Address: "unix:///var/run/docker.sock", Capacity: capacity}}

	c := NewController(repo, provider, bus, queue, AllowAllQuota{}, NewInstanceLocks(), nodes, time.Second, discardLogger())
	return c, repo, rt, bus, queue
}

func validSpec() instance.Spec {
	return instance.Spec{
		TenantID:      "tenant-1",
		Image:         "alpine:latest",
		CPULimit:      0.5,
		MemoryLimitMB: 128,
	}
}

func TestCreatePersistsStartingInstance(t *testing.T) {
	c, repo, rt, bus, _ := newTestController(t, 4)

	inst, err := c.Create(context.Background(), validSpec())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.GetByID(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("instance not persisted: %v", err)
	}
	if got.ObservedState != instance.StateStarting {
		t.Errorf("expected observed state starting, got %s", got.ObservedState)
	}
	if got.DesiredState != instance.DesiredRunning {
		t.Errorf("expected desired state running, got %s", got.DesiredState)
	}
	if got.NodeID != "node-1" {
		t.Errorf("expected placement on node-1, got %s", got.NodeID)
	}
	if got.ContainerID == "" {
		t.Error("expected container id recorded")
	}
	if rt.createCalls != 1 {
		t.Errorf("expected 1 runtime create, got %d", rt.createCalls)
	}

	types := bus.typesSeen()
	if len(types) != 1 || types[0] != eventbus.EventInstanceCreated {
		t.Errorf("expected single created event, got %v", types)
	}
}

func TestCreateValidatesSpec(t *testing.T) {
	c, _, _, _, _ := newTestController(t, 4)

	cases := []struct {
		name string
		spec instance.Spec
	}{
		{"missing image", instance.Spec{TenantID: "t", CPULimit: 1, MemoryLimitMB: 128}},
		{"zero cpu", instance.Spec{TenantID: "t", Image: "alpine", MemoryLimitMB: 128}},
		{"zero memory", instance.Spec{TenantID: "t", Image: "alpine", CPULimit: 1}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := c.Create(context.Background(), tc.spec); !errors.Is(err, instance.ErrInvalidSpec) {
				t.Errorf("expected ErrInvalidSpec, got %v", err)
			}
		})
	}
}

func TestCreateQuotaDenied(t *testing.T) {
	c, repo, _, _, _ := newTestController(t, 4)
	c.quota = denyQuota{}

	if _, err := c.Create(context.Background(), validSpec()); !errors.Is(err, instance.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	all, _ := repo.ListAll(context.Background())
	if len(all) != 0 {
		t.Errorf("expected nothing persisted, got %d records", len(all))
	}
}

func TestCreateCapacityExceeded(t *testing.T) {
	c, _, _, _, _ := newTestController(t, 1)

	if _, err := c.Create(context.Background(), validSpec()); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := c.Create(context.Background(), validSpec()); !errors.Is(err, scheduler.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
}

func TestConcurrentCreatesNeverOversubscribe(t *testing.T) {
	const capacity = 3
	c, repo, _, _, _ := newTestController(t, capacity)

	var wg sync.WaitGroup
	results := make(chan error, capacity*3)
	for i := 0; i < capacity*3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Create(context.Background(), validSpec())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, scheduler.ErrCapacityExceeded) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != capacity {
		t.Errorf("expected exactly %d successful placements, got %d", capacity, succeeded)
	}

	all, _ := repo.ListAll(context.Background())
	if len(all) != capacity {
		t.Errorf("expected %d records, got %d", capacity, len(all))
	}
}

func TestCreateStartFailurePersistedAsFailed(t *testing.T) {
	c, repo, rt, bus, _ := newTestController(t, 4)
	rt.startErr = errors.New("oom during start")

	_, err := c.Create(context.Background(), validSpec())
	if !errors.Is(err, ErrRuntime) {
		t.Fatalf("expected ErrRuntime, got %v", err)
	}

	// create 成功 start 失败：必须留下 failed 记录，而不是孤儿容器
	all, _ := repo.ListAll(context.Background())
	if len(all) != 1 {
		t.Fatalf("expected 1 record, got %d", len(all))
	}
	if all[0].ObservedState != instance.StateFailed {
		t.Errorf("expected observed state failed, got %s", all[0].ObservedState)
	}

	types := bus.typesSeen()
	if len(types) != 1 || types[0] != eventbus.EventInstanceFailed {
		t.Errorf("expected single failed event, got %v", types)
	}
}

func TestCreateRecordWriteFailureReapsContainer(t *testing.T) {
	c, repo, rt, bus, _ := newTestController(t, 4)
	repo.createErr = errors.New("connection reset by peer")

	if _, err := c.Create(context.Background(), validSpec()); err == nil {
		t.Fatal("expected create to fail when record write fails")
	}

	// start 成功但记录写失败：容器必须被回收，不能留下无记录的孤儿
	rt.mu.Lock()
	remaining := len(rt.containers)
	removes := rt.removeCalls
	rt.mu.Unlock()
	if remaining != 0 {
		t.Errorf("%d containers left running without a record", remaining)
	}
	if removes != 1 {
		t.Errorf("remove calls=%d, want 1", removes)
	}

	if types := bus.typesSeen(); len(types) != 0 {
		t.Errorf("expected no lifecycle events, got %v", types)
	}
}

func TestStopDoesNotUpdateRecordOnRuntimeError(t *testing.T) {
	c, repo, rt, _, _ := newTestController(t, 4)

	inst, err := c.Create(context.Background(), validSpec())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rt.stopErr = errors.New("daemon timeout")
	if err := c.Stop(context.Background(), inst.ID); !errors.Is(err, ErrRuntime) {
		t.Fatalf("expected ErrRuntime, got %v", err)
	}

	got, _ := repo.GetByID(context.Background(), inst.ID)
	if got.ObservedState != instance.StateStarting {
		t.Errorf("record changed despite runtime failure: %s", got.ObservedState)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	c, repo, _, _, _ := newTestController(t, 4)

	inst, err := c.Create(context.Background(), validSpec())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ctx := context.Background()

	if err := c.Stop(ctx, inst.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	got, _ := repo.GetByID(ctx, inst.ID)
	if got.DesiredState != instance.DesiredStopped || got.ObservedState != instance.StateStopped {
		t.Errorf("after stop: %s/%s", got.DesiredState, got.ObservedState)
	}

	if err := c.Start(ctx, inst.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	got, _ = repo.GetByID(ctx, inst.ID)
	if got.DesiredState != instance.DesiredRunning || got.ObservedState != instance.StateStarting {
		t.Errorf("after start: %s/%s", got.DesiredState, got.ObservedState)
	}

	if err := c.Restart(ctx, inst.ID); err != nil {
		t.Fatalf("restart: %v", err)
	}

	if err := c.Kill(ctx, inst.ID); err != nil {
		t.Fatalf("kill: %v", err)
	}
	got, _ = repo.GetByID(ctx, inst.ID)
	if got.ObservedState != instance.StateStopped {
		t.Errorf("after kill: %s", got.ObservedState)
	}
}

func TestDeleteRequiresTerminalState(t *testing.T) {
	c, _, _, _, queue := newTestController(t, 4)

	inst, err := c.Create(context.Background(), validSpec())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := c.Delete(context.Background(), inst.ID, false); !errors.Is(err, instance.ErrNotTerminal) {
		t.Fatalf("expected ErrNotTerminal, got %v", err)
	}
	if len(queue.tasks) != 0 {
		t.Fatal("teardown enqueued for non-terminal instance without force")
	}

	if err := c.Stop(context.Background(), inst.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := c.Delete(context.Background(), inst.ID, false); err != nil {
		t.Fatalf("delete after stop: %v", err)
	}
	if len(queue.tasks) != 1 || queue.tasks[0].Type() != TaskInstanceTeardown {
		t.Fatalf("expected 1 teardown task, got %d", len(queue.tasks))
	}
}

func TestForceDeleteStopsFirst(t *testing.T) {
	c, repo, _, _, queue := newTestController(t, 4)

	inst, err := c.Create(context.Background(), validSpec())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := c.Delete(context.Background(), inst.ID, true); err != nil {
		t.Fatalf("force delete: %v", err)
	}

	got, _ := repo.GetByID(context.Background(), inst.ID)
	if got.ObservedState != instance.StateStopping {
		t.Errorf("expected observed state stopping, got %s", got.ObservedState)
	}
	if len(queue.tasks) != 1 {
		t.Fatalf("expected teardown task enqueued, got %d", len(queue.tasks))
	}
}

func TestTeardownWorkerRemovesInstance(t *testing.T) {
	c, repo, rt, bus, queue := newTestController(t, 4)

	inst, err := c.Create(context.Background(), validSpec())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.Stop(context.Background(), inst.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := c.Delete(context.Background(), inst.ID, false); err != nil {
		t.Fatalf("delete: %v", err)
	}

	worker := NewTeardownWorker(repo, c.provider, bus, c.locks, discardLogger())
	if err := worker.HandleTeardown(context.Background(), queue.tasks[0]); err != nil {
		t.Fatalf("teardown: %v", err)
	}

	if _, err := repo.GetByID(context.Background(), inst.ID); !errors.Is(err, instance.ErrNotFound) {
		t.Errorf("expected record deleted, got %v", err)
	}
	if rt.removeCalls != 1 {
		t.Errorf("expected 1 container remove, got %d", rt.removeCalls)
	}

	// 重放同一个任务必须幂等：容器和记录都已不存在
	if err := worker.HandleTeardown(context.Background(), queue.tasks[0]); err != nil {
		t.Errorf("teardown replay not idempotent: %v", err)
	}
}
