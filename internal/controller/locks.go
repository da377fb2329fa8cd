package controller

import "sync"

// InstanceLocks 按实例 ID 的互斥锁，控制器与健康循环共用：
// 同一实例的状态迁移不允许与并发的协调重叠。
type InstanceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewInstanceLocks() *InstanceLocks {
	return &InstanceLocks{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock 锁定实例，返回解锁函数
func (l *InstanceLocks) Lock(instanceID string) func() {
	l.mu.Lock()
	m, ok := l.locks[instanceID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[instanceID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Forget 实例删除后回收锁条目
func (l *InstanceLocks) Forget(instanceID string) {
	l.mu.Lock()
	delete(l.locks, instanceID)
	l.mu.Unlock()
}
