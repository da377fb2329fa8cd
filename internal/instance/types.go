package instance

import "time"

type DesiredState string

const (
	DesiredRunning DesiredState = "running"
	DesiredStopped DesiredState = "stopped"
)

type ObservedState string

const (
	StatePending  ObservedState = "pending"
	StateStarting ObservedState = "starting"
	StateRunning  ObservedState = "running"
	StateStopping ObservedState = "stopping"
	StateStopped  ObservedState = "stopped"
	StateFailed   ObservedState = "failed"
)

// IsTerminal 终态：允许直接删除
func (s ObservedState) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// CountsAsLoad 占用节点槽位的状态
func (s ObservedState) CountsAsLoad() bool {
	return s == StateStarting || s == StateRunning
}

type Instance struct {
	ID                string        `json:"id"`
	TenantID          string        `json:"tenant_id"`
	NodeID            string        `json:"node_id"`
	ContainerID       string        `json:"container_id"` // Runtime 侧的容器句柄
	Image             string        `json:"image"`
	EnvVars           []string      `json:"env_vars,omitempty"`
	DesiredState      DesiredState  `json:"desired_state"`
	ObservedState     ObservedState `json:"observed_state"`
	CPULimit          float64       `json:"cpu_limit"`    // CPU 核心数（如 0.5, 1, 2）
	MemoryLimitMB     int64         `json:"memory_limit_mb"`
	FailureCount      int           `json:"failure_count"`
	LastHealthCheckAt time.Time     `json:"last_health_check_at"`
	CreatedAt         time.Time     `json:"created_at"`
}

// Spec 创建实例的请求参数
type Spec struct {
	TenantID      string
	Image         string
	EnvVars       []string
	CPULimit      float64
	MemoryLimitMB int64
}

// Node 容量受限的宿主节点。负载永远从实例记录推导，不单独持久化。
type Node struct {
	ID       string
	Address  string
	Capacity int
	Load     int
}
