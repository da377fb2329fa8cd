package runtime

type ContainerSpec struct {
	InstanceID    string
	TenantID      string
	Image         string
	EnvVars       []string
	MemoryLimitMB int64
	CPULimit      float64 // CPU 核心数（如 0.5, 1, 2）
}

// Status Runtime 侧观测到的容器状态
type Status struct {
	State    string // created / running / paused / restarting / exited / dead
	Running  bool
	ExitCode int
}

type LogResult struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

func ContainerName(instanceID string) string {
	return "fleet-" + instanceID
}
