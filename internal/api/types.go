package api

import "time"

type CreateInstanceRequest struct {
	TenantID      string   `json:"tenant_id" binding:"required"`
	Image         string   `json:"image" binding:"required"`
	EnvVars       []string `json:"env_vars"`
	CPULimit      float64  `json:"cpu_limit" binding:"required"`
	MemoryLimitMB int64    `json:"memory_limit_mb" binding:"required"`
}

type InstanceResponse struct {
	ID                string  `json:"id"`
	TenantID          string  `json:"tenant_id"`
	NodeID            string  `json:"node_id"`
	ContainerID       string  `json:"container_id,omitempty"`
	Image             string  `json:"image"`
	DesiredState      string  `json:"desired_state"`
	ObservedState     string  `json:"observed_state"`
	CPULimit          float64 `json:"cpu_limit"`
	MemoryLimitMB     int64   `json:"memory_limit_mb"`
	FailureCount      int     `json:"failure_count"`
	LastHealthCheckAt string  `json:"last_health_check_at,omitempty"`
	CreatedAt         string  `json:"created_at"`
}

type InstanceListResponse struct {
	Instances []InstanceResponse `json:"instances"`
}

type LogsResponse struct {
	InstanceID string `json:"instance_id"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
}

type UploadChunkRequest struct {
	FileName    string `json:"file_name" binding:"required"`
	FileSize    int64  `json:"file_size" binding:"required"`
	TotalChunks int    `json:"total_chunks" binding:"required"`
	ChunkIndex  int    `json:"chunk_index"`
	ChunkData   string `json:"chunk_data" binding:"required"` // base64
	DestPath    string `json:"dest_path"`
}

type UploadChunkResponse struct {
	InstanceID     string `json:"instance_id"`
	FileName       string `json:"file_name"`
	ReceivedChunks int    `json:"received_chunks"`
	TotalChunks    int    `json:"total_chunks"`
	BytesReceived  int64  `json:"bytes_received"`
	Completed      bool   `json:"completed"`
	DestPath       string `json:"dest_path,omitempty"`
}

type HealthResponse struct {
	Status         string `json:"status"`
	Hostname       string `json:"hostname"`
	PID            int    `json:"pid"`
	NodesReachable int    `json:"nodes_reachable"`
	NodesTotal     int    `json:"nodes_total"`
	Timestamp      string `json:"timestamp"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// SSEEvent 是服务器发送事件的结构体
type SSEEvent struct {
	Type       string `json:"type"`
	InstanceID string `json:"instance_id"`
	Payload    any    `json:"payload"`
	Timestamp  string `json:"timestamp"`
}

// TerminalMessage websocket 终端的双向消息帧
type TerminalMessage struct {
	Type string `json:"type"` // stdout / stderr / stdin
	Data string `json:"data"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
