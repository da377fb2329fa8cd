package upload

import "time"

// Session 一次分块上传的瞬态簿记记录，身份是 (resourceID, fileName)。
type Session struct {
	ResourceID     string    `json:"resource_id"`
	FileName       string    `json:"file_name"`
	FileSize       int64     `json:"file_size"`
	TotalChunks    int       `json:"total_chunks"`
	ReceivedChunks int       `json:"received_chunks"`
	BytesReceived  int64     `json:"bytes_received"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Meta 首个分块携带的会话元数据
type Meta struct {
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	TotalChunks int    `json:"total_chunks"`
}

// Payload 单个分块的完整载荷
type Payload struct {
	FileName    string
	FileSize    int64
	TotalChunks int
	ChunkIndex  int
	Data        []byte
}

func sessionKey(resourceID, fileName string) string {
	return resourceID + "/" + fileName
}
