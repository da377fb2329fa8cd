package upload

import "context"

// StorageBackend 上传会话的后端存储。两个实现（本地、Redis）能力对称：
// 都支持完整的分块落盘与装配。启动时选定一个注入 Manager，不做逐调用探测。
//
// 并发契约：InitSession 是原子 set-if-absent；MarkReceived 是幂等 set-add，
// 只在首次收到该下标时返回 true；AddBytes 是原子累加。分块可以乱序、
// 并发、跨副本到达（Redis 模式）。
type StorageBackend interface {
	InitSession(ctx context.Context, resourceID string, meta Meta) error
	GetSession(ctx context.Context, resourceID, fileName string) (*Session, error)

	PutChunk(ctx context.Context, resourceID, fileName string, index int, data []byte) error
	// GetChunk 对不存在的下标返回 ErrAssembly；后端自身的故障返回其他错误，
	// 二者在装配路径上的处理不同（缺块是终局失败，故障可以重试）。
	GetChunk(ctx context.Context, resourceID, fileName string, index int) ([]byte, error)

	MarkReceived(ctx context.Context, resourceID, fileName string, index int) (bool, error)
	AddBytes(ctx context.Context, resourceID, fileName string, n int64) (int64, error)
	ReceivedCount(ctx context.Context, resourceID, fileName string) (int, error)

	// Touch 刷新会话的过期时间；空闲超时由后端的原生 per-key 过期机制负责，
	// 过期同时释放所有分块载荷，因此不需要额外的清扫循环。
	Touch(ctx context.Context, resourceID, fileName string) error
	Remove(ctx context.Context, resourceID, fileName string) error

	Close() error
}
