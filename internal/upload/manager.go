package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"fleet/internal/monitor"
)

// Manager 跨副本跟踪分块上传会话、装配完整文件。
// 后端在启动时选定注入（见 DESIGN NOTES：不做逐调用可用性探测）。
type Manager struct {
	backend      StorageBackend
	maxChunkSize int64
	logger       *slog.Logger
}

func NewManager(backend StorageBackend, maxChunkSize int64, logger *slog.Logger) *Manager {
	return &Manager{
		backend:      backend,
		maxChunkSize: maxChunkSize,
		logger:       logger.With("component", "upload-manager"),
	}
}

func (m *Manager) ValidatePayload(p Payload) error {
	switch {
	case p.FileName == "":
		return fmt.Errorf("%w: empty file name", ErrValidation)
	case p.FileSize <= 0:
		return fmt.Errorf("%w: file size must be positive", ErrValidation)
	case p.TotalChunks <= 0:
		return fmt.Errorf("%w: total chunks must be positive", ErrValidation)
	case p.ChunkIndex < 0 || p.ChunkIndex >= p.TotalChunks:
		return fmt.Errorf("%w: chunk index %d outside [0, %d)", ErrValidation, p.ChunkIndex, p.TotalChunks)
	}

	if m.maxChunkSize > 0 && int64(len(p.Data)) > m.maxChunkSize {
		return fmt.Errorf("%w: %d bytes", ErrChunkTooLarge, len(p.Data))
	}
	return nil
}

// StoreChunk 存入一个分块并返回会话快照。分块可以乱序、并发到达：
// 载荷写入按 (会话, 下标) 独立落盘，下标集合是幂等 set-add，
// 字节计数只在首次收到该下标时累加，重发不会重复计数。
func (m *Manager) StoreChunk(ctx context.Context, resourceID string, p Payload) (*Session, error) {
	if err := m.ValidatePayload(p); err != nil {
		return nil, err
	}

	meta := Meta{
		FileName:    p.FileName,
		FileSize:    p.FileSize,
		TotalChunks: p.TotalChunks,
	}
	if err := m.backend.InitSession(ctx, resourceID, meta); err != nil {
		return nil, err
	}

	// 首块的元数据赢得 set-if-absent；后续分块必须与之一致，
	// 不一致说明客户端把两次不同的上传混进了同一会话
	sess, err := m.backend.GetSession(ctx, resourceID, p.FileName)
	if err != nil {
		return nil, err
	}
	if sess.FileSize != p.FileSize || sess.TotalChunks != p.TotalChunks {
		return nil, fmt.Errorf("%w: chunk meta (size=%d, chunks=%d) conflicts with session (size=%d, chunks=%d)",
			ErrValidation, p.FileSize, p.TotalChunks, sess.FileSize, sess.TotalChunks)
	}

	if err := m.backend.PutChunk(ctx, resourceID, p.FileName, p.ChunkIndex, p.Data); err != nil {
		return nil, err
	}

	newlyReceived, err := m.backend.MarkReceived(ctx, resourceID, p.FileName, p.ChunkIndex)
	if err != nil {
		return nil, err
	}
	if newlyReceived {
		if _, err := m.backend.AddBytes(ctx, resourceID, p.FileName, int64(len(p.Data))); err != nil {
			return nil, err
		}
		monitor.UploadChunksReceived.Inc()
	}

	if err := m.backend.Touch(ctx, resourceID, p.FileName); err != nil {
		return nil, err
	}

	return m.backend.GetSession(ctx, resourceID, p.FileName)
}

// IsComplete 完成的权威信号是"每个下标都见过一次"，
// 不比较 bytesReceived 与 fileSize（分块大小可能不均）。
func (m *Manager) IsComplete(ctx context.Context, resourceID, fileName string, totalChunks int) (bool, error) {
	count, err := m.backend.ReceivedCount(ctx, resourceID, fileName)
	if err != nil {
		return false, err
	}
	return count == totalChunks, nil
}

// Assemble 按下标 0..totalChunks-1 严格顺序拼接。任一下标缺失即失败，
// 绝不产出截断文件。在 RemoveSession 之前可重复调用，结果一致。
func (m *Manager) Assemble(ctx context.Context, resourceID, fileName string, totalChunks int) ([]byte, error) {
	sess, err := m.backend.GetSession(ctx, resourceID, fileName)
	if err != nil {
		// 会话在收齐和装配之间过期
		if errors.Is(err, ErrSessionNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrStaleSession, resourceID, fileName)
		}
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(int(sess.FileSize))

	for i := 0; i < totalChunks; i++ {
		chunk, err := m.backend.GetChunk(ctx, resourceID, fileName, i)
		if err != nil {
			// 只有"分块不存在"算装配失败；后端自身的故障原样上抛，
			// 调用方可以重试，而不是让客户端整体重传
			if errors.Is(err, ErrAssembly) {
				return nil, fmt.Errorf("%w: chunk %d of %s", ErrAssembly, i, fileName)
			}
			return nil, fmt.Errorf("failed to load chunk %d of %s: %w", i, fileName, err)
		}
		buf.Write(chunk)
	}

	monitor.UploadsAssembled.Inc()
	m.logger.Info("Upload assembled",
		"resource_id", resourceID,
		"file_name", fileName,
		"bytes", buf.Len(),
		"chunks", totalChunks,
	)
	return buf.Bytes(), nil
}

func (m *Manager) GetSession(ctx context.Context, resourceID, fileName string) (*Session, error) {
	return m.backend.GetSession(ctx, resourceID, fileName)
}

// RemoveSession 释放会话的全部临时资源（分块载荷、计数器、下标集合）
func (m *Manager) RemoveSession(ctx context.Context, resourceID, fileName string) error {
	return m.backend.Remove(ctx, resourceID, fileName)
}

func (m *Manager) Close() error {
	return m.backend.Close()
}
