package upload

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

var _ StorageBackend = (*LocalBackend)(nil)

// localSession 单进程模式下的会话状态。分块写入只持有本会话的锁，
// 不同会话互不阻塞。
type localSession struct {
	mu            sync.Mutex
	meta          Meta
	chunks        map[int][]byte
	received      map[int]struct{}
	bytesReceived int64
	createdAt     time.Time
}

// LocalBackend 进程内后端，ttlcache 提供原生 per-key 过期：
// 命中即续期，过期驱逐时分块载荷随会话一起释放。
type LocalBackend struct {
	cache  *ttlcache.Cache[string, *localSession]
	logger *slog.Logger
}

func NewLocalBackend(ttl time.Duration, logger *slog.Logger) *LocalBackend {
	cache := ttlcache.New[string, *localSession](
		ttlcache.WithTTL[string, *localSession](ttl),
	)

	b := &LocalBackend{
		cache:  cache,
		logger: logger.With("component", "upload-local"),
	}

	cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *localSession]) {
		if reason == ttlcache.EvictionReasonExpired {
			b.logger.Info("Upload session expired", "key", item.Key())
		}
	})

	go cache.Start()
	return b
}

func (b *LocalBackend) get(resourceID, fileName string) (*localSession, bool) {
	item := b.cache.Get(sessionKey(resourceID, fileName))
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (b *LocalBackend) InitSession(ctx context.Context, resourceID string, meta Meta) error {
	key := sessionKey(resourceID, meta.FileName)

	// GetOrSet 是原子的 set-if-absent：并发的首块只会创建一个会话
	b.cache.GetOrSet(key, &localSession{
		meta:      meta,
		chunks:    make(map[int][]byte),
		received:  make(map[int]struct{}),
		createdAt: time.Now(),
	})
	return nil
}

func (b *LocalBackend) GetSession(ctx context.Context, resourceID, fileName string) (*Session, error) {
	s, ok := b.get(resourceID, fileName)
	if !ok {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return &Session{
		ResourceID:     resourceID,
		FileName:       fileName,
		FileSize:       s.meta.FileSize,
		TotalChunks:    s.meta.TotalChunks,
		ReceivedChunks: len(s.received),
		BytesReceived:  s.bytesReceived,
		LastActivityAt: time.Now(),
	}, nil
}

func (b *LocalBackend) PutChunk(ctx context.Context, resourceID, fileName string, index int, data []byte) error {
	s, ok := b.get(resourceID, fileName)
	if !ok {
		return ErrSessionNotFound
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	s.chunks[index] = buf
	s.mu.Unlock()
	return nil
}

func (b *LocalBackend) GetChunk(ctx context.Context, resourceID, fileName string, index int) ([]byte, error) {
	s, ok := b.get(resourceID, fileName)
	if !ok {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.chunks[index]
	if !ok {
		return nil, ErrAssembly
	}
	return data, nil
}

func (b *LocalBackend) MarkReceived(ctx context.Context, resourceID, fileName string, index int) (bool, error) {
	s, ok := b.get(resourceID, fileName)
	if !ok {
		return false, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.received[index]; seen {
		return false, nil
	}
	s.received[index] = struct{}{}
	return true, nil
}

func (b *LocalBackend) AddBytes(ctx context.Context, resourceID, fileName string, n int64) (int64, error) {
	s, ok := b.get(resourceID, fileName)
	if !ok {
		return 0, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesReceived += n
	return s.bytesReceived, nil
}

func (b *LocalBackend) ReceivedCount(ctx context.Context, resourceID, fileName string) (int, error) {
	s, ok := b.get(resourceID, fileName)
	if !ok {
		return 0, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received), nil
}

func (b *LocalBackend) Touch(ctx context.Context, resourceID, fileName string) error {
	// Get 命中即续期
	if item := b.cache.Get(sessionKey(resourceID, fileName)); item == nil {
		return ErrSessionNotFound
	}
	return nil
}

func (b *LocalBackend) Remove(ctx context.Context, resourceID, fileName string) error {
	b.cache.Delete(sessionKey(resourceID, fileName))
	return nil
}

func (b *LocalBackend) Close() error {
	b.cache.Stop()
	b.cache.DeleteAll()
	return nil
}
