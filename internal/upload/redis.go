package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ StorageBackend = (*RedisBackend)(nil)

// RedisBackend 共享后端：多个无状态副本可以共同接收同一上传的分块
// （客户端连接可能在副本间轮转）。SETNX/INCRBY/SADD 提供
// set-if-absent、原子累加和幂等下标集合；所有键带 TTL，
// 每次活动统一续期，过期即释放全部临时资源。
type RedisBackend struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisBackend(client redis.Cmdable, ttl time.Duration) *RedisBackend {
	return &RedisBackend{
		client: client,
		ttl:    ttl,
	}
}

func (b *RedisBackend) metaKey(resourceID, fileName string) string {
	return "upload:" + sessionKey(resourceID, fileName) + ":meta"
}

func (b *RedisBackend) bytesKey(resourceID, fileName string) string {
	return "upload:" + sessionKey(resourceID, fileName) + ":bytes"
}

func (b *RedisBackend) indexSetKey(resourceID, fileName string) string {
	return "upload:" + sessionKey(resourceID, fileName) + ":received"
}

func (b *RedisBackend) chunkKey(resourceID, fileName string, index int) string {
	return "upload:" + sessionKey(resourceID, fileName) + ":chunk:" + strconv.Itoa(index)
}

func (b *RedisBackend) InitSession(ctx context.Context, resourceID string, meta Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal session meta: %w", err)
	}

	// SETNX：并发的首块只有一个会真正写入元数据
	if err := b.client.SetNX(ctx, b.metaKey(resourceID, meta.FileName), data, b.ttl).Err(); err != nil {
		return fmt.Errorf("failed to init session: %w", err)
	}
	return nil
}

func (b *RedisBackend) getMeta(ctx context.Context, resourceID, fileName string) (*Meta, error) {
	val, err := b.client.Get(ctx, b.metaKey(resourceID, fileName)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session meta: %w", err)
	}

	var meta Meta
	if err := json.Unmarshal([]byte(val), &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session meta: %w", err)
	}
	return &meta, nil
}

func (b *RedisBackend) GetSession(ctx context.Context, resourceID, fileName string) (*Session, error) {
	meta, err := b.getMeta(ctx, resourceID, fileName)
	if err != nil {
		return nil, err
	}

	received, err := b.client.SCard(ctx, b.indexSetKey(resourceID, fileName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read received set: %w", err)
	}

	bytesReceived, err := b.client.Get(ctx, b.bytesKey(resourceID, fileName)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read bytes counter: %w", err)
	}

	return &Session{
		ResourceID:     resourceID,
		FileName:       fileName,
		FileSize:       meta.FileSize,
		TotalChunks:    meta.TotalChunks,
		ReceivedChunks: int(received),
		BytesReceived:  bytesReceived,
		LastActivityAt: time.Now(),
	}, nil
}

func (b *RedisBackend) PutChunk(ctx context.Context, resourceID, fileName string, index int, data []byte) error {
	if err := b.client.Set(ctx, b.chunkKey(resourceID, fileName, index), data, b.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store chunk %d: %w", index, err)
	}
	return nil
}

func (b *RedisBackend) GetChunk(ctx context.Context, resourceID, fileName string, index int) ([]byte, error) {
	data, err := b.client.Get(ctx, b.chunkKey(resourceID, fileName, index)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrAssembly
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chunk %d: %w", index, err)
	}
	return data, nil
}

func (b *RedisBackend) MarkReceived(ctx context.Context, resourceID, fileName string, index int) (bool, error) {
	added, err := b.client.SAdd(ctx, b.indexSetKey(resourceID, fileName), index).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark chunk %d received: %w", index, err)
	}
	return added == 1, nil
}

func (b *RedisBackend) AddBytes(ctx context.Context, resourceID, fileName string, n int64) (int64, error) {
	total, err := b.client.IncrBy(ctx, b.bytesKey(resourceID, fileName), n).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment bytes counter: %w", err)
	}
	return total, nil
}

func (b *RedisBackend) ReceivedCount(ctx context.Context, resourceID, fileName string) (int, error) {
	count, err := b.client.SCard(ctx, b.indexSetKey(resourceID, fileName)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read received set: %w", err)
	}
	return int(count), nil
}

func (b *RedisBackend) Touch(ctx context.Context, resourceID, fileName string) error {
	meta, err := b.getMeta(ctx, resourceID, fileName)
	if err != nil {
		return err
	}

	// 统一续期所有相关键，让整个会话同时过期
	pipe := b.client.Pipeline()
	pipe.Expire(ctx, b.metaKey(resourceID, fileName), b.ttl)
	pipe.Expire(ctx, b.bytesKey(resourceID, fileName), b.ttl)
	pipe.Expire(ctx, b.indexSetKey(resourceID, fileName), b.ttl)
	for i := 0; i < meta.TotalChunks; i++ {
		pipe.Expire(ctx, b.chunkKey(resourceID, fileName, i), b.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to refresh session ttl: %w", err)
	}
	return nil
}

func (b *RedisBackend) Remove(ctx context.Context, resourceID, fileName string) error {
	meta, err := b.getMeta(ctx, resourceID, fileName)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	keys := []string{
		b.metaKey(resourceID, fileName),
		b.bytesKey(resourceID, fileName),
		b.indexSetKey(resourceID, fileName),
	}
	for i := 0; i < meta.TotalChunks; i++ {
		keys = append(keys, b.chunkKey(resourceID, fileName, i))
	}

	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to remove session keys: %w", err)
	}
	return nil
}

func (b *RedisBackend) Close() error {
	return nil
}
