package runtime

import (
	"context"
	"io"
)

// Runtime 是 Container Runtime 的契约。实现方（Docker）是外部协作者，
// 本核心只消费 create/start/stop/inspect/attach 等原语。
type Runtime interface {
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string, timeoutSeconds int) error
	Restart(ctx context.Context, containerID string, timeoutSeconds int) error
	Kill(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (Status, error)

	// Attach 返回容器的双向字节流：Reader 是 stdout/stderr 复用帧流，
	// 写入发往 stdin。同一容器只应保持一个 attach，由 stream hub 管理。
	Attach(ctx context.Context, containerID string) (AttachStream, error)

	// Logs 一次性读取历史日志（非流式）
	Logs(ctx context.Context, containerID string, tail int) (*LogResult, error)

	// CopyTo 将单个文件写入容器文件系统
	CopyTo(ctx context.Context, containerID, destPath string, content io.Reader, size int64) error

	Ping(ctx context.Context) error
}

type AttachStream interface {
	io.Reader
	io.Writer // stdin
	Close() error
}
