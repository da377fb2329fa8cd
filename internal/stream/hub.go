package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"fleet/internal/monitor"
	"fleet/internal/runtime"
)

var ErrNotAttached = errors.New("instance has no active attachment")

// AttachFunc 建立到实例容器的双向流。由上层用 Repository + Provider 闭包注入。
type AttachFunc func(ctx context.Context, instanceID string) (runtime.AttachStream, error)

// Hub 每个实例只保持一个 Runtime attach：首个订阅者触发 attach 并启动
// 唯一的读取 goroutine，后续订阅者挂在同一条流上；最后一个订阅者离开时
// 恰好释放一次底层连接。慢订阅者不会阻塞共享读取——缓冲满即断开该订阅者。
type Hub struct {
	mu          sync.Mutex
	attachments map[string]*attachment
	attach      AttachFunc
	bufSize     int
	logger      *slog.Logger
}

type attachment struct {
	mu          sync.Mutex
	stream      runtime.AttachStream
	subscribers map[int]chan Event
	nextSubID   int
	finished    bool // 读取 goroutine 已收尾，不再接受新订阅者
	detachOnce  sync.Once
}

func NewHub(attach AttachFunc, bufSize int, logger *slog.Logger) *Hub {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Hub{
		attachments: make(map[string]*attachment),
		attach:      attach,
		bufSize:     bufSize,
		logger:      logger.With("component", "stream-hub"),
	}
}

// Subscribe 注册一个订阅者，返回事件通道和注销函数。
// 事件通道在订阅者被注销、被判定过慢或上游流结束时关闭。
func (h *Hub) Subscribe(ctx context.Context, instanceID string) (<-chan Event, func(), error) {
	for {
		h.mu.Lock()
		att, ok := h.attachments[instanceID]
		if !ok {
			stream, err := h.attach(ctx, instanceID)
			if err != nil {
				h.mu.Unlock()
				return nil, nil, err
			}

			att = &attachment{
				stream:      stream,
				subscribers: make(map[int]chan Event),
			}
			h.attachments[instanceID] = att

			go h.readLoop(instanceID, att)
			monitor.ActiveAttachments.Inc()
			h.logger.Info("Attached to instance stream", "instance_id", instanceID)
		}
		h.mu.Unlock()

		att.mu.Lock()
		if att.finished {
			// 查表和注册之间上游流刚好结束：挂到这个 attachment 上的
			// 通道永远等不到关闭。摘掉残留表项（幂等），重试走新的 attach
			att.mu.Unlock()
			h.detach(instanceID, att)
			continue
		}
		id := att.nextSubID
		att.nextSubID++
		ch := make(chan Event, h.bufSize)
		att.subscribers[id] = ch
		att.mu.Unlock()

		unsubscribe := func() {
			h.removeSubscriber(instanceID, att, id)
		}
		return ch, unsubscribe, nil
	}
}

// WriteStdin 把终端按键写入共享 attach 的 stdin
func (h *Hub) WriteStdin(instanceID string, data []byte) error {
	h.mu.Lock()
	att, ok := h.attachments[instanceID]
	h.mu.Unlock()

	if !ok {
		return ErrNotAttached
	}

	_, err := att.stream.Write(data)
	return err
}

// SubscriberCount 当前订阅者数量，测试与指标用
func (h *Hub) SubscriberCount(instanceID string) int {
	h.mu.Lock()
	att, ok := h.attachments[instanceID]
	h.mu.Unlock()
	if !ok {
		return 0
	}

	att.mu.Lock()
	defer att.mu.Unlock()
	return len(att.subscribers)
}

// readLoop 每个 attach 唯一的读取任务：解帧并广播
func (h *Hub) readLoop(instanceID string, att *attachment) {
	demux := NewDemuxer(att.stream)

	for {
		event, err := demux.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, net.ErrClosed) {
				h.logger.Warn("Stream read error", "instance_id", instanceID, "error", err)
			}
			h.finish(instanceID, att)
			return
		}

		att.mu.Lock()
		for id, ch := range att.subscribers {
			select {
			case ch <- event:
			default:
				// 慢订阅者：断开它而不是阻塞共享读取
				delete(att.subscribers, id)
				close(ch)
				monitor.DroppedSubscribers.Inc()
				h.logger.Warn("Dropped slow subscriber", "instance_id", instanceID, "subscriber_id", id)
			}
		}
		att.mu.Unlock()
	}
}

func (h *Hub) removeSubscriber(instanceID string, att *attachment, id int) {
	att.mu.Lock()
	ch, ok := att.subscribers[id]
	if ok {
		delete(att.subscribers, id)
		close(ch)
	}
	remaining := len(att.subscribers)
	att.mu.Unlock()

	if !ok {
		return
	}

	// 最后一个订阅者离开，释放底层连接；读取 goroutine 随即退出
	if remaining == 0 {
		h.detach(instanceID, att)
	}
}

// finish 上游流结束：关闭剩余订阅者通道并摘除 attachment
func (h *Hub) finish(instanceID string, att *attachment) {
	att.mu.Lock()
	att.finished = true
	for id, ch := range att.subscribers {
		delete(att.subscribers, id)
		close(ch)
	}
	att.mu.Unlock()

	h.detach(instanceID, att)
}

func (h *Hub) detach(instanceID string, att *attachment) {
	att.detachOnce.Do(func() {
		h.mu.Lock()
		if h.attachments[instanceID] == att {
			delete(h.attachments, instanceID)
		}
		h.mu.Unlock()

		if err := att.stream.Close(); err != nil {
			h.logger.Warn("Failed to close attach stream", "instance_id", instanceID, "error", err)
		}
		monitor.ActiveAttachments.Dec()
		h.logger.Info("Detached from instance stream", "instance_id", instanceID)
	})
}
