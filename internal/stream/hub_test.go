package stream

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fleet/internal/runtime"
)

// fakeStream 用内存管道模拟 Runtime attach：测试端写入复用帧，
// hub 端读取；写入（stdin）被捕获。
type fakeStream struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu     sync.Mutex
	stdin  bytes.Buffer
	closed atomic.Int32
}

func newFakeStream() *fakeStream {
	pr, pw := io.Pipe()
	return &fakeStream{pr: pr, pw: pw}
}

func (f *fakeStream) Read(p []byte) (int, error) { return f.pr.Read(p) }

func (f *fakeStream) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stdin.Write(p)
}

func (f *fakeStream) Close() error {
	f.closed.Add(1)
	return f.pr.Close()
}

// emit 以 Runtime 的帧格式写入一帧
func (f *fakeStream) emit(t *testing.T, streamType byte, payload []byte) {
	t.Helper()
	header := make([]byte, frameHeaderLen)
	header[0] = streamType
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	if _, err := f.pw.Write(append(header, payload...)); err != nil {
		t.Fatalf("emit failed: %v", err)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(bufSize int) (*Hub, *fakeStream, *atomic.Int32) {
	fs := newFakeStream()
	var attachCalls atomic.Int32

	hub := NewHub(func(ctx context.Context, instanceID string) (runtime.AttachStream, error) {
		attachCalls.Add(1)
		return fs, nil
	}, bufSize, testLogger())

	return hub, fs, &attachCalls
}

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func waitClosed(t *testing.T, ch <-chan Event) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for channel close")
		}
	}
}

func TestDemuxerFrameSplitAcrossReads(t *testing.T) {
	pr, pw := io.Pipe()
	d := NewDemuxer(pr)

	payload := []byte("hello world")
	header := make([]byte, frameHeaderLen)
	header[0] = 1
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	frame := append(header, payload...)

	// 把一帧拆成三次写入，解复用器必须跨读取边界攒齐整帧
	go func() {
		pw.Write(frame[:3])
		pw.Write(frame[3:10])
		pw.Write(frame[10:])
	}()

	ev, err := d.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if ev.Type != TypeStdout {
		t.Errorf("type=%s, want stdout", ev.Type)
	}
	if !bytes.Equal(ev.Data, payload) {
		t.Errorf("payload mismatch: %q", ev.Data)
	}
}

func TestDemuxerStreamTypes(t *testing.T) {
	var buf bytes.Buffer
	for _, typ := range []byte{1, 2, 0, 7} {
		header := make([]byte, frameHeaderLen)
		header[0] = typ
		binary.BigEndian.PutUint32(header[4:], 1)
		buf.Write(header)
		buf.WriteByte('x')
	}

	d := NewDemuxer(&buf)
	want := []StreamType{TypeStdout, TypeStderr, TypeStdin, TypeStdin}
	for i, w := range want {
		ev, err := d.Next()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if ev.Type != w {
			t.Errorf("frame %d: type=%s, want %s", i, ev.Type, w)
		}
	}

	if _, err := d.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestHubFanOut(t *testing.T) {
	hub, fs, attachCalls := newTestHub(16)
	ctx := context.Background()

	ch1, unsub1, err := hub.Subscribe(ctx, "inst-1")
	if err != nil {
		t.Fatalf("subscribe 1 failed: %v", err)
	}
	ch2, unsub2, err := hub.Subscribe(ctx, "inst-1")
	if err != nil {
		t.Fatalf("subscribe 2 failed: %v", err)
	}
	defer unsub1()
	defer unsub2()

	if got := attachCalls.Load(); got != 1 {
		t.Fatalf("attach called %d times, want 1 (shared attachment)", got)
	}

	fs.emit(t, 1, []byte("line"))

	for i, ch := range []<-chan Event{ch1, ch2} {
		ev := recvEvent(t, ch)
		if ev.Type != TypeStdout || string(ev.Data) != "line" {
			t.Errorf("subscriber %d got %s %q", i+1, ev.Type, ev.Data)
		}
	}
}

func TestHubSubscriberDisconnectKeepsAttachment(t *testing.T) {
	hub, fs, _ := newTestHub(16)
	ctx := context.Background()

	_, unsub1, err := hub.Subscribe(ctx, "inst-1")
	if err != nil {
		t.Fatalf("subscribe 1 failed: %v", err)
	}
	ch2, unsub2, err := hub.Subscribe(ctx, "inst-1")
	if err != nil {
		t.Fatalf("subscribe 2 failed: %v", err)
	}

	// 第一个订阅者断开：共享 attach 不受影响
	unsub1()

	if got := fs.closed.Load(); got != 0 {
		t.Fatalf("stream closed after non-final unsubscribe (closed=%d)", got)
	}

	fs.emit(t, 2, []byte("still flowing"))
	ev := recvEvent(t, ch2)
	if ev.Type != TypeStderr {
		t.Errorf("type=%s, want stderr", ev.Type)
	}

	// 最后一个订阅者离开：恰好释放一次
	unsub2()
	unsub2() // 幂等

	deadline := time.Now().Add(2 * time.Second)
	for fs.closed.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := fs.closed.Load(); got != 1 {
		t.Fatalf("stream closed %d times, want exactly 1", got)
	}
}

func TestHubSlowSubscriberDropped(t *testing.T) {
	hub, fs, _ := newTestHub(1)
	ctx := context.Background()

	slow, _, err := hub.Subscribe(ctx, "inst-1")
	if err != nil {
		t.Fatalf("subscribe slow failed: %v", err)
	}
	fast, unsubFast, err := hub.Subscribe(ctx, "inst-1")
	if err != nil {
		t.Fatalf("subscribe fast failed: %v", err)
	}
	defer unsubFast()

	// slow 不消费：缓冲 1，第二帧广播时必须被断开而不是阻塞读取
	for i := 0; i < 3; i++ {
		fs.emit(t, 1, []byte{byte('a' + i)})
		recvEvent(t, fast)
	}

	waitClosed(t, slow)

	if got := hub.SubscriberCount("inst-1"); got != 1 {
		t.Errorf("subscriber count=%d after drop, want 1", got)
	}
}

func TestHubStdinWrite(t *testing.T) {
	hub, fs, _ := newTestHub(16)
	ctx := context.Background()

	if err := hub.WriteStdin("inst-1", []byte("x")); err != ErrNotAttached {
		t.Fatalf("expected ErrNotAttached before subscribe, got %v", err)
	}

	_, unsub, err := hub.Subscribe(ctx, "inst-1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer unsub()

	if err := hub.WriteStdin("inst-1", []byte("ls -la\n")); err != nil {
		t.Fatalf("WriteStdin failed: %v", err)
	}

	fs.mu.Lock()
	got := fs.stdin.String()
	fs.mu.Unlock()
	if got != "ls -la\n" {
		t.Errorf("stdin=%q, want %q", got, "ls -la\n")
	}
}

func TestHubSubscribeDuringUpstreamFinishReattaches(t *testing.T) {
	fs1 := newFakeStream()
	fs2 := newFakeStream()
	var attachCalls atomic.Int32

	hub := NewHub(func(ctx context.Context, instanceID string) (runtime.AttachStream, error) {
		attachCalls.Add(1)
		return fs2, nil
	}, 16, testLogger())

	// 复现收尾窗口：读取侧已把旧 attachment 标记为 finished、
	// 关完了所有订阅者通道，但还没来得及把它从表里摘掉
	stale := &attachment{stream: fs1, subscribers: make(map[int]chan Event), finished: true}
	hub.mu.Lock()
	hub.attachments["inst-1"] = stale
	hub.mu.Unlock()

	// 此时订阅不能挂到死掉的 attachment 上（通道永远无人关闭、无人投递），
	// 必须换新的 attach 重来
	ch, unsub, err := hub.Subscribe(context.Background(), "inst-1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer unsub()

	if got := attachCalls.Load(); got != 1 {
		t.Fatalf("attach called %d times, want 1 (fresh attachment)", got)
	}
	if got := fs1.closed.Load(); got != 1 {
		t.Fatalf("stale stream closed %d times, want 1", got)
	}

	fs2.emit(t, 1, []byte("alive"))
	ev := recvEvent(t, ch)
	if ev.Type != TypeStdout || string(ev.Data) != "alive" {
		t.Errorf("got %s %q, want stdout \"alive\"", ev.Type, ev.Data)
	}
}

func TestHubUpstreamEOFClosesSubscribers(t *testing.T) {
	hub, fs, attachCalls := newTestHub(16)
	ctx := context.Background()

	ch, _, err := hub.Subscribe(ctx, "inst-1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	fs.emit(t, 1, []byte("bye"))
	recvEvent(t, ch)

	// 上游结束：订阅者通道关闭，attachment 摘除
	fs.pw.Close()
	waitClosed(t, ch)

	// 重新订阅会建立新的 attach
	fs2 := newFakeStream()
	hub.attach = func(ctx context.Context, instanceID string) (runtime.AttachStream, error) {
		attachCalls.Add(1)
		return fs2, nil
	}

	ch2, unsub2, err := hub.Subscribe(ctx, "inst-1")
	if err != nil {
		t.Fatalf("re-subscribe failed: %v", err)
	}
	defer unsub2()

	if got := attachCalls.Load(); got != 2 {
		t.Fatalf("attach called %d times, want 2", got)
	}

	fs2.emit(t, 1, []byte("again"))
	recvEvent(t, ch2)
}
