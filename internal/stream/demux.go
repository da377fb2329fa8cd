package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Runtime attach 流的帧格式：[stream_type:1][reserved:3][size:4 BE][payload:size]。
// stream_type 1/2 对应 stdout/stderr，其余按 stdin 回显处理。
const (
	frameHeaderLen = 8

	// 单帧载荷上限，超出视为流损坏
	maxFramePayload = 16 * 1024 * 1024
)

var ErrFrameTooLarge = errors.New("frame payload exceeds limit")

// Demuxer 把复用字节流切成带类型的完整帧。
// io.ReadFull 天然处理跨读取边界的半帧：凑不齐一整帧就不产出事件。
type Demuxer struct {
	r      io.Reader
	header [frameHeaderLen]byte
}

func NewDemuxer(r io.Reader) *Demuxer {
	return &Demuxer{r: r}
}

// Next 阻塞读取下一个完整帧。上游流结束返回 io.EOF。
func (d *Demuxer) Next() (Event, error) {
	if _, err := io.ReadFull(d.r, d.header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Event{}, io.EOF
		}
		return Event{}, err
	}

	size := binary.BigEndian.Uint32(d.header[4:frameHeaderLen])
	if size > maxFramePayload {
		return Event{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Event{}, io.EOF
		}
		return Event{}, err
	}

	var t StreamType
	switch d.header[0] {
	case 1:
		t = TypeStdout
	case 2:
		t = TypeStderr
	default:
		t = TypeStdin
	}

	return Event{Type: t, Data: payload}, nil
}
