package stream

type StreamType string

const (
	TypeStdout StreamType = "stdout"
	TypeStderr StreamType = "stderr"
	TypeStdin  StreamType = "stdin"
)

// Event 从 Runtime 复用字节流解出的单帧
type Event struct {
	Type StreamType `json:"type"`
	Data []byte     `json:"data"`
}
