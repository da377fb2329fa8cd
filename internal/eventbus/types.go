package eventbus

import "time"

type EventType string

const (
	EventInstanceCreated   EventType = "instance.created"
	EventInstanceStarted   EventType = "instance.started"
	EventInstanceStopped   EventType = "instance.stopped"
	EventInstanceRestarted EventType = "instance.restarted"
	EventInstanceKilled    EventType = "instance.killed"
	EventInstanceFailed    EventType = "instance.failed"
	EventInstanceDeleted   EventType = "instance.deleted"
)

type Event struct {
	Type       EventType `json:"type"`
	InstanceID string    `json:"instance_id"`
	Payload    any       `json:"payload"`
	Timestamp  time.Time `json:"timestamp"`
}

func InstanceChannelKey(instanceID string) string {
	return "instance:" + instanceID + ":events"
}
