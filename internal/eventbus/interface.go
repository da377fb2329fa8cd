package eventbus

import "context"

type EventBus interface {
	Publish(ctx context.Context, instanceID string, event Event) error
	Subscribe(ctx context.Context, instanceID string) (<-chan Event, error)
}
