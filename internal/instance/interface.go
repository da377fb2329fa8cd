package instance

import "context"

type Repository interface {
	Create(ctx context.Context, inst *Instance) error
	GetByID(ctx context.Context, id string) (*Instance, error)
	ListByNode(ctx context.Context, nodeID string) ([]*Instance, error)
	ListAll(ctx context.Context) ([]*Instance, error)
	UpdateStates(ctx context.Context, id string, desired DesiredState, observed ObservedState) error
	UpdateContainerID(ctx context.Context, id string, containerID string) error
	UpdateHealth(ctx context.Context, id string, failureCount int) error
	Delete(ctx context.Context, id string) error
}
