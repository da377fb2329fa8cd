package runtime

import "errors"

var (
	ErrContainerNotFound = errors.New("container not found")

	ErrCreateFailed = errors.New("failed to create container")

	ErrImagePullFailed = errors.New("failed to pull image")

	ErrNodeUnavailable = errors.New("node runtime is unavailable")

	ErrUnknownNode = errors.New("unknown node")
)
