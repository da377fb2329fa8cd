package upload

import "errors"

var (
	ErrValidation = errors.New("invalid chunk payload")

	ErrChunkTooLarge = errors.New("chunk exceeds size limit")

	ErrSessionNotFound = errors.New("upload session not found")

	ErrStaleSession = errors.New("upload session expired")

	ErrAssembly = errors.New("missing chunk at assembly")
)
