package api

import (
	"errors"
	"net/http"

	"fleet/internal/controller"
	"fleet/internal/instance"
	"fleet/internal/runtime"
	"fleet/internal/scheduler"
	"fleet/internal/stream"
	"fleet/internal/upload"

	"github.com/gin-gonic/gin"
)

var ErrInvalidRequest = errors.New("invalid request")

func respondError(c *gin.Context, code int, err error) {
	c.JSON(code, ErrorResponse{
		Error: err.Error(),
		Code:  code,
	})
}

func respondErrorWithDetails(c *gin.Context, code int, err error, details string) {
	c.JSON(code, ErrorResponse{
		Error:   err.Error(),
		Code:    code,
		Details: details,
	})
}

// mapError 哨兵错误到 HTTP 状态码。Runtime 是下游协作者，
// 它的失败是 502 而不是 500。
func mapError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, instance.ErrInvalidSpec),
		errors.Is(err, upload.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, instance.ErrNotFound),
		errors.Is(err, upload.ErrSessionNotFound),
		errors.Is(err, runtime.ErrContainerNotFound),
		errors.Is(err, runtime.ErrUnknownNode),
		errors.Is(err, stream.ErrNotAttached):
		return http.StatusNotFound
	case errors.Is(err, instance.ErrNotTerminal),
		errors.Is(err, scheduler.ErrCapacityExceeded):
		return http.StatusConflict
	case errors.Is(err, upload.ErrStaleSession):
		return http.StatusGone
	case errors.Is(err, upload.ErrChunkTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, instance.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, runtime.ErrNodeUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, controller.ErrRuntime):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
