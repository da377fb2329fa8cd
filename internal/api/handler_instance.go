package api

import (
	"context"
	"net/http"
	"strconv"

	"fleet/internal/controller"
	"fleet/internal/instance"

	"github.com/gin-gonic/gin"
)

type InstanceHandler struct {
	ctrl *controller.Controller
}

func NewInstanceHandler(ctrl *controller.Controller) *InstanceHandler {
	return &InstanceHandler{ctrl: ctrl}
}

func toInstanceResponse(inst *instance.Instance) InstanceResponse {
	return InstanceResponse{
		ID:                inst.ID,
		TenantID:          inst.TenantID,
		NodeID:            inst.NodeID,
		ContainerID:       inst.ContainerID,
		Image:             inst.Image,
		DesiredState:      string(inst.DesiredState),
		ObservedState:     string(inst.ObservedState),
		CPULimit:          inst.CPULimit,
		MemoryLimitMB:     inst.MemoryLimitMB,
		FailureCount:      inst.FailureCount,
		LastHealthCheckAt: formatTime(inst.LastHealthCheckAt),
		CreatedAt:         formatTime(inst.CreatedAt),
	}
}

func (h *InstanceHandler) CreateInstance(c *gin.Context) {
	var req CreateInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}

	inst, err := h.ctrl.Create(c.Request.Context(), instance.Spec{
		TenantID:      req.TenantID,
		Image:         req.Image,
		EnvVars:       req.EnvVars,
		CPULimit:      req.CPULimit,
		MemoryLimitMB: req.MemoryLimitMB,
	})
	if err != nil {
		respondError(c, mapError(err), err)
		return
	}

	c.JSON(http.StatusCreated, toInstanceResponse(inst))
}

func (h *InstanceHandler) GetInstance(c *gin.Context) {
	inst, err := h.ctrl.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, mapError(err), err)
		return
	}

	c.JSON(http.StatusOK, toInstanceResponse(inst))
}

func (h *InstanceHandler) ListInstances(c *gin.Context) {
	instances, err := h.ctrl.List(c.Request.Context())
	if err != nil {
		respondError(c, mapError(err), err)
		return
	}

	resp := make([]InstanceResponse, 0, len(instances))
	for _, inst := range instances {
		resp = append(resp, toInstanceResponse(inst))
	}
	c.JSON(http.StatusOK, InstanceListResponse{Instances: resp})
}

func (h *InstanceHandler) StartInstance(c *gin.Context) {
	h.lifecycle(c, "started", h.ctrl.Start)
}

func (h *InstanceHandler) StopInstance(c *gin.Context) {
	h.lifecycle(c, "stopped", h.ctrl.Stop)
}

func (h *InstanceHandler) RestartInstance(c *gin.Context) {
	h.lifecycle(c, "restarted", h.ctrl.Restart)
}

func (h *InstanceHandler) KillInstance(c *gin.Context) {
	h.lifecycle(c, "killed", h.ctrl.Kill)
}

func (h *InstanceHandler) lifecycle(c *gin.Context, verb string, op func(ctx context.Context, id string) error) {
	id := c.Param("id")

	if err := op(c.Request.Context(), id); err != nil {
		respondError(c, mapError(err), err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      verb,
		"instance_id": id,
	})
}

// DeleteInstance 终态实例直接删，非终态要求 ?force=true。
// 容器拆除在后台任务中进行，这里只确认入队。
func (h *InstanceHandler) DeleteInstance(c *gin.Context) {
	id := c.Param("id")
	force, _ := strconv.ParseBool(c.DefaultQuery("force", "false"))

	if err := h.ctrl.Delete(c.Request.Context(), id, force); err != nil {
		respondError(c, mapError(err), err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":      "terminating",
		"instance_id": id,
	})
}

func (h *InstanceHandler) GetLogs(c *gin.Context) {
	id := c.Param("id")
	tail, err := strconv.Atoi(c.DefaultQuery("tail", "100"))
	if err != nil || tail < 0 {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, "tail must be a non-negative integer")
		return
	}

	result, err := h.ctrl.Logs(c.Request.Context(), id, tail)
	if err != nil {
		respondError(c, mapError(err), err)
		return
	}

	c.JSON(http.StatusOK, LogsResponse{
		InstanceID: id,
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
	})
}
