package api

import (
	"encoding/base64"
	"net/http"
	"path"

	"fleet/internal/controller"
	"fleet/internal/upload"

	"github.com/gin-gonic/gin"
)

type UploadHandler struct {
	uploads *upload.Manager
	ctrl    *controller.Controller
}

func NewUploadHandler(uploads *upload.Manager, ctrl *controller.Controller) *UploadHandler {
	return &UploadHandler{uploads: uploads, ctrl: ctrl}
}

// UploadChunk POST /api/v1/instances/:id/upload
// 接收一个分块。分块可乱序、可重发；凑齐全部下标后装配完整文件
// 并写入容器文件系统，随后释放会话资源。
func (h *UploadHandler) UploadChunk(c *gin.Context) {
	id := c.Param("id")

	var req UploadChunkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.ChunkData)
	if err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, "chunk_data must be base64")
		return
	}

	// 实例必须存在，上传会话挂在实例 ID 上
	if _, err := h.ctrl.Get(c.Request.Context(), id); err != nil {
		respondError(c, mapError(err), err)
		return
	}

	sess, err := h.uploads.StoreChunk(c.Request.Context(), id, upload.Payload{
		FileName:    req.FileName,
		FileSize:    req.FileSize,
		TotalChunks: req.TotalChunks,
		ChunkIndex:  req.ChunkIndex,
		Data:        data,
	})
	if err != nil {
		respondError(c, mapError(err), err)
		return
	}

	resp := UploadChunkResponse{
		InstanceID:     id,
		FileName:       sess.FileName,
		ReceivedChunks: sess.ReceivedChunks,
		TotalChunks:    sess.TotalChunks,
		BytesReceived:  sess.BytesReceived,
	}

	complete, err := h.uploads.IsComplete(c.Request.Context(), id, req.FileName, req.TotalChunks)
	if err != nil {
		respondError(c, mapError(err), err)
		return
	}
	if !complete {
		c.JSON(http.StatusAccepted, resp)
		return
	}

	content, err := h.uploads.Assemble(c.Request.Context(), id, req.FileName, req.TotalChunks)
	if err != nil {
		respondError(c, mapError(err), err)
		return
	}

	destPath := req.DestPath
	if destPath == "" {
		destPath = path.Join("/workspace", req.FileName)
	}

	if err := h.ctrl.PushFile(c.Request.Context(), id, destPath, content); err != nil {
		// 文件留在会话里，客户端可以重发最后一个分块重新触发装配
		respondError(c, mapError(err), err)
		return
	}

	if err := h.uploads.RemoveSession(c.Request.Context(), id, req.FileName); err != nil {
		respondError(c, mapError(err), err)
		return
	}

	resp.Completed = true
	resp.DestPath = destPath
	c.JSON(http.StatusOK, resp)
}

// GetUploadSession GET /api/v1/instances/:id/upload?file_name=...
// 查询进行中的上传会话，断点续传前探测缺了哪些量。
func (h *UploadHandler) GetUploadSession(c *gin.Context) {
	id := c.Param("id")
	fileName := c.Query("file_name")

	if fileName == "" {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, "file_name query parameter required")
		return
	}

	sess, err := h.uploads.GetSession(c.Request.Context(), id, fileName)
	if err != nil {
		respondError(c, mapError(err), err)
		return
	}

	c.JSON(http.StatusOK, UploadChunkResponse{
		InstanceID:     id,
		FileName:       sess.FileName,
		ReceivedChunks: sess.ReceivedChunks,
		TotalChunks:    sess.TotalChunks,
		BytesReceived:  sess.BytesReceived,
	})
}
