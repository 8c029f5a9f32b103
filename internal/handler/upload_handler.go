// Package handler 包含 HTTP 控制器。所有不变量都在服务层，
// 控制器只做 HTTP 与服务调用之间的转换。
package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"taxflow-go/internal/middleware"
	"taxflow-go/internal/repository"
	"taxflow-go/internal/service"
	"taxflow-go/pkg/events"
	"taxflow-go/pkg/log"
)

// UploadHandler 提供上传生命周期相关的接口。
type UploadHandler struct {
	uploadService  service.UploadService
	monitorService service.MonitorService
	rdb            *redis.Client
}

// NewUploadHandler 创建一个新的 UploadHandler。rdb 可以为 nil，
// 此时状态接口总是读数据库。
func NewUploadHandler(uploadService service.UploadService, monitorService service.MonitorService, rdb *redis.Client) *UploadHandler {
	return &UploadHandler{uploadService: uploadService, monitorService: monitorService, rdb: rdb}
}

// Submit 接收 multipart 的 CSV 上传并将处理入队。
func (h *UploadHandler) Submit(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing uploaded file"})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to open uploaded file"})
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read uploaded file"})
		return
	}

	upload, err := h.uploadService.Submit(c.Request.Context(), middleware.CallerID(c), fileHeader.Filename, content)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidFileType),
			errors.Is(err, service.ErrEmptyUpload),
			errors.Is(err, service.ErrFileTooLarge):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrInsufficientCredits):
			c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error()})
		default:
			log.Error("Submit: failed to accept upload", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}
		return
	}

	c.JSON(http.StatusAccepted, upload)
}

// List 返回调用方的上传列表，最新的在前。
func (h *UploadHandler) List(c *gin.Context) {
	uploads, err := h.uploadService.List(c.Request.Context(), middleware.CallerID(c))
	if err != nil {
		log.Error("List: failed to list uploads", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"uploads": uploads})
}

// Get 返回单条上传记录。
func (h *UploadHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	upload, err := h.uploadService.Get(c.Request.Context(), id, middleware.CallerID(c), middleware.CallerIsAdmin(c))
	if errors.Is(err, repository.ErrUploadNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
		return
	}
	if err != nil {
		log.Error("Get: failed to load upload", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, upload)
}

// Download 返回转换结果的可下载地址。
func (h *UploadHandler) Download(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	url, err := h.uploadService.DownloadURL(c.Request.Context(), id, middleware.CallerID(c), middleware.CallerIsAdmin(c))
	if errors.Is(err, repository.ErrUploadNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

// Retry 把失败的上传重新入队。
func (h *UploadHandler) Retry(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	err := h.uploadService.Retry(c.Request.Context(), id, middleware.CallerID(c), middleware.CallerIsAdmin(c))
	switch {
	case errors.Is(err, repository.ErrUploadNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
	case errors.Is(err, service.ErrNotRetryable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		log.Error("Retry: failed to requeue upload", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	default:
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	}
}

// Delete 删除上传记录及其文件。
func (h *UploadHandler) Delete(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	err := h.uploadService.Delete(c.Request.Context(), id, middleware.CallerID(c), middleware.CallerIsAdmin(c))
	if errors.Is(err, repository.ErrUploadNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
		return
	}
	if err != nil {
		log.Error("Delete: failed to delete upload", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// Logs 返回某个上传已持久化的任务日志。
func (h *UploadHandler) Logs(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	// 暴露日志之前先做归属校验。
	if _, err := h.uploadService.Get(c.Request.Context(), id, middleware.CallerID(c), middleware.CallerIsAdmin(c)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
		return
	}

	logs, err := h.monitorService.Logs(c.Request.Context(), id, 100)
	if err != nil {
		log.Error("Logs: failed to load job logs", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// Status 回答轮询端某个上传的最新状态，缓存未过期时
// 直接取 Redis。
func (h *UploadHandler) Status(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	callerID := middleware.CallerID(c)
	isAdmin := middleware.CallerIsAdmin(c)

	ev, err := events.LatestStatus(c.Request.Context(), h.rdb, id)
	if err != nil {
		log.Warnf("Status: cache read failed for upload %d: %v", id, err)
	}
	if ev != nil && (isAdmin || ev.UserID == callerID) {
		c.JSON(http.StatusOK, gin.H{"upload_id": ev.UploadID, "status": ev.Status, "updated_at": ev.Timestamp})
		return
	}

	upload, err := h.uploadService.Get(c.Request.Context(), id, callerID, isAdmin)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"upload_id": upload.ID, "status": upload.Status, "updated_at": upload.UpdatedAt})
}

// Metrics 返回调用方最近的逐任务处理指标。
func (h *UploadHandler) Metrics(c *gin.Context) {
	metrics, err := h.monitorService.UserMetrics(c.Request.Context(), middleware.CallerID(c), 50)
	if err != nil {
		log.Error("Metrics: failed to load upload metrics", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"metrics": metrics})
}

// pathID 解析 :id 路径参数，非法输入回 400。
func pathID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid upload id"})
		return 0, false
	}
	return uint(id), true
}
