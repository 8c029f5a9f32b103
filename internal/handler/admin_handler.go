package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"taxflow-go/internal/repository"
	"taxflow-go/internal/service"
	"taxflow-go/pkg/log"
)

// AdminHandler 提供仅限管理员的接口：积分发放和流水线监控。
type AdminHandler struct {
	creditService  service.CreditService
	monitorService service.MonitorService
}

// NewAdminHandler 创建一个新的 AdminHandler。
func NewAdminHandler(creditService service.CreditService, monitorService service.MonitorService) *AdminHandler {
	return &AdminHandler{creditService: creditService, monitorService: monitorService}
}

// AllocateRequest 是积分发放接口的请求体。
type AllocateRequest struct {
	UserID      uint   `json:"userId" binding:"required"`
	Amount      int64  `json:"amount" binding:"required"`
	Description string `json:"description"`
}

// Allocate 给用户发放积分。
func (h *AdminHandler) Allocate(c *gin.Context) {
	var req AllocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	if req.Description == "" {
		req.Description = "Manual credit allocation"
	}

	err := h.creditService.AllocateCredits(c.Request.Context(), req.UserID, req.Amount, req.Description, nil)
	switch {
	case errors.Is(err, service.ErrNonPositiveAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, repository.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
	case err != nil:
		log.Error("Allocate: failed to allocate credits", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "allocated"})
	}
}

// Stats 返回聚合后的流水线统计。
func (h *AdminHandler) Stats(c *gin.Context) {
	stats, err := h.monitorService.Stats(c.Request.Context())
	if err != nil {
		log.Error("Stats: failed to aggregate job stats", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// SearchLogs 对已索引的任务日志做全文检索。
func (h *AdminHandler) SearchLogs(c *gin.Context) {
	query := c.Query("q")
	level := c.Query("level")
	size, _ := strconv.Atoi(c.DefaultQuery("size", "50"))

	docs, err := h.monitorService.SearchLogs(c.Request.Context(), query, level, size)
	if err != nil {
		log.Error("SearchLogs: log search failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "log search failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": docs})
}
