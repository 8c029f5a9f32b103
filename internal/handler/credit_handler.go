package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"taxflow-go/internal/middleware"
	"taxflow-go/internal/service"
	"taxflow-go/pkg/log"
)

// CreditHandler 提供面向调用方的积分接口。
type CreditHandler struct {
	creditService service.CreditService
}

// NewCreditHandler 创建一个新的 CreditHandler。
func NewCreditHandler(creditService service.CreditService) *CreditHandler {
	return &CreditHandler{creditService: creditService}
}

// Balance 返回调用方当前的积分余额。
func (h *CreditHandler) Balance(c *gin.Context) {
	balance, err := h.creditService.Balance(c.Request.Context(), middleware.CallerID(c))
	if err != nil {
		log.Error("Balance: failed to load balance", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// History 返回调用方的流水记录，最新的在前。
func (h *CreditHandler) History(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	entries, err := h.creditService.History(c.Request.Context(), middleware.CallerID(c), limit)
	if err != nil {
		log.Error("History: failed to load ledger history", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": entries})
}
