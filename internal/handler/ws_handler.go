package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"taxflow-go/internal/middleware"
	"taxflow-go/pkg/events"
	"taxflow-go/pkg/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StatusStreamHandler 通过 websocket 把上传状态事件实时推送给
// 其归属用户。
type StatusStreamHandler struct {
	hub *events.Hub
}

// NewStatusStreamHandler 创建一个新的 StatusStreamHandler。
func NewStatusStreamHandler(hub *events.Hub) *StatusStreamHandler {
	return &StatusStreamHandler{hub: hub}
}

// Stream 升级连接并转发调用方的状态事件，直到任意一侧关闭。
func (h *StatusStreamHandler) Stream(c *gin.Context) {
	userID := middleware.CallerID(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("websocket upgrade failed", err)
		return
	}
	defer conn.Close()

	ch, cancel := h.hub.Subscribe(userID)
	defer cancel()

	// 持续读空客户端一侧，保证关闭帧被处理。
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.Infow("status stream opened", "userId", userID)
	for {
		select {
		case <-done:
			log.Infow("status stream closed by client", "userId", userID)
			return
		case ev := <-ch:
			if err := conn.WriteJSON(ev); err != nil {
				log.Warnw("status stream write failed", "userId", userID, "error", err)
				return
			}
		}
	}
}
