package events

import "sync"

// Hub 按用户 id 把状态事件扇出给进程内订阅者。
// websocket 处理器在这里订阅实时更新。
type Hub struct {
	mu   sync.RWMutex
	subs map[uint]map[chan StatusEvent]struct{}
}

// NewHub 创建空的 hub。
func NewHub() *Hub {
	return &Hub{subs: make(map[uint]map[chan StatusEvent]struct{})}
}

// Subscribe 为某个用户注册事件监听。监听方退出时必须调用
// 返回的 cancel 函数。
func (h *Hub) Subscribe(userID uint) (<-chan StatusEvent, func()) {
	ch := make(chan StatusEvent, 16)

	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[chan StatusEvent]struct{})
	}
	h.subs[userID][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[userID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, userID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Broadcast 把事件投递给该用户的全部订阅者。慢订阅者直接跳过，
// 不做阻塞等待。
func (h *Hub) Broadcast(ev StatusEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[ev.UserID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
