package meta

import (
	"sync"

	"github.com/freshet-io/freshet/pkg/rpc"
)

// Hub fans notifications out to subscribed workers: version deltas,
// barrier injections, actor builds and membership events.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[uint32]chan *rpc.Notification
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subscribers: make(map[uint32]chan *rpc.Notification)}
}

// Subscribe registers a worker's notification channel. A previous
// subscription of the same worker is replaced (reconnect).
func (h *Hub) Subscribe(workerID uint32) chan *rpc.Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.subscribers[workerID]; ok {
		close(old)
	}
	ch := make(chan *rpc.Notification, 256)
	h.subscribers[workerID] = ch
	return ch
}

// Unsubscribe drops a worker's subscription
func (h *Hub) Unsubscribe(workerID uint32, ch chan *rpc.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.subscribers[workerID]; ok && cur == ch {
		close(cur)
		delete(h.subscribers, workerID)
	}
}

// Broadcast delivers the notification to every subscriber. A full
// subscriber buffer means the worker is hopelessly behind; the message
// is dropped and the worker recovers from the next full-version sync.
func (h *Hub) Broadcast(n *rpc.Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- n:
		default:
		}
	}
}

// SendTo delivers to a single worker
func (h *Hub) SendTo(workerID uint32, n *rpc.Notification) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.subscribers[workerID]
	if !ok {
		return false
	}
	select {
	case ch <- n:
		return true
	default:
		return false
	}
}

// SubscriberIDs lists currently subscribed workers
func (h *Hub) SubscriberIDs() []uint32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]uint32, 0, len(h.subscribers))
	for id := range h.subscribers {
		out = append(out, id)
	}
	return out
}
