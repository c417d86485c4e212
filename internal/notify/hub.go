package notify

import (
	"log/slog"
	"sync"
)

// historyLimit caps hub history. Eviction is FIFO: relevance is recency
// of occurrence, not recency of access.
const historyLimit = 50

// Consumer receives every published notification. Well-behaved consumers
// should not panic; the Hub isolates them regardless.
type Consumer func(Notification)

// Hub is the single source of truth for notification state: bounded
// newest-first history, an unread counter, and a registry of consumer
// callbacks. It has no timers and no background activity; producers
// push into it, UI surfaces read from it.
type Hub struct {
	mu            sync.Mutex
	notifications []Notification // newest first
	unread        int

	order     []string // consumer IDs in registration order
	consumers map[string]Consumer
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		consumers: make(map[string]Consumer),
	}
}

// Publish inserts the notification at the head of history, evicting the
// oldest entries beyond the cap, then invokes every registered consumer
// in registration order. A panicking consumer does not prevent the
// remaining consumers from running. Publish never blocks on volume.
func (h *Hub) Publish(n Notification) {
	n.Read = false

	h.mu.Lock()
	h.notifications = append([]Notification{n}, h.notifications...)
	h.unread++
	for len(h.notifications) > historyLimit {
		evicted := h.notifications[len(h.notifications)-1]
		h.notifications = h.notifications[:len(h.notifications)-1]
		if !evicted.Read {
			h.unread--
		}
	}

	callbacks := make([]Consumer, 0, len(h.order))
	ids := make([]string, 0, len(h.order))
	for _, id := range h.order {
		callbacks = append(callbacks, h.consumers[id])
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for i, cb := range callbacks {
		h.invoke(ids[i], cb, n)
	}
}

// invoke runs one consumer callback, recovering panics so one failing
// consumer cannot abort the fan-out.
func (h *Hub) invoke(id string, cb Consumer, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("notification consumer panicked",
				"consumer_id", id,
				"notification_id", n.ID,
				"panic", r)
		}
	}()
	cb(n)
}

// Subscribe registers a consumer callback under the given ID.
// Re-registering an existing ID replaces the callback but keeps its
// original position in delivery order; UI surfaces re-subscribe on
// remount and expect that to be cheap and non-fatal.
func (h *Hub) Subscribe(id string, cb Consumer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.consumers[id]; !exists {
		h.order = append(h.order, id)
	}
	h.consumers[id] = cb
}

// Unsubscribe removes the consumer with the given ID. Unknown IDs are a no-op.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.consumers[id]; !exists {
		return
	}
	delete(h.consumers, id)
	for i, existing := range h.order {
		if existing == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// MarkRead marks one notification read and decrements the unread count.
// Calling it on an already-read or absent ID is a no-op, not an error:
// entries age out of the cap while the UI still holds their IDs.
func (h *Hub) MarkRead(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.notifications {
		if h.notifications[i].ID == id {
			if !h.notifications[i].Read {
				h.notifications[i].Read = true
				h.unread--
			}
			return
		}
	}
}

// MarkAllRead marks every notification read and zeroes the unread count.
func (h *Hub) MarkAllRead() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.notifications {
		h.notifications[i].Read = true
	}
	h.unread = 0
}

// Clear empties the history and zeroes the unread count.
func (h *Hub) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.notifications = nil
	h.unread = 0
}

// UnreadCount returns the maintained unread counter. It is kept
// consistent by construction on publish/read/clear, never recomputed
// by scanning in production paths.
func (h *Hub) UnreadCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unread
}

// Len returns the number of retained notifications.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.notifications)
}

// Notifications returns a copy of the history, newest first.
func (h *Hub) Notifications() []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Notification, len(h.notifications))
	copy(out, h.notifications)
	return out
}

// UnreadScan recounts unread entries by scanning the history. It exists
// as an invariant check against the maintained counter; production code
// should use UnreadCount.
func (h *Hub) UnreadScan() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	count := 0
	for i := range h.notifications {
		if !h.notifications[i].Read {
			count++
		}
	}
	return count
}
