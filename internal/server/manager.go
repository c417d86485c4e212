package server

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/btouchard/cropcast/internal/notify"
)

const (
	// writeWait bounds a single frame write to a peer.
	writeWait = 10 * time.Second

	// pongWait is how long a peer may stay silent before the read
	// loop gives up; pings go out at pingPeriod to keep it alive.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendQueueSize buffers bursts per client. A client that cannot
	// drain its queue is dropped rather than blocking broadcasts.
	sendQueueSize = 64
)

// client is one connected viewer. Address and role come from the
// connection query string and may be empty.
type client struct {
	id      string
	address string
	role    string

	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// close shuts the send queue exactly once; the write pump then closes
// the underlying connection.
func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// enqueue hands a frame to the client without blocking. Returns false
// when the queue is full or already closed.
func (c *client) enqueue(data []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// writePump serializes all writes to the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames and notices disconnects.
func (c *client) readPump(onClose func()) {
	defer onClose()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Manager tracks active connections by viewer address and by role and
// routes envelopes to them. It is the server-side peer of the client
// channel: per-address delivery for two-party events, role broadcasts
// for informational side notifications.
type Manager struct {
	mu        sync.RWMutex
	clients   map[*client]struct{}
	byAddress map[string]map[*client]struct{}
	byRole    map[string]map[*client]struct{}
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		clients:   make(map[*client]struct{}),
		byAddress: make(map[string]map[*client]struct{}),
		byRole:    make(map[string]map[*client]struct{}),
	}
}

func (m *Manager) add(c *client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clients[c] = struct{}{}
	if c.address != "" {
		if m.byAddress[c.address] == nil {
			m.byAddress[c.address] = make(map[*client]struct{})
		}
		m.byAddress[c.address][c] = struct{}{}
	}
	if c.role != "" {
		if m.byRole[c.role] == nil {
			m.byRole[c.role] = make(map[*client]struct{})
		}
		m.byRole[c.role][c] = struct{}{}
	}
}

func (m *Manager) remove(c *client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.clients, c)
	if set := m.byAddress[c.address]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(m.byAddress, c.address)
		}
	}
	if set := m.byRole[c.role]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(m.byRole, c.role)
		}
	}
}

// SendToAddress delivers the envelope to every connection of one viewer.
func (m *Manager) SendToAddress(address string, env notify.Envelope) {
	if address == "" {
		return
	}
	m.mu.RLock()
	targets := collect(m.byAddress[address])
	m.mu.RUnlock()
	m.deliver(targets, env)
}

// BroadcastToRole delivers the envelope to every connection with the role.
func (m *Manager) BroadcastToRole(role string, env notify.Envelope) {
	m.mu.RLock()
	targets := collect(m.byRole[role])
	m.mu.RUnlock()
	m.deliver(targets, env)
}

// BroadcastToAll delivers the envelope to every connection.
func (m *Manager) BroadcastToAll(env notify.Envelope) {
	m.mu.RLock()
	targets := collect(m.clients)
	m.mu.RUnlock()
	m.deliver(targets, env)
}

func (m *Manager) deliver(targets []*client, env notify.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("failed to encode envelope", "type", env.Type, "error", err)
		return
	}
	for _, c := range targets {
		if !c.enqueue(data) {
			slog.Warn("dropping slow client", "client_id", c.id, "address", c.address)
			m.remove(c)
			c.close()
		}
	}
}

func collect(set map[*client]struct{}) []*client {
	out := make([]*client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// Stats describes the current connection population.
type Stats struct {
	TotalConnections  int            `json:"total_connections"`
	ConnectionsByRole map[string]int `json:"connections_by_role"`
	ActiveAddresses   []string       `json:"active_addresses"`
}

// Stats returns a snapshot of connection counts.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byRole := make(map[string]int, len(m.byRole))
	for role, set := range m.byRole {
		byRole[role] = len(set)
	}
	addresses := make([]string, 0, len(m.byAddress))
	for address := range m.byAddress {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)

	return Stats{
		TotalConnections:  len(m.clients),
		ConnectionsByRole: byRole,
		ActiveAddresses:   addresses,
	}
}
