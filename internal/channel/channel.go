package channel

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/btouchard/cropcast/internal/notify"
)

// State is the connection lifecycle state of a Channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "invalid"
	}
}

// Status is an observable snapshot of the channel state. Attempt and
// NextDelay are meaningful only while reconnecting. Terminal is set on
// the Disconnected transition that follows exhausting all reconnect
// attempts, so listeners can surface a persistent failure instead of a
// transient one.
type Status struct {
	State     State
	Attempt   int
	NextDelay time.Duration
	Terminal  bool
}

// MessageHandler receives each decoded wire envelope.
type MessageHandler func(notify.Envelope)

// StateHandler is invoked on every state transition.
type StateHandler func(Status)

// Channel owns the single logical push connection of a session. It
// reconnects on unexpected drops with linear backoff (baseDelay *
// attempt), gives up after maxAttempts consecutive failures, and owns
// at most one pending reconnect timer at a time.
//
// One Channel exists per process; the composition root constructs it
// and passes it by reference.
type Channel struct {
	dialer      Dialer
	baseDelay   time.Duration
	maxAttempts int

	mu        sync.Mutex
	state     State
	attempt   int
	nextDelay time.Duration
	url       string
	conn      Conn
	timer     *time.Timer
	gen       uint64 // connection generation; stale read loops check it on exit
	onMessage MessageHandler
	onState   StateHandler
}

// New creates a disconnected Channel. Zero values select the defaults
// the hosted UI shipped with: 1s base delay, 5 attempts.
func New(dialer Dialer, baseDelay time.Duration, maxAttempts int) *Channel {
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Channel{
		dialer:      dialer,
		baseDelay:   baseDelay,
		maxAttempts: maxAttempts,
		state:       StateDisconnected,
	}
}

// OnMessage registers the handler invoked once per received message.
// Malformed frames are logged and dropped before the handler sees them.
func (c *Channel) OnMessage(fn MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// OnStateChange registers the handler invoked on every state transition.
func (c *Channel) OnStateChange(fn StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// Status returns the current state snapshot.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked(false)
}

// Connect opens the transport connection. Idempotent while already
// Connected or Connecting. Dial failures are not returned: they enter
// the same backoff path as a dropped connection, surfaced only as
// state transitions.
func (c *Channel) Connect(url string) {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return
	}
	c.url = url
	c.attempt = 0
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	st := c.setLocked(StateConnecting, false)
	c.mu.Unlock()

	c.emitState(st)
	c.dial()
}

// Send marshals v to JSON and transmits it when Connected. Otherwise it
// logs a warning and returns: the caller must not be made to retry
// synchronously, delivery is best effort.
func (c *Channel) Send(v any) {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		slog.Warn("channel not connected, message dropped")
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("failed to encode outgoing message", "error", err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		// The read loop notices the broken connection and reconnects.
		slog.Warn("failed to write message", "error", err)
	}
}

// Disconnect closes the connection, cancels any pending reconnect timer
// before returning, and leaves the channel Disconnected until Connect
// is called again.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	c.gen++
	already := c.state == StateDisconnected
	st := c.setLocked(StateDisconnected, false)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if !already {
		c.emitState(st)
	}
}

// dial attempts one connection and starts the read loop on success.
func (c *Channel) dial() {
	c.mu.Lock()
	url := c.url
	c.mu.Unlock()

	conn, err := c.dialer.Dial(url)
	if err != nil {
		slog.Warn("dial failed", "url", url, "error", err)
		c.handleDrop()
		return
	}

	c.mu.Lock()
	if c.state == StateDisconnected {
		// Disconnect raced the dial; drop the fresh connection.
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.attempt = 0
	c.nextDelay = 0
	c.gen++
	gen := c.gen
	st := c.setLocked(StateConnected, false)
	c.mu.Unlock()

	slog.Info("channel connected", "url", url)
	c.emitState(st)
	go c.readLoop(conn, gen)
}

// handleDrop schedules the next reconnect attempt, or gives up once the
// attempt budget is spent. Scheduling always cancels any outstanding
// timer first so concurrent triggers cannot stack timers.
func (c *Channel) handleDrop() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.conn = nil

	if c.attempt >= c.maxAttempts {
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		st := c.setLocked(StateDisconnected, true)
		c.mu.Unlock()

		slog.Error("giving up after max reconnect attempts", "attempts", c.maxAttempts)
		c.emitState(st)
		return
	}

	c.attempt++
	c.nextDelay = c.baseDelay * time.Duration(c.attempt)
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.nextDelay, c.redial)
	st := c.setLocked(StateReconnecting, false)
	c.mu.Unlock()

	slog.Info("reconnecting",
		"attempt", st.Attempt,
		"max_attempts", c.maxAttempts,
		"delay", st.NextDelay)
	c.emitState(st)
}

// redial runs when the reconnect timer fires.
func (c *Channel) redial() {
	c.mu.Lock()
	if c.state != StateReconnecting {
		// Disconnected (or connected by a concurrent Connect) meanwhile.
		c.mu.Unlock()
		return
	}
	c.timer = nil
	st := c.setLocked(StateConnecting, false)
	c.mu.Unlock()

	c.emitState(st)
	c.dial()
}

// readLoop receives frames until the connection breaks. Malformed JSON
// is logged and dropped, never propagated to the handler.
func (c *Channel) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stale := gen != c.gen || c.state == StateDisconnected
			c.mu.Unlock()
			if stale {
				return
			}
			slog.Warn("connection dropped", "error", err)
			c.handleDrop()
			return
		}

		var env notify.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("dropping malformed message", "error", err)
			continue
		}
		if env.Payload == nil {
			env.Payload = map[string]any{}
		}

		c.mu.Lock()
		handler := c.onMessage
		c.mu.Unlock()
		if handler != nil {
			handler(env)
		}
	}
}

// setLocked transitions the state and returns the resulting snapshot.
// Caller holds c.mu.
func (c *Channel) setLocked(s State, terminal bool) Status {
	c.state = s
	return c.statusLocked(terminal)
}

func (c *Channel) statusLocked(terminal bool) Status {
	st := Status{State: c.state, Terminal: terminal}
	if c.state == StateReconnecting {
		st.Attempt = c.attempt
		st.NextDelay = c.nextDelay
	}
	return st
}

// emitState invokes the state handler outside the lock.
func (c *Channel) emitState(st Status) {
	c.mu.Lock()
	handler := c.onState
	c.mu.Unlock()
	if handler != nil {
		handler(st)
	}
}
