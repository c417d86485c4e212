package channel

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/cropcast/internal/notify"
)

// fakeConn is a scriptable transport connection. Frames pushed with
// push are returned from ReadMessage; fail or Close break the read.
type fakeConn struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
}

func (f *fakeConn) push(frame string) { f.frames <- []byte(frame) }

func (f *fakeConn) fail() { f.once.Do(func() { close(f.done) }) }

func (f *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.frames:
		return data, nil
	case <-f.done:
		return nil, errors.New("connection reset")
	}
}

func (f *fakeConn) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.fail()
	return nil
}

func (f *fakeConn) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

// fakeDialer fails the first failures dials, then hands out fakeConns.
type fakeDialer struct {
	mu       sync.Mutex
	failures int
	dials    int
	conns    []*fakeConn
}

func (d *fakeDialer) Dial(string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.failures {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

// stateRecorder collects state transitions.
type stateRecorder struct {
	mu     sync.Mutex
	states []Status
}

func (r *stateRecorder) record(st Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st)
}

func (r *stateRecorder) all() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.states))
	copy(out, r.states)
	return out
}

func (r *stateRecorder) last() (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return Status{}, false
	}
	return r.states[len(r.states)-1], true
}

func waitForState(t *testing.T, c *Channel, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.Status().State == want
	}, 5*time.Second, time.Millisecond)
}

func TestChannel_ConnectSuccess(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	c := New(d, time.Millisecond, 5)

	c.Connect("ws://example.test/ws")
	waitForState(t, c, StateConnected)

	assert.Equal(t, 1, d.dialCount())
}

func TestChannel_ConnectIsIdempotentWhenConnected(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	c := New(d, time.Millisecond, 5)

	c.Connect("ws://example.test/ws")
	waitForState(t, c, StateConnected)
	c.Connect("ws://example.test/ws")

	assert.Equal(t, 1, d.dialCount())
}

func TestChannel_DeliversDecodedMessages(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	c := New(d, time.Millisecond, 5)

	var mu sync.Mutex
	var got []notify.Envelope
	c.OnMessage(func(env notify.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, env)
	})

	c.Connect("ws://example.test/ws")
	waitForState(t, c, StateConnected)

	conn := d.conn(0)
	require.NotNil(t, conn)
	conn.push(`{"type":"system_message","payload":{"message":"hello","level":"info"}}`)
	conn.push(`{"type":"role_granted"}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 5*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "system_message", got[0].Type)
	assert.Equal(t, "hello", got[0].Payload["message"])
	// Missing payload is normalized to an empty object.
	require.NotNil(t, got[1].Payload)
	assert.Empty(t, got[1].Payload)
}

func TestChannel_DropsMalformedFrames(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	c := New(d, time.Millisecond, 5)

	var mu sync.Mutex
	var got []notify.Envelope
	c.OnMessage(func(env notify.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, env)
	})

	c.Connect("ws://example.test/ws")
	waitForState(t, c, StateConnected)

	conn := d.conn(0)
	require.NotNil(t, conn)
	conn.push(`{not json`)
	conn.push(`{"type":"system_message","payload":{"message":"still alive"}}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "still alive", got[0].Payload["message"])
}

func TestChannel_SendWritesJSONWhenConnected(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	c := New(d, time.Millisecond, 5)

	c.Connect("ws://example.test/ws")
	waitForState(t, c, StateConnected)

	c.Send(map[string]string{"type": "ping"})

	conn := d.conn(0)
	require.NotNil(t, conn)
	writes := conn.written()
	require.Len(t, writes, 1)
	assert.JSONEq(t, `{"type":"ping"}`, string(writes[0]))
}

func TestChannel_SendIsNoopWhenDisconnected(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	c := New(d, time.Millisecond, 5)

	// Must not panic or block.
	c.Send(map[string]string{"type": "ping"})

	assert.Equal(t, 0, d.dialCount())
}

func TestChannel_ReconnectsAfterDrop(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	c := New(d, time.Millisecond, 5)
	rec := &stateRecorder{}
	c.OnStateChange(rec.record)

	c.Connect("ws://example.test/ws")
	waitForState(t, c, StateConnected)

	d.conn(0).fail()

	require.Eventually(t, func() bool {
		return d.dialCount() == 2 && c.Status().State == StateConnected
	}, 5*time.Second, time.Millisecond)

	// The drop surfaced as Reconnecting with attempt 1, then the
	// successful dial reset the counter.
	var sawReconnecting bool
	for _, st := range rec.all() {
		if st.State == StateReconnecting {
			sawReconnecting = true
			assert.Equal(t, 1, st.Attempt)
			assert.Equal(t, time.Millisecond, st.NextDelay)
		}
	}
	assert.True(t, sawReconnecting)
	assert.Equal(t, 0, c.Status().Attempt)
}

func TestChannel_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	base := time.Millisecond
	d := &fakeDialer{failures: 1000}
	c := New(d, base, 5)
	rec := &stateRecorder{}
	c.OnStateChange(rec.record)

	c.Connect("ws://example.test/ws")

	require.Eventually(t, func() bool {
		last, ok := rec.last()
		return ok && last.State == StateDisconnected
	}, 10*time.Second, time.Millisecond)

	// Initial dial plus five scheduled retries.
	assert.Equal(t, 6, d.dialCount())

	var delays []time.Duration
	for _, st := range rec.all() {
		if st.State == StateReconnecting {
			delays = append(delays, st.NextDelay)
		}
	}
	assert.Equal(t, []time.Duration{base, 2 * base, 3 * base, 4 * base, 5 * base}, delays)

	last, _ := rec.last()
	assert.True(t, last.Terminal)

	// No further timer is scheduled once the channel gave up.
	time.Sleep(20 * base)
	assert.Equal(t, 6, d.dialCount())
}

func TestChannel_ConnectAfterGiveUpResetsAttempts(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{failures: 6}
	c := New(d, time.Millisecond, 5)

	c.Connect("ws://example.test/ws")
	require.Eventually(t, func() bool {
		return d.dialCount() == 6 && c.Status().State == StateDisconnected
	}, 10*time.Second, time.Millisecond)

	// All scripted failures are spent; a fresh Connect starts from
	// attempt 0 and succeeds on the first dial.
	c.Connect("ws://example.test/ws")
	waitForState(t, c, StateConnected)
	assert.Equal(t, 7, d.dialCount())
	assert.Equal(t, 0, c.Status().Attempt)
}

func TestChannel_DisconnectCancelsPendingReconnect(t *testing.T) {
	t.Parallel()

	// Long base delay: the timer must be cancelled, not awaited.
	d := &fakeDialer{failures: 1000}
	c := New(d, time.Minute, 5)

	c.Connect("ws://example.test/ws")
	require.Eventually(t, func() bool {
		return c.Status().State == StateReconnecting
	}, 5*time.Second, time.Millisecond)

	c.Disconnect()

	assert.Equal(t, StateDisconnected, c.Status().State)
	assert.Equal(t, 1, d.dialCount())
}

func TestChannel_DisconnectDoesNotTriggerReconnect(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	c := New(d, time.Millisecond, 5)

	c.Connect("ws://example.test/ws")
	waitForState(t, c, StateConnected)

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.Status().State)

	// The read loop exit from the closed connection must be ignored.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, StateDisconnected, c.Status().State)
}
