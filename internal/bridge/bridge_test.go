package bridge

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/cropcast/internal/channel"
	"github.com/btouchard/cropcast/internal/ledger"
	"github.com/btouchard/cropcast/internal/notify"
)

// fakeConn feeds scripted frames to the channel read loop.
type fakeConn struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), done: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.frames:
		return data, nil
	case <-f.done:
		return nil, errors.New("closed")
	}
}

func (f *fakeConn) WriteMessage([]byte) error { return nil }

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

type fakeDialer struct {
	mu     sync.Mutex
	fail   bool
	latest *fakeConn
}

func (d *fakeDialer) Dial(string) (channel.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, errors.New("connection refused")
	}
	d.latest = newFakeConn()
	return d.latest, nil
}

func (d *fakeDialer) conn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latest
}

// fakeSource is a minimal in-memory ledger event source.
type fakeSource struct {
	mu       sync.Mutex
	nextID   ledger.HandlerID
	handlers map[string]map[ledger.HandlerID]ledger.Handler
}

func newFakeSource() *fakeSource {
	return &fakeSource{handlers: make(map[string]map[ledger.HandlerID]ledger.Handler)}
}

func (f *fakeSource) On(event string, fn ledger.Handler) (ledger.HandlerID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[ledger.HandlerID]ledger.Handler)
	}
	f.handlers[event][f.nextID] = fn
	return f.nextID, nil
}

func (f *fakeSource) Off(event string, id ledger.HandlerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers[event], id)
	return nil
}

func (f *fakeSource) emit(event string, fields []string, meta notify.EventMeta) {
	f.mu.Lock()
	handlers := make([]ledger.Handler, 0, len(f.handlers[event]))
	for _, h := range f.handlers[event] {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(fields, meta)
	}
}

func TestBridge_ChannelMessagesReachTheHub(t *testing.T) {
	t.Parallel()

	d := &fakeDialer{}
	b := New(notify.NewHub(), channel.New(d, time.Millisecond, 5))
	defer b.Stop()

	b.Start("ws://example.test/ws")
	require.Eventually(t, func() bool { return d.conn() != nil }, 5*time.Second, time.Millisecond)

	d.conn().frames <- []byte(`{"type":"role_granted","payload":{"role":"retailer","userAddress":"0xBB"}}`)

	require.Eventually(t, func() bool { return b.Hub().Len() == 1 }, 5*time.Second, time.Millisecond)

	got := b.Hub().Notifications()[0]
	assert.Equal(t, notify.TypeRoleGranted, got.Type)
	assert.Equal(t, "retailer", got.Payload["role"])
	assert.Equal(t, 1, b.Hub().UnreadCount())
}

func TestBridge_LedgerEventsReachTheHub(t *testing.T) {
	t.Parallel()

	b := New(notify.NewHub(), channel.New(&fakeDialer{fail: true}, time.Minute, 5))
	defer b.Stop()

	src := newFakeSource()
	require.NoError(t, b.AttachLedger(src, "0xViewer"))

	src.emit(notify.EventRecordCreated,
		[]string{"5", "Barley", "b-5", "0xFarmer"}, notify.EventMeta{TxID: "0xt"})

	require.Equal(t, 1, b.Hub().Len())
	got := b.Hub().Notifications()[0]
	assert.Equal(t, notify.TypeRecordCreated, got.Type)
	assert.Equal(t, "Barley", got.Payload["name"])
}

func TestBridge_ExhaustedReconnectsPublishTerminalNotification(t *testing.T) {
	t.Parallel()

	b := New(notify.NewHub(), channel.New(&fakeDialer{fail: true}, time.Millisecond, 2))
	defer b.Stop()

	b.Start("ws://example.test/ws")

	require.Eventually(t, func() bool { return b.Hub().Len() == 1 }, 10*time.Second, time.Millisecond)

	got := b.Hub().Notifications()[0]
	assert.Equal(t, notify.TypeSystemMessage, got.Type)
	assert.Equal(t, "error", got.Payload["level"])
}
