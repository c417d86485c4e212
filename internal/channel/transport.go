package channel

import (
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a single established transport connection.
type Conn interface {
	// ReadMessage blocks until a full frame arrives or the connection breaks.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens transport connections. Channel owns reconnection policy;
// a Dialer only performs a single handshake.
type Dialer interface {
	Dial(url string) (Conn, error)
}

// WebSocketDialer is the production Dialer, backed by gorilla/websocket.
type WebSocketDialer struct {
	// HandshakeTimeout bounds the dial. Zero means 10 seconds.
	HandshakeTimeout time.Duration
}

// Dial opens a WebSocket connection to url (ws:// or wss://).
func (d *WebSocketDialer) Dial(url string) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

// wsConn adapts *websocket.Conn to the Conn seam.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsConn) WriteMessage(data []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}
