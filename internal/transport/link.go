package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsLink adapts a websocket connection to registry.Link. Frames are queued on
// a bounded channel drained by a single writer goroutine.
type wsLink struct {
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newLink(conn *websocket.Conn, buffer int) *wsLink {
	return &wsLink{conn: conn, send: make(chan []byte, buffer)}
}

// Send never blocks; a full buffer drops the frame.
func (l *wsLink) Send(frame []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	select {
	case l.send <- frame:
		return true
	default:
		return false
	}
}

// Probe writes a ping control frame. WriteControl is safe alongside the
// writer goroutine.
func (l *wsLink) Probe() error {
	return l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close tears down the socket; the read loop then exits and unregisters.
func (l *wsLink) Close() error {
	l.shutdown()
	return l.conn.Close()
}

func (l *wsLink) Open() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

// shutdown stops accepting frames and lets the writer drain and exit.
func (l *wsLink) shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.send)
	}
}

func (l *wsLink) writeLoop() {
	for msg := range l.send {
		_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := l.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			l.shutdown()
			_ = l.conn.Close()
			// Drain so pending senders see a closed link rather than a full buffer.
			for range l.send {
			}
			return
		}
	}
}
