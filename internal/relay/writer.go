package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the part of a websocket connection the relay needs.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// peerWriter owns all writes to one peer. Frames are queued in order and
// written by a single goroutine, so the pumps never touch the socket for
// writing.
type peerWriter struct {
	name    string
	conn    Conn
	out     chan []byte
	timeout time.Duration
}

func newPeerWriter(name string, conn Conn, queue int, timeout time.Duration) *peerWriter {
	if queue <= 0 {
		queue = 64
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &peerWriter{name: name, conn: conn, out: make(chan []byte, queue), timeout: timeout}
}

// send queues frame, waiting for room while ctx is live.
func (w *peerWriter) send(ctx context.Context, frame []byte) error {
	select {
	case w.out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flush discards everything still queued and reports how many frames went.
func (w *peerWriter) flush() int {
	n := 0
	for {
		select {
		case <-w.out:
			n++
		default:
			return n
		}
	}
}

func (w *peerWriter) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-w.out:
			if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
				return fmt.Errorf("%w: %s peer: %v", ErrTransport, w.name, err)
			}
			if err := w.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return fmt.Errorf("%w: %s peer: %v", ErrTransport, w.name, err)
			}
		}
	}
}
