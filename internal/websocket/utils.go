package websocket

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 8 * 1024
)

// ErrSlowConsumer is returned by Send when the outbound buffer is full.
var ErrSlowConsumer = errors.New("websocket: outbound buffer full")

// writeTyped sends one JSON payload. Only the Writer goroutine calls it.
func writeTyped(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// PrepareRead applies the read limit and keeps the read deadline moving
// with every pong.
func PrepareRead(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessage)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// Writer serializes all writes to one connection through a single
// goroutine and keeps it alive with pings.
type Writer struct {
	conn *websocket.Conn
	out  chan interface{}
	done chan struct{}
	once sync.Once
}

// NewWriter creates a Writer with room for buffer pending messages.
func NewWriter(conn *websocket.Conn, buffer int) *Writer {
	return &Writer{
		conn: conn,
		out:  make(chan interface{}, buffer),
		done: make(chan struct{}),
	}
}

// Send queues v without blocking.
func (w *Writer) Send(v interface{}) error {
	select {
	case <-w.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case w.out <- v:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close stops the writer after the queued messages are flushed.
func (w *Writer) Close() {
	w.once.Do(func() { close(w.done) })
}

// Run writes until Close is called or a write fails. Call in a goroutine.
func (w *Writer) Run() error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case v := <-w.out:
			if err := writeTyped(w.conn, v); err != nil {
				return err
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-w.done:
			for {
				select {
				case v := <-w.out:
					if err := writeTyped(w.conn, v); err != nil {
						return err
					}
				default:
					w.conn.SetWriteDeadline(time.Now().Add(writeWait))
					return w.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				}
			}
		}
	}
}
