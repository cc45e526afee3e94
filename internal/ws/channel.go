package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Channel wraps one websocket connection. All writes go through the send
// buffer and a single writer goroutine; Send never blocks the caller.
type Channel struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func newChannel(conn *websocket.Conn, sendBuffer int) *Channel {
	return &Channel{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// Send queues a frame for delivery. It reports false when the channel is
// closed or its buffer is full; the frame is dropped in either case.
func (ch *Channel) Send(data []byte) bool {
	select {
	case <-ch.done:
		return false
	default:
	}
	select {
	case ch.send <- data:
		return true
	case <-ch.done:
		return false
	default:
		return false
	}
}

func (ch *Channel) close() {
	ch.closeOnce.Do(func() {
		close(ch.done)
		ch.conn.Close()
	})
}

// writePump owns the connection's write side. It drains the send buffer
// and keeps the transport alive with periodic pings.
func (ch *Channel) writePump(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		ch.close()
	}()

	for {
		select {
		case data := <-ch.send:
			ch.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ch.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			ch.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ch.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ch.done:
			return
		}
	}
}
