package gateway

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/adred-codev/listwave/internal/monitoring"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a silent client stays connected.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Client is one live websocket connection, bound to exactly one room
// for its lifetime. Outgoing events go through a buffered send queue
// drained by a single write pump, which keeps per-connection delivery
// ordered.
type Client struct {
	id        string
	roomID    int64
	principal Principal
	conn      net.Conn
	send      chan []byte
	closed    atomic.Bool
	closeOnce sync.Once
}

func newClient(roomID int64, principal Principal, conn net.Conn, bufferSize int) *Client {
	return &Client{
		id:        uuid.NewString(),
		roomID:    roomID,
		principal: principal,
		conn:      conn,
		send:      make(chan []byte, bufferSize),
	}
}

// enqueue hands data to the write pump without blocking. A full buffer
// or a closed client reports failure, which is the delivery-failure
// signal the connection manager prunes on.
func (c *Client) enqueue(data []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close marks the client dead and sends a close frame best-effort.
// Idempotent; the send channel is never closed, only abandoned, so
// concurrent enqueues stay safe.
func (c *Client) close(code ws.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.conn != nil {
			body := ws.NewCloseFrameBody(code, reason)
			_ = ws.WriteFrame(c.conn, ws.NewCloseFrame(body))
			_ = c.conn.Close()
		}
	})
}

// writePump drains the client's send queue onto the socket, batching
// queued messages into one flush, and keeps the connection alive with
// pings.
func (m *Manager) writePump(c *Client) {
	defer monitoring.RecoverPanic(m.logger, "writePump")
	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close(ws.StatusNormalClosure, "")
		m.Leave(c)
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				m.logger.Debug().Err(err).Str("client_id", c.id).Msg("Write failed")
				return
			}
			// Drain whatever else is queued into the same flush.
			n := len(c.send)
			for i := 0; i < n; i++ {
				message = <-c.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
					m.logger.Debug().Err(err).Str("client_id", c.id).Msg("Write failed")
					return
				}
			}
			if err := writer.Flush(); err != nil {
				m.logger.Debug().Err(err).Str("client_id", c.id).Msg("Flush failed")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				m.logger.Debug().Err(err).Str("client_id", c.id).Msg("Ping failed")
				return
			}
		}
	}
}

// readPump consumes inbound frames. Clients on this channel only
// listen; text frames are ignored. Any read error or close frame ends
// the connection and removes it from its room.
func (m *Manager) readPump(c *Client) {
	defer monitoring.RecoverPanic(m.logger, "readPump")
	defer func() {
		c.close(ws.StatusNormalClosure, "")
		m.Leave(c)
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if op == ws.OpClose {
			return
		}
		// Pings are answered by the wsutil reader; anything else is noise.
	}
}
