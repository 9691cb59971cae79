package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rowanlabs/syncboard-backend/internal/pkg/logger"
	"github.com/rowanlabs/syncboard-backend/internal/realtime"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	outboundBuffer = 64
)

// client is one websocket connection implementing realtime.Client. Send
// enqueues onto a buffered channel drained by a single writer goroutine, so
// delivery order on the wire is the call order of Send. A consumer that lets
// the buffer fill up gets disconnected rather than stalling fan-out.
type client struct {
	id     uuid.UUID
	userID uuid.UUID
	conn   *websocket.Conn
	log    *logger.Logger

	outbound  chan realtime.Event
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, userID uuid.UUID, log *logger.Logger) *client {
	id := uuid.New()
	return &client{
		id:       id,
		userID:   userID,
		conn:     conn,
		log:      log.With("ws_client_id", id),
		outbound: make(chan realtime.Event, outboundBuffer),
		done:     make(chan struct{}),
	}
}

func (c *client) ID() uuid.UUID     { return c.id }
func (c *client) UserID() uuid.UUID { return c.userID }

func (c *client) Send(ev realtime.Event) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.outbound <- ev:
	default:
		c.log.Warn("outbound buffer full, dropping connection")
		c.close()
	}
}

func (c *client) SendError(code, message string, fatal bool) {
	c.Send(realtime.Event{
		Event: realtime.EventError,
		Data: map[string]interface{}{
			"code":    code,
			"message": message,
			"fatal":   fatal,
		},
	})
	if fatal {
		c.close()
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// writePump is the single writer for the connection. On shutdown it drains
// whatever is already queued before closing, so a fatal error event still
// reaches the client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case ev := <-c.outbound:
			if !c.writeEvent(ev) {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			for {
				select {
				case ev := <-c.outbound:
					if !c.writeEvent(ev) {
						return
					}
				default:
					_ = c.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeWait))
					return
				}
			}
		}
	}
}

func (c *client) writeEvent(ev realtime.Event) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(ev); err != nil {
		c.log.Debug("write failed", "error", err)
		return false
	}
	return true
}
