package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
)

const (
	// maxMessageSize is the maximum size in bytes of one inbound frame.
	maxMessageSize = 64 * 1024

	// writeWait is the time allowed to write a frame to the peer.
	writeWait = 10 * time.Second
)

// Client is one signaling connection. Each client runs one reader and one
// writer goroutine; everything outbound goes through the bounded send
// channel, which preserves per-target order and bounds a slow consumer's
// memory.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	log  zerolog.Logger

	// Identity, fixed at registration time.
	userID   string
	clientID string
	deviceID int
	name     string
	external bool // external meeting guest

	send chan []byte

	// done is closed to signal shutdown. The send channel is never closed;
	// writePump and enqueue select on done instead, which avoids
	// send-on-closed-channel races between unregister and fan-out.
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn, userID, clientID string, deviceID int, name string, external bool, logger zerolog.Logger) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		userID:   userID,
		clientID: clientID,
		deviceID: deviceID,
		name:     name,
		external: external,
		send:     make(chan []byte, hub.sendBuffer),
		done:     make(chan struct{}),
		log:      logger.With().Str("client_id", clientID[:min(8, len(clientID))]).Logger(),
	}
}

// closeSend signals the writer to stop. Safe to call repeatedly.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue queues a frame for delivery. Frames to a stalled or closing client
// are dropped; envelope-level retries happen above the hub.
func (c *Client) enqueue(frame []byte) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		c.log.Debug().Msg("Send buffer full, dropping frame")
	}
}

// sendEvent encodes and enqueues one event.
func (c *Client) sendEvent(event string, data any) {
	frame, err := encodeFrame(event, data)
	if err != nil {
		c.log.Error().Err(err).Str("event", event).Msg("Failed to encode frame")
		return
	}
	c.enqueue(frame)
}

// sendError reports a request-level problem to the client without closing the
// connection.
func (c *Client) sendError(message string) {
	c.sendEvent(EventError, map[string]string{"message": message})
}

// writePump drains the send channel onto the connection. It owns all writes.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		}
	}
}

// readPump reads frames and routes them by event name. It runs on the
// upgrade goroutine and is responsible for unregistering on exit. Idle
// connections are reaped when a heartbeat interval and a half passes without
// any frame.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	idle := c.hub.heartbeatInterval + c.hub.heartbeatInterval/2
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(idle))

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(idle))

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.sendError("invalid frame")
			continue
		}

		if frame.Event == EventPing {
			c.sendEvent(EventPong, nil)
			continue
		}
		c.hub.dispatch(c, frame)
	}
}
