package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inboxrelay/relay/common/models"
)

// Keepalive tunes a websocket connection.
type Keepalive struct {
	// WriteWait bounds a write when the caller's context has no deadline.
	WriteWait time.Duration

	// PongWait is how long the peer may stay silent before the connection
	// is considered dead. Pings go out at 9/10 of it.
	PongWait time.Duration

	// MaxMessageBytes caps inbound frames.
	MaxMessageBytes int64
}

// DefaultKeepalive returns the settings used when none are configured.
func DefaultKeepalive() Keepalive {
	return Keepalive{
		WriteWait:       10 * time.Second,
		PongWait:        60 * time.Second,
		MaxMessageBytes: 4096,
	}
}

func (k Keepalive) withDefaults() Keepalive {
	d := DefaultKeepalive()
	if k.WriteWait <= 0 {
		k.WriteWait = d.WriteWait
	}
	if k.PongWait <= 0 {
		k.PongWait = d.PongWait
	}
	if k.MaxMessageBytes <= 0 {
		k.MaxMessageBytes = d.MaxMessageBytes
	}
	return k
}

// WebsocketConn adapts a gorilla connection to Conn. Writes are serialised;
// gorilla allows one concurrent writer.
type WebsocketConn struct {
	ws *websocket.Conn
	ka Keepalive

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewWebsocketConn wraps ws.
func NewWebsocketConn(ws *websocket.Conn, ka Keepalive) *WebsocketConn {
	return &WebsocketConn{
		ws:   ws,
		ka:   ka.withDefaults(),
		done: make(chan struct{}),
	}
}

// Send writes env as a JSON text frame.
func (c *WebsocketConn) Send(ctx context.Context, env models.Envelope) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.ka.WriteWait)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteJSON(env)
}

// Close sends a close frame and releases the socket.
func (c *WebsocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// Done is closed once the connection has been closed.
func (c *WebsocketConn) Done() <-chan struct{} { return c.done }

// Serve runs the read pump and the ping loop until the peer goes away or
// the connection is closed, then calls onClose. Inbound frames other than
// control frames are discarded.
func (c *WebsocketConn) Serve(onClose func()) {
	defer onClose()

	c.ws.SetReadLimit(c.ka.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.ka.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.ka.PongWait))
	})

	go c.pingLoop()

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
		// Any client frame also counts as liveness.
		_ = c.ws.SetReadDeadline(time.Now().Add(c.ka.PongWait))
	}
}

func (c *WebsocketConn) pingLoop() {
	ticker := time.NewTicker(c.ka.PongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.ka.WriteWait))
			c.writeMu.Unlock()
			if err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					_ = c.ws.Close()
				}
				return
			}
		}
	}
}
