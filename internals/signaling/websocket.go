package signaling

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tabitabe/multiparty-meeting/internals/config"
	"go.uber.org/zap"
)

// Conn wraps one websocket connection and pumps envelopes in and out of its
// Transport. The room and peer identifiers are fixed at upgrade time and
// never change for the lifetime of the connection.
type Conn struct {
	RoomID   string
	PeerName string

	ws        *websocket.Conn
	transport *Transport
	cfg       config.SignalingConfig
	send      chan *Envelope
	logger    *zap.Logger

	closeOnce sync.Once
	closed    atomic.Bool

	// OnClose fires once when the read pump exits, after the transport has
	// been closed and all pending requests failed.
	OnClose func(*Conn)
}

func NewConn(roomID, peerName string, ws *websocket.Conn, cfg config.SignalingConfig, logger *zap.Logger) *Conn {
	c := &Conn{
		RoomID:   roomID,
		PeerName: peerName,
		ws:       ws,
		cfg:      cfg,
		send:     make(chan *Envelope, cfg.SendBuffer),
		logger:   logger,
	}
	c.transport = NewTransport(c.enqueue, cfg.RequestTimeout, logger)
	return c
}

// Transport returns the request/notify multiplexer bound to this connection.
func (c *Conn) Transport() *Transport {
	return c.transport
}

func (c *Conn) enqueue(env *Envelope) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	select {
	case c.send <- env:
		return nil
	default:
		c.logger.Warn("Send buffer full, dropping envelope",
			zap.String("peerName", c.PeerName),
			zap.String("method", env.Method),
		)
		return ErrConnectionClosed
	}
}

func (c *Conn) ReadPump() {
	defer func() {
		c.transport.Close()
		c.Close()
		if c.OnClose != nil {
			c.OnClose(c)
		}
	}()

	c.ws.SetReadLimit(c.cfg.WSReadLimit)
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.WSPongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.WSPongTimeout))
		return nil
	})

	for {
		var env Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Error("WebSocket error",
					zap.String("peerName", c.PeerName),
					zap.Error(err),
				)
			}
			return
		}

		c.transport.HandleIncoming(&env)
	}
}

func (c *Conn) WritePump() {
	ticker := time.NewTicker(c.cfg.WSPingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WSWriteTimeout))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(env); err != nil {
				c.logger.Error("Failed to write envelope",
					zap.String("peerName", c.PeerName),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WSWriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close tears the connection down. Idempotent; safe from any goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
		c.ws.Close()
	})
}
