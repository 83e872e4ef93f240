package server

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pushchat/models"
	"pushchat/protocol"
)

const (
	// Close code sent to a connection replaced by a newer one of the same user.
	CloseSuperseded = 4001

	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSlowConsumer  = errors.New("send buffer full")
)

type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateClosed
)

func (st State) String() string {
	switch st {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is one client connection. It starts Connecting, becomes
// Authenticated once the credential checks out and ends Closed. Only an
// Authenticated session is registered in presence.
type Session struct {
	id     string
	server *Server
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	identity models.Identity
	seq      uint64
	conn     *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeText string
}

func newSession(s *Server) *Session {
	id := uuid.NewString()
	return &Session{
		id:     id,
		server: s,
		logger: s.logger.With(zap.String("conn_id", id)),
		state:  StateConnecting,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
}

func (c *Session) ID() string { return c.id }

func (c *Session) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Session) Identity() models.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// reject ends a session whose credential failed. Nothing was registered.
func (c *Session) reject(err error) {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	c.logger.Info("Connection rejected", zap.Error(err))
}

// admit registers the session as the user's current connection and closes
// the connection it replaces. A session closed before admission stays
// unregistered.
func (c *Session) admit(identity models.Identity) {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.logger = c.logger.With(zap.Int64("user_id", identity.ID))
	c.identity = identity
	c.state = StateAuthenticated
	seq, replaced := c.server.registry.Register(identity.ID, c)
	c.seq = seq
	c.mu.Unlock()

	c.logger.Info("User connected", zap.String("username", identity.Username), zap.Uint64("seq", seq))

	if replaced != nil {
		if old, ok := replaced.(*Session); ok {
			old.closeWith(CloseSuperseded, "superseded")
		} else {
			replaced.Close()
		}
	}
}

func (c *Session) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// Emit queues ev for the write pump. A client that lets its buffer fill up is
// disconnected instead of blocking the sender.
func (c *Session) Emit(ev *protocol.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrSessionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrSessionClosed
	default:
		c.logger.Warn("Send buffer full, dropping connection")
		c.closeWith(websocket.CloseTryAgainLater, "slow consumer")
		return ErrSlowConsumer
	}
}

func (c *Session) emitError(message string) {
	ev, err := protocol.NewEvent(protocol.TypeError, protocol.ErrorPayload{Message: message})
	if err != nil {
		return
	}
	if err := c.Emit(ev); err != nil {
		c.logger.Debug("Failed to emit error event", zap.Error(err))
	}
}

func (c *Session) Close() error {
	c.closeWith(websocket.CloseNormalClosure, "")
	return nil
}

// closeWith moves the session to Closed exactly once. The registry entry is
// removed only if it still belongs to this session.
func (c *Session) closeWith(code int, text string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		wasAuthenticated := c.state == StateAuthenticated
		c.state = StateClosed
		c.closeCode = code
		c.closeText = text
		identity, seq, logger := c.identity, c.seq, c.logger
		c.mu.Unlock()

		close(c.done)

		if wasAuthenticated {
			if c.server.registry.Unregister(identity.ID, seq) {
				logger.Info("User disconnected", zap.String("reason", text))
			} else {
				logger.Info("Superseded connection closed", zap.String("reason", text))
			}
		}
	})
}

func (c *Session) readPump() {
	defer c.Close()

	pongWait := c.server.config.ReadTimeout
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug("Read error", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		ev, err := protocol.ParseEvent(data)
		if err != nil {
			c.emitError("Invalid event format")
			continue
		}
		if !c.server.handleEvent(c, ev) {
			return
		}
	}
}

func (c *Session) writePump() {
	writeWait := c.server.config.WriteTimeout
	ticker := time.NewTicker(c.server.config.ReadTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("Write error", zap.Error(err))
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.flush(writeWait)
			c.mu.Lock()
			code, text := c.closeCode, c.closeText
			c.mu.Unlock()
			c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
			return
		}
	}
}

// flush writes whatever was queued before the session closed.
func (c *Session) flush(writeWait time.Duration) {
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
