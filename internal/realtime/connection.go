package realtime

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/subastahub/liveauction/internal/auth"
)

// Handshake states. A connection only accepts domain messages once the
// application-level HELLO exchange has completed.
const (
	stateConnected int32 = iota
	stateAuthenticated
)

// ConnectionConfig holds transport-level tunables.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default transport configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     90 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		CheckOrigin: func(r *http.Request) bool {
			// Origin checks are enforced upstream by the proxy.
			return true
		},
	}
}

// Connection is a live transport-level link. It is owned exclusively by the
// session registry; rooms hold membership references only.
type Connection struct {
	ID       string
	identity auth.Identity

	ws     *websocket.Conn
	send   chan []byte
	config ConnectionConfig

	state   atomic.Int32
	isAlive atomic.Bool

	closeOnce sync.Once
	done      chan struct{}

	connectedAt time.Time
}

func newConnection(ws *websocket.Conn, identity auth.Identity, config ConnectionConfig) *Connection {
	c := &Connection{
		ID:          uuid.NewString(),
		identity:    identity,
		ws:          ws,
		send:        make(chan []byte, config.SendBufferSize),
		config:      config,
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
	c.isAlive.Store(true)
	return c
}

// Identity returns the authenticated principal attached at upgrade time.
func (c *Connection) Identity() auth.Identity { return c.identity }

// Authenticated reports whether the HELLO exchange has completed.
func (c *Connection) Authenticated() bool {
	return c.state.Load() >= stateAuthenticated
}

func (c *Connection) markAuthenticated() {
	c.state.Store(stateAuthenticated)
}

// SendEvent encodes and queues a server event. A slow or blocked peer never
// delays the caller: if the send buffer is full the frame is dropped and
// false is returned so the caller can evict the connection.
func (c *Connection) SendEvent(event string, data any) bool {
	frame, err := encodeEvent(event, data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to encode event")
		return true
	}
	return c.trySend(frame)
}

func (c *Connection) trySend(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		log.Warn().
			Str("connection_id", c.ID).
			Str("user_id", c.identity.UserID).
			Msg("connection send buffer full, dropping frame")
		return false
	}
}

// Ping writes a ping control frame. Safe to call concurrently with the
// write pump.
func (c *Connection) Ping() error {
	if c.ws == nil {
		return nil
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteTimeout))
}

// Terminate forcibly closes the underlying socket. Used by the heartbeat
// monitor for dead peers; the close error is not reported to the client.
func (c *Connection) Terminate() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			c.ws.Close()
		}
	})
}

// writePump drains the send channel onto the socket.
func (c *Connection) writePump() {
	defer c.Terminate()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write frame")
				return
			}
		}
	}
}

// readPump reads client frames and hands them to the dispatcher. onClose
// fires exactly once when the socket dies, whatever the cause.
func (c *Connection) readPump(onMessage func(*Connection, []byte), onClose func(*Connection)) {
	defer func() {
		c.Terminate()
		onClose(c)
	}()

	c.ws.SetReadLimit(c.config.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.isAlive.Store(true)
		c.ws.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		return nil
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Debug().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected close")
			}
			return
		}
		c.isAlive.Store(true)
		c.ws.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		onMessage(c, frame)
	}
}
