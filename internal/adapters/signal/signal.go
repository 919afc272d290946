// Package signal is the websocket transport for the signaling channel.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/EmilynnJ/studio-sub000/internal/app"
	"github.com/EmilynnJ/studio-sub000/internal/config"
	"github.com/EmilynnJ/studio-sub000/internal/domain"
	"github.com/EmilynnJ/studio-sub000/internal/presence"
)

var ErrBackpressure = errors.New("backpressure")

type Controller struct {
	Orch     *app.Orchestrator
	Presence presence.Provider
	Cfg      *config.Config
}

func NewController(orch *app.Orchestrator, pres presence.Provider, cfg *config.Config) *Controller {
	return &Controller{Orch: orch, Presence: pres, Cfg: cfg}
}

// wsConn adapts one websocket to registry.Conn. Sends go through a
// buffered channel; a full buffer drops with ErrBackpressure rather
// than blocking the relay.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool

	// participant is set on the first successful join-room and pins
	// the identity for everything else on this socket.
	participant domain.ParticipantID
	// sessions this socket joined; membership is dropped on close.
	sessions map[domain.SessionID]struct{}
}

func (c *wsConn) TrySend(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the read/write pumps for
// the socket's lifetime.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.Cfg.ReadLimit)

	conn := &wsConn{
		conn:     ws,
		send:     make(chan []byte, 32),
		sessions: make(map[domain.SessionID]struct{}),
	}
	log.Info().Str("module", "signal").Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, conn)
	}()
}
