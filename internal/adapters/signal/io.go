package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/EmilynnJ/studio-sub000/internal/domain"
)

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	ping := time.NewTicker(ctl.Cfg.PingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ping.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, c *wsConn) {
	defer func() {
		c.mu.Lock()
		pid := c.participant
		c.mu.Unlock()
		log.Info().Str("module", "signal").Str("participant", string(pid)).Msg("readPump closing")
		ctl.dropMemberships(c)
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("readPump read error")
				return
			}
			ctl.dispatch(ctx, c, data)
		}
	}
}

// dropMemberships removes this socket from every session it joined.
// Leaving is bookkeeping only; session liveness decays through the
// connection monitor, not through socket death. The leave is scoped to
// this connection: if the participant already rejoined on a fresh
// socket, that membership stays.
func (ctl *Controller) dropMemberships(c *wsConn) {
	c.mu.Lock()
	pid := c.participant
	sids := make([]domain.SessionID, 0, len(c.sessions))
	for sid := range c.sessions {
		sids = append(sids, sid)
	}
	c.mu.Unlock()
	for _, sid := range sids {
		ctl.Orch.LeaveConn(sid, pid, c)
	}
}

func (ctl *Controller) sendJSON(c *wsConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}
