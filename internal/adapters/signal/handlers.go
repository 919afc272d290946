package signal

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/EmilynnJ/studio-sub000/internal/domain"
	"github.com/EmilynnJ/studio-sub000/internal/registry"
)

func (ctl *Controller) dispatch(ctx context.Context, c *wsConn, data []byte) {
	var msg domain.SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(c, &domain.ValidationError{Field: "message", Reason: "malformed json"})
		return
	}

	switch msg.Type {
	case domain.KindPing:
		ctl.sendJSON(c, map[string]any{"type": domain.KindPong})
	case domain.KindJoinRoom:
		ctl.handleJoin(ctx, c, &msg)
	case domain.KindLeaveRoom:
		ctl.handleLeave(c, &msg)
	case domain.KindOffer, domain.KindAnswer, domain.KindCandidate:
		ctl.handleNegotiation(c, &msg)
	case domain.KindConnectionState:
		ctl.handleConnectionState(ctx, c, &msg)
	case domain.KindPauseBilling:
		ctl.handleBillingControl(ctx, c, &msg, true)
	case domain.KindResumeBilling:
		ctl.handleBillingControl(ctx, c, &msg, false)
	case domain.KindSessionEnded:
		ctl.handleEnd(c, &msg)
	default:
		log.Warn().Str("module", "signal").Str("type", string(msg.Type)).Msg("unknown signal")
		ctl.sendError(c, &domain.ValidationError{Field: "type", Reason: "unknown " + string(msg.Type)})
	}
}

// authorize pins the socket identity: the first join fixes the
// participant id, everything after must match it.
func (ctl *Controller) authorize(c *wsConn, msg *domain.SignalMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.participant == "" {
		return false
	}
	return c.participant == msg.SenderID
}

func (ctl *Controller) handleJoin(ctx context.Context, c *wsConn, msg *domain.SignalMessage) {
	if err := msg.Validate(); err != nil {
		ctl.sendError(c, err)
		return
	}
	if msg.SenderID == "" {
		ctl.sendError(c, &domain.ValidationError{Field: "senderId", Reason: "missing"})
		return
	}
	c.mu.Lock()
	if c.participant != "" && c.participant != msg.SenderID {
		c.mu.Unlock()
		ctl.sendError(c, &domain.AuthorizationError{SessionID: msg.SessionID, ParticipantID: msg.SenderID})
		return
	}
	c.mu.Unlock()

	role, err := ctl.Presence.Role(ctx, msg.SessionID, msg.SenderID)
	if err != nil {
		ctl.sendError(c, err)
		return
	}

	set, err := ctl.Orch.Join(ctx, msg.SessionID, &registry.Member{ID: msg.SenderID, Role: role, Conn: c})
	if err != nil {
		ctl.sendError(c, err)
		return
	}

	c.mu.Lock()
	c.participant = msg.SenderID
	c.sessions[msg.SessionID] = struct{}{}
	c.mu.Unlock()

	log.Info().Str("module", "signal").Str("session", string(msg.SessionID)).
		Str("participant", string(msg.SenderID)).Str("role", role.String()).Msg("join")
	ctl.sendJSON(c, struct {
		Type    domain.MessageKind     `json:"type"`
		Session domain.SessionID       `json:"sessionId"`
		Role    string                 `json:"role"`
		Members []domain.ParticipantID `json:"members"`
	}{domain.KindRoomState, msg.SessionID, role.String(), set})
}

func (ctl *Controller) handleLeave(c *wsConn, msg *domain.SignalMessage) {
	if !ctl.authorize(c, msg) {
		ctl.sendError(c, &domain.AuthorizationError{SessionID: msg.SessionID, ParticipantID: msg.SenderID})
		return
	}
	rest := ctl.Orch.Leave(msg.SessionID, msg.SenderID)
	c.mu.Lock()
	delete(c.sessions, msg.SessionID)
	c.mu.Unlock()
	ctl.sendJSON(c, struct {
		Type    domain.MessageKind     `json:"type"`
		Session domain.SessionID       `json:"sessionId"`
		Members []domain.ParticipantID `json:"members"`
	}{domain.KindRoomState, msg.SessionID, rest})
}

func (ctl *Controller) handleNegotiation(c *wsConn, msg *domain.SignalMessage) {
	if !ctl.authorize(c, msg) {
		ctl.sendError(c, &domain.AuthorizationError{SessionID: msg.SessionID, ParticipantID: msg.SenderID})
		return
	}
	if err := ctl.Orch.Forward(msg); err != nil {
		ctl.sendError(c, err)
	}
}

func (ctl *Controller) handleConnectionState(ctx context.Context, c *wsConn, msg *domain.SignalMessage) {
	if !ctl.authorize(c, msg) {
		ctl.sendError(c, &domain.AuthorizationError{SessionID: msg.SessionID, ParticipantID: msg.SenderID})
		return
	}
	var p struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		ctl.sendError(c, &domain.ValidationError{Field: "payload", Reason: "malformed"})
		return
	}
	if err := ctl.Orch.ConnectionSignal(ctx, msg.SessionID, msg.SenderID, p.State); err != nil {
		ctl.sendError(c, err)
	}
}

func (ctl *Controller) handleBillingControl(ctx context.Context, c *wsConn, msg *domain.SignalMessage, pause bool) {
	if !ctl.authorize(c, msg) {
		ctl.sendError(c, &domain.AuthorizationError{SessionID: msg.SessionID, ParticipantID: msg.SenderID})
		return
	}
	var err error
	if pause {
		err = ctl.Orch.PauseBilling(ctx, msg.SessionID, msg.SenderID)
	} else {
		err = ctl.Orch.ResumeBilling(ctx, msg.SessionID, msg.SenderID)
	}
	if err != nil {
		ctl.sendError(c, err)
	}
}

// handleEnd is the explicit user-initiated end of a session.
func (ctl *Controller) handleEnd(c *wsConn, msg *domain.SignalMessage) {
	if !ctl.authorize(c, msg) {
		ctl.sendError(c, &domain.AuthorizationError{SessionID: msg.SessionID, ParticipantID: msg.SenderID})
		return
	}
	ctl.Orch.EndSession(msg.SessionID, domain.ReasonUserEnded)
}

func (ctl *Controller) sendError(c *wsConn, err error) {
	ctl.sendJSON(c, struct {
		Type  domain.MessageKind `json:"type"`
		Error string             `json:"error"`
	}{domain.KindError, err.Error()})
}
