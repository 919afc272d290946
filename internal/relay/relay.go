// Package relay forwards negotiation messages between the two members
// of a session. It checks membership and payload shape, nothing else;
// SDP and ICE bodies stay opaque beyond validation.
package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/EmilynnJ/studio-sub000/internal/domain"
	"github.com/EmilynnJ/studio-sub000/internal/metrics"
	"github.com/EmilynnJ/studio-sub000/internal/registry"
)

type sessionState struct {
	mu        sync.Mutex
	offerSeen bool
}

// Relay is safe for concurrent use across sessions.
type Relay struct {
	reg *registry.Registry

	mu     sync.Mutex
	states map[domain.SessionID]*sessionState
}

func New(reg *registry.Registry) *Relay {
	return &Relay{
		reg:    reg,
		states: make(map[domain.SessionID]*sessionState),
	}
}

func (r *Relay) state(sid domain.SessionID) *sessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[sid]
	if !ok {
		st = &sessionState{}
		r.states[sid] = st
	}
	return st
}

// Forward validates and routes one negotiation message. Targeted
// messages go only to the target; untargeted ones are broadcast to all
// other members. Errors are surfaced to the sender and never touch
// session status.
func (r *Relay) Forward(msg *domain.SignalMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	sender, ok := r.reg.Member(msg.SessionID, msg.SenderID)
	if !ok {
		return &domain.AuthorizationError{SessionID: msg.SessionID, ParticipantID: msg.SenderID}
	}
	if err := validatePayload(msg); err != nil {
		return err
	}
	if msg.Type == domain.KindOffer {
		if !sender.Role.CreatesOffers() {
			return &domain.SignalingError{Reason: "only the initiator creates offers"}
		}
		st := r.state(msg.SessionID)
		st.mu.Lock()
		st.offerSeen = true
		st.mu.Unlock()
	}

	msg.SentAt = time.Now().UTC()
	data, err := json.Marshal(msg)
	if err != nil {
		return &domain.SignalingError{Reason: "unencodable message"}
	}

	if msg.TargetID != "" {
		target, ok := r.reg.Member(msg.SessionID, msg.TargetID)
		if !ok {
			return &domain.SignalingError{Reason: "unknown target " + string(msg.TargetID)}
		}
		if err := target.Conn.TrySend(data); err != nil {
			log.Warn().Err(err).Str("module", "relay").Str("session", string(msg.SessionID)).
				Str("target", string(msg.TargetID)).Msg("targeted send dropped")
		}
		metrics.SignalsRelayed.WithLabelValues(string(msg.Type)).Inc()
		return nil
	}

	for _, m := range r.reg.Members(msg.SessionID) {
		if m.ID == msg.SenderID {
			continue
		}
		if err := m.Conn.TrySend(data); err != nil {
			log.Warn().Err(err).Str("module", "relay").Str("session", string(msg.SessionID)).
				Str("member", string(m.ID)).Msg("broadcast send dropped")
		}
	}
	metrics.SignalsRelayed.WithLabelValues(string(msg.Type)).Inc()
	return nil
}

// Broadcast sends a server-originated message to every member.
func (r *Relay) Broadcast(sid domain.SessionID, msg *domain.SignalMessage) {
	msg.SessionID = sid
	msg.SentAt = time.Now().UTC()
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("broadcast marshal")
		return
	}
	for _, m := range r.reg.Members(sid) {
		if err := m.Conn.TrySend(data); err != nil {
			log.Warn().Err(err).Str("module", "relay").Str("session", string(sid)).
				Str("member", string(m.ID)).Msg("broadcast send dropped")
		}
	}
}

// OnMemberJoined re-triggers negotiation for late or returning members:
// if an offer was already established, the initiator is asked for a
// fresh one so the session reconnects without external re-booking.
func (r *Relay) OnMemberJoined(sid domain.SessionID, joined domain.ParticipantID) {
	st := r.state(sid)
	st.mu.Lock()
	established := st.offerSeen
	st.mu.Unlock()
	if !established {
		return
	}
	init, ok := r.reg.Initiator(sid)
	if !ok || init.ID == joined {
		return
	}
	r.RequestRenegotiate(sid, false, 0)
}

// RequestRenegotiate asks the initiator for a new offer. restart marks
// the request as an ICE restart (reconnection path).
func (r *Relay) RequestRenegotiate(sid domain.SessionID, restart bool, attempt int) {
	init, ok := r.reg.Initiator(sid)
	if !ok {
		log.Warn().Str("module", "relay").Str("session", string(sid)).Msg("renegotiate: no initiator joined")
		return
	}
	payload, _ := json.Marshal(struct {
		Restart bool `json:"restart"`
		Attempt int  `json:"attempt"`
	}{restart, attempt})
	msg := &domain.SignalMessage{
		Type:      domain.KindRenegotiate,
		SessionID: sid,
		TargetID:  init.ID,
		Payload:   payload,
		SentAt:    time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := init.Conn.TrySend(data); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("session", string(sid)).Msg("renegotiate send dropped")
	}
	log.Info().Str("module", "relay").Str("session", string(sid)).
		Bool("restart", restart).Int("attempt", attempt).Msg("renegotiate requested")
}

// Reset drops the per-session negotiation bookkeeping. Part of teardown.
func (r *Relay) Reset(sid domain.SessionID) {
	r.mu.Lock()
	delete(r.states, sid)
	r.mu.Unlock()
}
