package domain

import (
	"encoding/json"
	"time"
)

// MessageKind is the wire-level signal type.
type MessageKind string

const (
	KindJoinRoom        MessageKind = "join-room"
	KindLeaveRoom       MessageKind = "leave-room"
	KindOffer           MessageKind = "offer"
	KindAnswer          MessageKind = "answer"
	KindCandidate       MessageKind = "candidate"
	KindConnectionState MessageKind = "connection-state"
	KindSessionStarted  MessageKind = "session-started"
	KindSessionEnded    MessageKind = "session-ended"
	KindBillingUpdate   MessageKind = "billing-update"
	KindPauseBilling    MessageKind = "pause-billing"
	KindResumeBilling   MessageKind = "resume-billing"
	KindRenegotiate     MessageKind = "renegotiate"
	KindRoomState       MessageKind = "room-state"
	KindError           MessageKind = "error"
	KindPing            MessageKind = "ping"
	KindPong            MessageKind = "pong"
)

// Negotiation reports whether the kind is part of the offer/answer/candidate
// exchange the relay forwards verbatim.
func (k MessageKind) Negotiation() bool {
	return k == KindOffer || k == KindAnswer || k == KindCandidate
}

// SignalMessage is the envelope for everything crossing the signaling
// channel. Payload is opaque to the relay (SDP, ICE, billing snapshots).
// Transient: relayed, never retained by the core.
type SignalMessage struct {
	Type      MessageKind     `json:"type"`
	SessionID SessionID       `json:"sessionId"`
	SenderID  ParticipantID   `json:"senderId,omitempty"`
	TargetID  ParticipantID   `json:"targetId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SentAt    time.Time       `json:"sentAt,omitempty"`
}

// Validate checks the ids the core needs before any routing happens.
func (m *SignalMessage) Validate() error {
	if m.Type == "" {
		return &ValidationError{Field: "type", Reason: "missing"}
	}
	if m.SessionID == "" {
		return &ValidationError{Field: "sessionId", Reason: "missing"}
	}
	if m.Type.Negotiation() && m.SenderID == "" {
		return &ValidationError{Field: "senderId", Reason: "missing"}
	}
	return nil
}
