package relay

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/EmilynnJ/studio-sub000/internal/domain"
)

type sdpPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (s sdpPayload) toPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, &domain.SignalingError{Reason: "unsupported sdp type " + s.Type}
	}
	if s.SDP == "" {
		return webrtc.SessionDescription{}, &domain.SignalingError{Reason: "empty sdp"}
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// validatePayload checks that negotiation bodies parse into the shapes
// endpoints expect. The relay never interprets them further.
func validatePayload(msg *domain.SignalMessage) error {
	switch msg.Type {
	case domain.KindOffer, domain.KindAnswer:
		var p sdpPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return &domain.SignalingError{Reason: "malformed sdp payload"}
		}
		desc, err := p.toPion()
		if err != nil {
			return err
		}
		if (msg.Type == domain.KindOffer) != (desc.Type == webrtc.SDPTypeOffer) {
			return &domain.SignalingError{Reason: "sdp type does not match message kind"}
		}
	case domain.KindCandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Payload, &c); err != nil {
			return &domain.SignalingError{Reason: "malformed candidate payload"}
		}
		if c.Candidate == "" {
			return &domain.SignalingError{Reason: "empty candidate"}
		}
	}
	return nil
}
