// Package monitor collapses raw per-endpoint connectivity signals into
// the logical connection state the rest of the system reacts to. It is
// the single source of truth for liveness.
package monitor

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/EmilynnJ/studio-sub000/internal/domain"
)

// Action tells the session runtime what the transition demands.
type Action int

const (
	ActionNone Action = iota
	// ActionBillingStart: state reached live. Start or resume billing,
	// reset the reconnection attempt counter.
	ActionBillingStart
	// ActionPauseAndRetry: state degraded. Pause billing, begin backoff.
	ActionPauseAndRetry
	// ActionFinalize: explicit close. Finalize billing, no reconnection.
	ActionFinalize
)

// Transition is the result of applying one raw signal.
type Transition struct {
	From   domain.LogicalState
	To     domain.LogicalState
	Action Action
	// Urgent is set when the raw signal was a hard failure rather than
	// a transient disconnect; the reconnect controller retries sooner.
	Urgent bool
}

// Machine is the per-session state machine. The owning session runtime
// serializes calls; Machine itself holds no lock.
type Machine struct {
	sid   domain.SessionID
	state domain.LogicalState
}

func New(sid domain.SessionID) *Machine {
	return &Machine{sid: sid, state: domain.StateConnecting}
}

func (m *Machine) State() domain.LogicalState { return m.state }

// ParseRaw maps a wire-format connectivity signal onto pion's ICE
// connection state. Unknown strings are validation errors.
func ParseRaw(s string) (webrtc.ICEConnectionState, error) {
	st := webrtc.NewICEConnectionState(s)
	if st == webrtc.ICEConnectionStateUnknown {
		return st, &domain.ValidationError{Field: "state", Reason: "unknown value " + s}
	}
	return st, nil
}

// Apply advances the machine by one raw signal and reports what the
// runtime must do. Signals arriving after termination are swallowed:
// terminal states are never left.
func (m *Machine) Apply(raw webrtc.ICEConnectionState) (Transition, error) {
	from := m.state
	tr := Transition{From: from, To: from}

	if from == domain.StateTerminated {
		return tr, nil
	}

	switch raw {
	case webrtc.ICEConnectionStateNew, webrtc.ICEConnectionStateChecking:
		if from == domain.StateLive {
			return tr, &domain.ValidationError{Field: "state", Reason: "live cannot regress to connecting"}
		}
		// Gathering during a reconnect attempt stays degraded.
		if from == domain.StateDegraded {
			return tr, nil
		}
		tr.To = domain.StateConnecting

	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		tr.To = domain.StateLive
		if from != domain.StateLive {
			tr.Action = ActionBillingStart
		}

	case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed:
		tr.To = domain.StateDegraded
		tr.Urgent = raw == webrtc.ICEConnectionStateFailed
		if from != domain.StateDegraded {
			tr.Action = ActionPauseAndRetry
		}

	case webrtc.ICEConnectionStateClosed:
		tr.To = domain.StateTerminated
		tr.Action = ActionFinalize

	default:
		return tr, &domain.ValidationError{Field: "state", Reason: "unknown signal"}
	}

	if tr.To != from {
		log.Info().Str("module", "monitor").Str("session", string(m.sid)).
			Str("from", string(from)).Str("to", string(tr.To)).Msg("logical state change")
	}
	m.state = tr.To
	return tr, nil
}

// Terminate forces the terminal state from inside the system (explicit
// end, reconnection exhaustion, startup timeout).
func (m *Machine) Terminate() Transition {
	from := m.state
	m.state = domain.StateTerminated
	if from != domain.StateTerminated {
		log.Info().Str("module", "monitor").Str("session", string(m.sid)).
			Str("from", string(from)).Msg("terminated")
		return Transition{From: from, To: domain.StateTerminated, Action: ActionFinalize}
	}
	return Transition{From: from, To: domain.StateTerminated}
}
