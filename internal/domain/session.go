// Package domain contains entities without logic, just meta-data.
package domain

import (
	"time"

	"github.com/google/uuid"
)

type (
	SessionID     string
	ParticipantID string
)

// Status is the session lifecycle state. Transitions are monotonic:
// once a terminal status is reached the session never leaves it.
type Status string

const (
	StatusRequested             Status = "requested"
	StatusAccepted              Status = "accepted"
	StatusConnecting            Status = "connecting"
	StatusActive                Status = "active"
	StatusPaused                Status = "paused"
	StatusEnded                 Status = "ended"
	StatusEndedInsufficientFund Status = "ended_insufficient_funds"
	StatusCancelled             Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusEnded, StatusEndedInsufficientFund, StatusCancelled:
		return true
	}
	return false
}

// EndReason records why a session ended. Every terminal session carries one.
type EndReason string

const (
	ReasonUserEnded         EndReason = "user_ended"
	ReasonInsufficientFunds EndReason = "insufficient_funds"
	ReasonConnectionFailed  EndReason = "connection_failed"
	ReasonCancelled         EndReason = "cancelled"
	ReasonStartupTimeout    EndReason = "startup_timeout"
)

// StatusFor maps an end reason to the terminal status it persists as.
func (r EndReason) StatusFor() Status {
	switch r {
	case ReasonInsufficientFunds:
		return StatusEndedInsufficientFund
	case ReasonCancelled, ReasonStartupTimeout:
		return StatusCancelled
	default:
		return StatusEnded
	}
}

// Session is the billable unit: one provider, one payer, one rate.
// Billing fields are mutated only by the billing engine.
type Session struct {
	ID              SessionID     `json:"id"`
	ProviderID      ParticipantID `json:"provider_id"`
	PayerID         ParticipantID `json:"payer_id"`
	RatePerInterval int64         `json:"rate_per_interval"`
	BalanceMinor    int64         `json:"balance_minor"`

	Status    Status     `json:"status"`
	EndReason EndReason  `json:"end_reason,omitempty"`
	Requested time.Time  `json:"requested_at"`
	Accepted  *time.Time `json:"accepted_at,omitempty"`
	Started   *time.Time `json:"started_at,omitempty"`
	Ended     *time.Time `json:"ended_at,omitempty"`

	TotalChargedMinor int64 `json:"total_charged_minor"`
	TotalIntervals    int64 `json:"total_intervals"`
}

func NewSessionID() SessionID { return SessionID(uuid.NewString()) }

// LogicalState is the derived connection state the monitor owns.
// Billing charges only while Live.
type LogicalState string

const (
	StateConnecting LogicalState = "connecting"
	StateLive       LogicalState = "live"
	StateDegraded   LogicalState = "degraded"
	StateTerminated LogicalState = "terminated"
)
