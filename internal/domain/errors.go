package domain

import "fmt"

// ValidationError: malformed or missing ids. Fails fast, no state mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// AuthorizationError: a non-member attempted a relay or control action.
type AuthorizationError struct {
	SessionID     SessionID
	ParticipantID ParticipantID
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("participant %s is not a member of session %s", e.ParticipantID, e.SessionID)
}

// InsufficientFundsError: payer balance cannot cover the next interval.
// Terminal for the session whenever it escapes initialize.
type InsufficientFundsError struct {
	SessionID    SessionID
	BalanceMinor int64
	RateMinor    int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("session %s: balance %d below rate %d", e.SessionID, e.BalanceMinor, e.RateMinor)
}

// SignalingError: malformed negotiation payload or unresolvable target.
// Surfaced to the sender only; never touches session status.
type SignalingError struct {
	Reason string
}

func (e *SignalingError) Error() string {
	return "signaling: " + e.Reason
}

// ConnectionError: reconnection attempts exhausted. Ends the session.
type ConnectionError struct {
	SessionID SessionID
	Attempts  int
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("session %s: connection lost after %d reconnection attempts", e.SessionID, e.Attempts)
}

// PaymentGatewayError: a charge or transfer failed. Pauses billing; the
// next natural tick boundary is the retry point.
type PaymentGatewayError struct {
	Op  string
	Err error
}

func (e *PaymentGatewayError) Error() string {
	return fmt.Sprintf("payment gateway %s: %v", e.Op, e.Err)
}

func (e *PaymentGatewayError) Unwrap() error { return e.Err }
