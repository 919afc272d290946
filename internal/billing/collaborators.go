package billing

import (
	"context"
	"time"

	"github.com/EmilynnJ/studio-sub000/internal/domain"
)

// Store is the persistence collaborator. The engine reads rate and
// balance at initialize and writes status, timestamps and totals as the
// session progresses. The broader schema is not owned here.
type Store interface {
	GetSession(ctx context.Context, id domain.SessionID) (*domain.Session, error)
	UpdateSession(ctx context.Context, id domain.SessionID, fields SessionUpdate) error
	AppendTick(ctx context.Context, tick domain.BillingTick) error
}

// SessionUpdate is a sparse field set for UpdateSession. Nil means
// leave unchanged.
type SessionUpdate struct {
	Status            *domain.Status
	EndReason         *domain.EndReason
	StartedAt         *time.Time
	EndedAt           *time.Time
	BalanceMinor      *int64
	TotalChargedMinor *int64
	TotalIntervals    *int64
}

// Gateway is the payment collaborator. Both calls are black boxes and
// are never retried within the same interval.
type Gateway interface {
	Charge(ctx context.Context, payerID domain.ParticipantID, amountMinor int64, sessionID domain.SessionID) error
	Transfer(ctx context.Context, providerID domain.ParticipantID, amountMinor int64, sessionID domain.SessionID) error
}

// Notifier carries billing events out to session participants.
type Notifier interface {
	SessionStarted(sid domain.SessionID)
	BillingUpdate(tick domain.BillingTick)
	PaymentFailure(sid domain.SessionID, err error)
	SessionEnded(s Settlement)
}

// Settlement is the exact, once-only outcome of finalization.
type Settlement struct {
	SessionID          domain.SessionID `json:"session_id"`
	Reason             domain.EndReason `json:"reason"`
	TotalChargedMinor  int64            `json:"total_charged_minor"`
	TotalIntervals     int64            `json:"total_intervals"`
	ProviderShareMinor int64            `json:"provider_share_minor"`
	PlatformShareMinor int64            `json:"platform_share_minor"`
	ElapsedMinutes     int64            `json:"elapsed_minutes"`
	EndedAt            time.Time        `json:"ended_at"`
}
