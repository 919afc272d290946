// Package presence resolves a participant's role in a session. The
// core consumes the role only at join time.
package presence

import (
	"context"

	"github.com/EmilynnJ/studio-sub000/internal/billing"
	"github.com/EmilynnJ/studio-sub000/internal/domain"
)

// Provider is the identity collaborator.
type Provider interface {
	Role(ctx context.Context, sid domain.SessionID, pid domain.ParticipantID) (domain.Role, error)
}

// StoreProvider derives roles from the booked session record: the
// rate-setting provider initiates, the payer responds.
type StoreProvider struct {
	Store billing.Store
}

func (p *StoreProvider) Role(ctx context.Context, sid domain.SessionID, pid domain.ParticipantID) (domain.Role, error) {
	sess, err := p.Store.GetSession(ctx, sid)
	if err != nil {
		return 0, err
	}
	switch pid {
	case sess.ProviderID:
		return domain.RoleInitiator, nil
	case sess.PayerID:
		return domain.RoleResponder, nil
	}
	return 0, &domain.AuthorizationError{SessionID: sid, ParticipantID: pid}
}
