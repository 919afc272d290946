// Package billing drives the per-interval charge for live sessions:
// start when the connection is verified live, pause the instant it
// degrades, settle exactly once at the end.
package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/EmilynnJ/studio-sub000/internal/domain"
)

type Config struct {
	// Interval is the fixed charge period (canonically 60s).
	Interval time.Duration
	// ProrationThreshold is the minimum accrued time after the last
	// tick for which a final partial interval is billed.
	ProrationThreshold time.Duration
	// ProviderSharePct of every charged unit goes to the provider; the
	// remainder stays with the platform.
	ProviderSharePct int64
}

// Engine owns one SessionBilling per initialized session.
type Engine struct {
	cfg     Config
	store   Store
	gateway Gateway
	notify  Notifier

	init singleflight.Group

	mu       sync.Mutex
	sessions map[domain.SessionID]*SessionBilling
}

func NewEngine(cfg Config, store Store, gateway Gateway, notify Notifier) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    store,
		gateway:  gateway,
		notify:   notify,
		sessions: make(map[domain.SessionID]*SessionBilling),
	}
}

// Initialize loads the session, verifies the payer can afford at least
// one interval, and returns the per-session billing state. Concurrent
// duplicate calls collapse onto one instance; a repeat call returns the
// existing one.
func (e *Engine) Initialize(ctx context.Context, sid domain.SessionID) (*SessionBilling, error) {
	e.mu.Lock()
	if sb, ok := e.sessions[sid]; ok {
		e.mu.Unlock()
		return sb, nil
	}
	e.mu.Unlock()

	v, err, _ := e.init.Do(string(sid), func() (any, error) {
		e.mu.Lock()
		if sb, ok := e.sessions[sid]; ok {
			e.mu.Unlock()
			return sb, nil
		}
		e.mu.Unlock()

		sess, err := e.store.GetSession(ctx, sid)
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", sid, err)
		}
		if sess.Status.Terminal() {
			return nil, &domain.ValidationError{Field: "sessionId", Reason: "session already ended"}
		}
		if sess.BalanceMinor < sess.RatePerInterval {
			return nil, &domain.InsufficientFundsError{
				SessionID:    sid,
				BalanceMinor: sess.BalanceMinor,
				RateMinor:    sess.RatePerInterval,
			}
		}

		sb := newSessionBilling(e, sess)
		e.mu.Lock()
		e.sessions[sid] = sb
		e.mu.Unlock()
		log.Info().Str("module", "billing").Str("session", string(sid)).
			Int64("rate", sess.RatePerInterval).Int64("balance", sess.BalanceMinor).
			Msg("billing initialized")
		return sb, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*SessionBilling), nil
}

// Get returns the billing state for an initialized session.
func (e *Engine) Get(sid domain.SessionID) (*SessionBilling, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sb, ok := e.sessions[sid]
	return sb, ok
}

// Release stops any pending timers and drops the session from the
// engine. Called from teardown after finalization.
func (e *Engine) Release(sid domain.SessionID) {
	e.mu.Lock()
	sb, ok := e.sessions[sid]
	delete(e.sessions, sid)
	e.mu.Unlock()
	if ok {
		sb.stopTimers()
	}
}

// Active returns the ids of all sessions currently held by the engine.
// Used by shutdown to finalize everything in flight.
func (e *Engine) Active() []domain.SessionID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.SessionID, 0, len(e.sessions))
	for sid := range e.sessions {
		out = append(out, sid)
	}
	return out
}
