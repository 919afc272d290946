package billing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/EmilynnJ/studio-sub000/internal/domain"
	"github.com/EmilynnJ/studio-sub000/internal/metrics"
)

// SessionBilling is the charge state for one session. All methods
// serialize on the internal mutex; timer callbacks take the same lock,
// so a racing pause and tick cannot interleave.
type SessionBilling struct {
	engine *Engine

	mu        sync.Mutex
	sess      *domain.Session
	active    bool
	finalized bool
	result    *Settlement

	// anchor is the start of the currently accruing interval: set on
	// start/resume and after every tick. Paused time never moves it.
	anchor time.Time
	timer  *time.Timer
	ticks  []domain.BillingTick
}

func newSessionBilling(e *Engine, sess *domain.Session) *SessionBilling {
	return &SessionBilling{engine: e, sess: sess}
}

// Session returns a snapshot of the billing view of the session.
func (sb *SessionBilling) Session() domain.Session {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return *sb.sess
}

// Ticks returns the recorded ledger so far.
func (sb *SessionBilling) Ticks() []domain.BillingTick {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	out := make([]domain.BillingTick, len(sb.ticks))
	copy(out, sb.ticks)
	return out
}

// Active reports whether the interval timer is running.
func (sb *SessionBilling) Active() bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.active
}

// Finalized reports whether settlement has happened.
func (sb *SessionBilling) Finalized() bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.finalized
}

// Start begins the fixed-interval timer. No-op if already active or
// finalized. The caller must only invoke this while the logical
// connection state is live.
func (sb *SessionBilling) Start(ctx context.Context) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.active || sb.finalized {
		return
	}
	now := time.Now().UTC()
	sb.active = true
	sb.anchor = now
	sb.scheduleLocked()

	update := SessionUpdate{Status: statusPtr(domain.StatusActive)}
	if sb.sess.Started == nil {
		sb.sess.Started = &now
		update.StartedAt = &now
		sb.engine.notify.SessionStarted(sb.sess.ID)
	}
	sb.sess.Status = domain.StatusActive
	sb.persistLocked(ctx, update)
	log.Info().Str("module", "billing").Str("session", string(sb.sess.ID)).Msg("billing started")
}

// Resume continues charging after a pause. Same contract as Start.
func (sb *SessionBilling) Resume(ctx context.Context) { sb.Start(ctx) }

// Pause stops the timer without charging. Elapsed time while paused
// does not accrue.
func (sb *SessionBilling) Pause(ctx context.Context) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.pauseLocked(ctx)
}

func (sb *SessionBilling) pauseLocked(ctx context.Context) {
	if !sb.active || sb.finalized {
		return
	}
	sb.active = false
	if sb.timer != nil {
		sb.timer.Stop()
		sb.timer = nil
	}
	sb.sess.Status = domain.StatusPaused
	sb.persistLocked(ctx, SessionUpdate{Status: statusPtr(domain.StatusPaused)})
	log.Info().Str("module", "billing").Str("session", string(sb.sess.ID)).Msg("billing paused")
}

func (sb *SessionBilling) scheduleLocked() {
	sb.timer = time.AfterFunc(sb.engine.cfg.Interval, sb.onTimer)
}

func (sb *SessionBilling) onTimer() {
	if err := sb.Tick(context.Background(), time.Now().UTC()); err != nil {
		log.Warn().Err(err).Str("module", "billing").Msg("tick failed")
	}
}

// Tick charges exactly one interval at the rate, records the next
// contiguous tick, and broadcasts the new balance. If the following
// interval could not be afforded, the session is finalized with reason
// insufficient_funds right after the current tick is recorded. A
// gateway failure records nothing, pauses billing and is surfaced; the
// next tick boundary is the retry point.
func (sb *SessionBilling) Tick(ctx context.Context, now time.Time) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if !sb.active || sb.finalized {
		return nil
	}

	rate := sb.sess.RatePerInterval
	if err := sb.engine.gateway.Charge(ctx, sb.sess.PayerID, rate, sb.sess.ID); err != nil {
		gwErr := &domain.PaymentGatewayError{Op: "charge", Err: err}
		sb.pauseLocked(ctx)
		sb.engine.notify.PaymentFailure(sb.sess.ID, gwErr)
		return gwErr
	}

	sb.recordTickLocked(ctx, rate, now)
	sb.anchor = now

	if sb.sess.BalanceMinor < rate {
		// The next interval cannot be afforded; never charge for
		// service that cannot be paid.
		_, err := sb.finalizeLocked(ctx, domain.ReasonInsufficientFunds, now)
		return err
	}
	sb.scheduleLocked()
	return nil
}

func (sb *SessionBilling) recordTickLocked(ctx context.Context, amount int64, now time.Time) {
	sb.sess.BalanceMinor -= amount
	sb.sess.TotalChargedMinor += amount
	sb.sess.TotalIntervals++

	tick := domain.BillingTick{
		SessionID:         sb.sess.ID,
		IntervalIndex:     sb.sess.TotalIntervals,
		AmountMinor:       amount,
		BalanceAfterMinor: sb.sess.BalanceMinor,
		TickedAt:          now,
	}
	sb.ticks = append(sb.ticks, tick)
	if err := sb.engine.store.AppendTick(ctx, tick); err != nil {
		log.Error().Err(err).Str("module", "billing").Str("session", string(sb.sess.ID)).
			Int64("interval", tick.IntervalIndex).Msg("tick not persisted")
	}
	sb.persistLocked(ctx, SessionUpdate{
		BalanceMinor:      &sb.sess.BalanceMinor,
		TotalChargedMinor: &sb.sess.TotalChargedMinor,
		TotalIntervals:    &sb.sess.TotalIntervals,
	})
	sb.engine.notify.BillingUpdate(tick)
	metrics.BillingTicks.Inc()
	metrics.ChargedMinor.Add(float64(amount))
	log.Info().Str("module", "billing").Str("session", string(sb.sess.ID)).
		Int64("interval", tick.IntervalIndex).Int64("amount", amount).
		Int64("balance", tick.BalanceAfterMinor).Msg("tick")
}

// Finalize settles the session exactly once. A second call returns the
// stored settlement.
func (sb *SessionBilling) Finalize(ctx context.Context, reason domain.EndReason, endTime time.Time) (Settlement, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.finalizeLocked(ctx, reason, endTime)
}

func (sb *SessionBilling) finalizeLocked(ctx context.Context, reason domain.EndReason, endTime time.Time) (Settlement, error) {
	if sb.finalized {
		return *sb.result, nil
	}

	wasLive := sb.active
	if sb.timer != nil {
		sb.timer.Stop()
		sb.timer = nil
	}
	sb.active = false
	sb.finalized = true

	// One prorated partial interval when the session accrued past the
	// threshold since the last tick.
	if wasLive && !sb.anchor.IsZero() {
		elapsed := endTime.Sub(sb.anchor)
		if elapsed > sb.engine.cfg.ProrationThreshold {
			amount := prorate(sb.sess.RatePerInterval, elapsed, sb.engine.cfg.Interval)
			if amount > sb.sess.BalanceMinor {
				amount = sb.sess.BalanceMinor
			}
			if amount > 0 {
				if err := sb.engine.gateway.Charge(ctx, sb.sess.PayerID, amount, sb.sess.ID); err != nil {
					log.Error().Err(err).Str("module", "billing").Str("session", string(sb.sess.ID)).
						Msg("partial interval charge failed, settling without it")
				} else {
					sb.recordTickLocked(ctx, amount, endTime)
				}
			}
		}
	}

	providerShare := sb.sess.TotalChargedMinor * sb.engine.cfg.ProviderSharePct / 100
	settlement := Settlement{
		SessionID:          sb.sess.ID,
		Reason:             reason,
		TotalChargedMinor:  sb.sess.TotalChargedMinor,
		TotalIntervals:     sb.sess.TotalIntervals,
		ProviderShareMinor: providerShare,
		PlatformShareMinor: sb.sess.TotalChargedMinor - providerShare,
		EndedAt:            endTime,
	}
	if sb.sess.Started != nil {
		settlement.ElapsedMinutes = int64(endTime.Sub(*sb.sess.Started) / time.Minute)
	}
	sb.result = &settlement

	sb.sess.Status = reason.StatusFor()
	sb.sess.EndReason = reason
	sb.sess.Ended = &endTime
	sb.persistLocked(ctx, SessionUpdate{
		Status:            &sb.sess.Status,
		EndReason:         &reason,
		EndedAt:           &endTime,
		BalanceMinor:      &sb.sess.BalanceMinor,
		TotalChargedMinor: &sb.sess.TotalChargedMinor,
		TotalIntervals:    &sb.sess.TotalIntervals,
	})

	if providerShare > 0 {
		if err := sb.engine.gateway.Transfer(ctx, sb.sess.ProviderID, providerShare, sb.sess.ID); err != nil {
			// Not retried here: settlement stands, the transfer is
			// reconciled out of band.
			log.Error().Err(err).Str("module", "billing").Str("session", string(sb.sess.ID)).
				Int64("amount", providerShare).Msg("provider transfer failed")
		}
	}

	sb.engine.notify.SessionEnded(settlement)
	metrics.SessionsEnded.WithLabelValues(string(reason)).Inc()
	log.Info().Str("module", "billing").Str("session", string(sb.sess.ID)).
		Str("reason", string(reason)).Int64("charged", settlement.TotalChargedMinor).
		Int64("intervals", settlement.TotalIntervals).Msg("finalized")
	return settlement, nil
}

func (sb *SessionBilling) stopTimers() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.active = false
	if sb.timer != nil {
		sb.timer.Stop()
		sb.timer = nil
	}
}

func (sb *SessionBilling) persistLocked(ctx context.Context, fields SessionUpdate) {
	if err := sb.engine.store.UpdateSession(ctx, sb.sess.ID, fields); err != nil {
		log.Error().Err(err).Str("module", "billing").Str("session", string(sb.sess.ID)).
			Msg("session update not persisted")
	}
}

func prorate(rate int64, elapsed, interval time.Duration) int64 {
	if elapsed >= interval {
		return rate
	}
	return rate * int64(elapsed) / int64(interval)
}

func statusPtr(s domain.Status) *domain.Status { return &s }
