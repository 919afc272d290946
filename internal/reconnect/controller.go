// Package reconnect drives bounded, exponentially backed-off
// renegotiation after a connection degrades.
package reconnect

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/EmilynnJ/studio-sub000/internal/domain"
	"github.com/EmilynnJ/studio-sub000/internal/metrics"
)

type Config struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// Renegotiator asks the session's initiator for a fresh offer.
// Implemented by the signaling relay.
type Renegotiator interface {
	RequestRenegotiate(sid domain.SessionID, restart bool, attempt int)
}

// Controller retries renegotiation for one session. A successful
// reconnection (OnLive) resets the attempt counter; exhausting
// MaxAttempts escalates through onExhausted exactly once per cycle.
// The owning session runtime serializes external calls.
type Controller struct {
	sid         domain.SessionID
	cfg         Config
	relay       Renegotiator
	onExhausted func(*domain.ConnectionError)

	mu      sync.Mutex
	backoff *backoff.ExponentialBackOff
	attempt int
	timer   *time.Timer
	running bool
	stopped bool
}

func NewController(sid domain.SessionID, cfg Config, relay Renegotiator, onExhausted func(*domain.ConnectionError)) *Controller {
	return &Controller{
		sid:         sid,
		cfg:         cfg,
		relay:       relay,
		onExhausted: onExhausted,
		backoff:     newBackOff(cfg),
	}
}

func newBackOff(cfg Config) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.Base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         cfg.Cap,
	}
	b.Reset()
	return b
}

// OnDegraded begins a retry cycle. Repeat degradation signals while a
// cycle is in flight are absorbed. Urgent degradation (a hard failure)
// skips the initial wait.
func (c *Controller) OnDegraded(urgent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running || c.stopped {
		return
	}
	c.running = true
	// Urgent degradation skips the wait without consuming a rung, so
	// the follow-up attempts still walk the full ladder.
	var delay time.Duration
	if !urgent {
		delay = c.backoff.NextBackOff()
	}
	c.scheduleLocked(delay)
}

func (c *Controller) scheduleLocked(delay time.Duration) {
	c.timer = time.AfterFunc(delay, c.fire)
}

func (c *Controller) fire() {
	c.mu.Lock()
	if !c.running || c.stopped {
		c.mu.Unlock()
		return
	}
	c.attempt++
	attempt := c.attempt
	if attempt > c.cfg.MaxAttempts {
		c.running = false
		c.mu.Unlock()
		log.Warn().Str("module", "reconnect").Str("session", string(c.sid)).
			Int("attempts", c.cfg.MaxAttempts).Msg("reconnection exhausted")
		c.onExhausted(&domain.ConnectionError{SessionID: c.sid, Attempts: c.cfg.MaxAttempts})
		return
	}
	next := c.backoff.NextBackOff()
	c.scheduleLocked(next)
	c.mu.Unlock()

	metrics.ReconnectAttempts.Inc()
	log.Info().Str("module", "reconnect").Str("session", string(c.sid)).
		Int("attempt", attempt).Dur("next_delay", next).Msg("renegotiation attempt")
	c.relay.RequestRenegotiate(c.sid, true, attempt)
}

// OnLive resets the cycle after a successful reconnection.
func (c *Controller) OnLive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.attempt = 0
	c.backoff = newBackOff(c.cfg)
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Stop cancels any pending attempt permanently. Part of teardown.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.running = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
