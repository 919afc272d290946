// Package app wires the session-level components together: registry,
// relay, monitor, billing and reconnection. All state transitions for
// one session funnel through that session's runtime lock.
package app

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/EmilynnJ/studio-sub000/internal/billing"
	"github.com/EmilynnJ/studio-sub000/internal/domain"
	"github.com/EmilynnJ/studio-sub000/internal/metrics"
	"github.com/EmilynnJ/studio-sub000/internal/monitor"
	"github.com/EmilynnJ/studio-sub000/internal/reconnect"
	"github.com/EmilynnJ/studio-sub000/internal/registry"
	"github.com/EmilynnJ/studio-sub000/internal/relay"
)

type Config struct {
	Billing        billing.Config
	Reconnect      reconnect.Config
	StartupTimeout time.Duration
}

// runtime is the serialized unit of concurrency for one session.
type runtime struct {
	sid domain.SessionID

	mu           sync.Mutex
	machine      *monitor.Machine
	bill         *billing.SessionBilling
	recon        *reconnect.Controller
	startupTimer *time.Timer
	torndown     bool
}

type Orchestrator struct {
	cfg    Config
	reg    *registry.Registry
	rel    *relay.Relay
	engine *billing.Engine

	mu       sync.Mutex
	runtimes map[domain.SessionID]*runtime
}

func New(cfg Config, reg *registry.Registry, rel *relay.Relay, store billing.Store, gateway billing.Gateway) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		reg:      reg,
		rel:      rel,
		runtimes: make(map[domain.SessionID]*runtime),
	}
	o.engine = billing.NewEngine(cfg.Billing, store, gateway, o)
	return o
}

// Join admits a participant. Billing is initialized before the first
// member may exchange any signaling, so an underfunded session never
// sends an offer.
func (o *Orchestrator) Join(ctx context.Context, sid domain.SessionID, m *registry.Member) ([]domain.ParticipantID, error) {
	bill, err := o.engine.Initialize(ctx, sid)
	if err != nil {
		return nil, err
	}
	set, err := o.reg.Join(sid, m)
	if err != nil {
		return nil, err
	}
	o.ensureRuntime(sid, bill)
	o.rel.OnMemberJoined(sid, m.ID)
	return set, nil
}

// Leave drops membership bookkeeping. It does not end the session
// entity; liveness decay is the monitor's call.
func (o *Orchestrator) Leave(sid domain.SessionID, pid domain.ParticipantID) []domain.ParticipantID {
	return o.reg.Leave(sid, pid)
}

// LeaveConn drops membership only while conn still owns it. The socket
// cleanup path uses this so a participant who already rejoined on a
// fresh socket keeps its membership when the old socket dies.
func (o *Orchestrator) LeaveConn(sid domain.SessionID, pid domain.ParticipantID, conn registry.Conn) []domain.ParticipantID {
	return o.reg.LeaveConn(sid, pid, conn)
}

// Forward relays one negotiation message.
func (o *Orchestrator) Forward(msg *domain.SignalMessage) error {
	return o.rel.Forward(msg)
}

func (o *Orchestrator) ensureRuntime(sid domain.SessionID, bill *billing.SessionBilling) *runtime {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rt, ok := o.runtimes[sid]; ok {
		return rt
	}
	rt := &runtime{
		sid:     sid,
		machine: monitor.New(sid),
		bill:    bill,
	}
	rt.recon = reconnect.NewController(sid, o.cfg.Reconnect, o.rel, func(err *domain.ConnectionError) {
		log.Warn().Err(err).Str("module", "app").Str("session", string(sid)).Msg("reconnection exhausted")
		o.EndSession(sid, domain.ReasonConnectionFailed)
	})
	if o.cfg.StartupTimeout > 0 {
		rt.startupTimer = time.AfterFunc(o.cfg.StartupTimeout, func() {
			o.startupTimedOut(sid)
		})
	}
	o.runtimes[sid] = rt
	metrics.ActiveSessions.Inc()
	log.Info().Str("module", "app").Str("session", string(sid)).Msg("session runtime created")
	return rt
}

func (o *Orchestrator) runtimeFor(sid domain.SessionID) (*runtime, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rt, ok := o.runtimes[sid]
	return rt, ok
}

// ConnectionSignal applies one raw connectivity report from a session
// member. The monitor derives the logical state; billing and
// reconnection react to the transition.
func (o *Orchestrator) ConnectionSignal(ctx context.Context, sid domain.SessionID, pid domain.ParticipantID, raw string) error {
	if !o.reg.IsMember(sid, pid) {
		return &domain.AuthorizationError{SessionID: sid, ParticipantID: pid}
	}
	state, err := monitor.ParseRaw(raw)
	if err != nil {
		return err
	}
	rt, ok := o.runtimeFor(sid)
	if !ok {
		return &domain.ValidationError{Field: "sessionId", Reason: "no active runtime"}
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.torndown {
		return nil
	}
	tr, err := rt.machine.Apply(state)
	if err != nil {
		return err
	}
	o.applyLocked(ctx, rt, tr)
	return nil
}

func (o *Orchestrator) applyLocked(ctx context.Context, rt *runtime, tr monitor.Transition) {
	switch tr.Action {
	case monitor.ActionBillingStart:
		rt.stopStartupTimerLocked()
		rt.recon.OnLive()
		rt.bill.Start(ctx)
	case monitor.ActionPauseAndRetry:
		rt.bill.Pause(ctx)
		rt.recon.OnDegraded(tr.Urgent)
	case monitor.ActionFinalize:
		o.finalizeLocked(ctx, rt, domain.ReasonUserEnded)
	}
}

// PauseBilling handles an explicit pause control from the provider.
func (o *Orchestrator) PauseBilling(ctx context.Context, sid domain.SessionID, pid domain.ParticipantID) error {
	rt, err := o.controlRuntime(sid, pid)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.torndown {
		return nil
	}
	rt.bill.Pause(ctx)
	return nil
}

// ResumeBilling handles an explicit resume control from the provider.
// Billing only resumes while the connection is actually live.
func (o *Orchestrator) ResumeBilling(ctx context.Context, sid domain.SessionID, pid domain.ParticipantID) error {
	rt, err := o.controlRuntime(sid, pid)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.torndown {
		return nil
	}
	if rt.machine.State() != domain.StateLive {
		return &domain.SignalingError{Reason: "cannot resume billing while connection is not live"}
	}
	rt.bill.Resume(ctx)
	return nil
}

// controlRuntime authorizes a billing control action: members only,
// and only the rate-setting initiator.
func (o *Orchestrator) controlRuntime(sid domain.SessionID, pid domain.ParticipantID) (*runtime, error) {
	m, ok := o.reg.Member(sid, pid)
	if !ok {
		return nil, &domain.AuthorizationError{SessionID: sid, ParticipantID: pid}
	}
	if !m.Role.CreatesOffers() {
		return nil, &domain.AuthorizationError{SessionID: sid, ParticipantID: pid}
	}
	rt, ok := o.runtimeFor(sid)
	if !ok {
		return nil, &domain.ValidationError{Field: "sessionId", Reason: "no active runtime"}
	}
	return rt, nil
}

// EndSession terminates and settles a session for the given reason.
// Safe to call from any path; settlement happens exactly once.
func (o *Orchestrator) EndSession(sid domain.SessionID, reason domain.EndReason) {
	rt, ok := o.runtimeFor(sid)
	if !ok {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.torndown {
		return
	}
	rt.machine.Terminate()
	o.finalizeLocked(context.Background(), rt, reason)
}

func (o *Orchestrator) startupTimedOut(sid domain.SessionID) {
	rt, ok := o.runtimeFor(sid)
	if !ok {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.torndown || rt.machine.State() == domain.StateLive {
		return
	}
	log.Warn().Str("module", "app").Str("session", string(sid)).Msg("never reached live within startup window")
	rt.machine.Terminate()
	o.finalizeLocked(context.Background(), rt, domain.ReasonStartupTimeout)
}

func (o *Orchestrator) finalizeLocked(ctx context.Context, rt *runtime, reason domain.EndReason) {
	if _, err := rt.bill.Finalize(ctx, reason, time.Now().UTC()); err != nil {
		log.Error().Err(err).Str("module", "app").Str("session", string(rt.sid)).Msg("finalize")
	}
	o.teardownLocked(rt)
}

// teardownLocked is the single scoped exit: billing timers, pending
// reconnection, startup timer, registry membership and relay
// bookkeeping all go together, on every exit path.
func (o *Orchestrator) teardownLocked(rt *runtime) {
	if rt.torndown {
		return
	}
	rt.torndown = true
	rt.recon.Stop()
	rt.stopStartupTimerLocked()
	o.engine.Release(rt.sid)
	o.reg.Drop(rt.sid)
	o.rel.Reset(rt.sid)

	o.mu.Lock()
	delete(o.runtimes, rt.sid)
	o.mu.Unlock()
	metrics.ActiveSessions.Dec()
	log.Info().Str("module", "app").Str("session", string(rt.sid)).Msg("session torn down")
}

func (rt *runtime) stopStartupTimerLocked() {
	if rt.startupTimer != nil {
		rt.startupTimer.Stop()
		rt.startupTimer = nil
	}
}

// Shutdown cancels every session the billing engine still holds. Used
// on process exit so no timer outlives the service.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	for _, sid := range o.engine.Active() {
		o.EndSession(sid, domain.ReasonCancelled)
	}
}

// State reports the logical connection state for a session runtime.
func (o *Orchestrator) State(sid domain.SessionID) (domain.LogicalState, bool) {
	rt, ok := o.runtimeFor(sid)
	if !ok {
		return "", false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.machine.State(), true
}

// --- billing.Notifier ---

// SessionStarted broadcasts the lifecycle event to both participants.
func (o *Orchestrator) SessionStarted(sid domain.SessionID) {
	o.rel.Broadcast(sid, &domain.SignalMessage{Type: domain.KindSessionStarted})
}

// BillingUpdate broadcasts a balance/interval snapshot.
func (o *Orchestrator) BillingUpdate(tick domain.BillingTick) {
	payload, _ := json.Marshal(tick)
	o.rel.Broadcast(tick.SessionID, &domain.SignalMessage{
		Type:    domain.KindBillingUpdate,
		Payload: payload,
	})
}

// PaymentFailure tells participants billing paused on a gateway error.
func (o *Orchestrator) PaymentFailure(sid domain.SessionID, err error) {
	payload, _ := json.Marshal(struct {
		Reason string `json:"reason"`
	}{"payment_failed"})
	log.Warn().Err(err).Str("module", "app").Str("session", string(sid)).Msg("payment failure, billing paused")
	o.rel.Broadcast(sid, &domain.SignalMessage{
		Type:    domain.KindPauseBilling,
		Payload: payload,
	})
}

// SessionEnded broadcasts the settlement and schedules teardown. The
// cleanup goroutine exists because the engine can finalize from inside
// its own tick (insufficient funds) while holding billing locks.
func (o *Orchestrator) SessionEnded(s billing.Settlement) {
	payload, _ := json.Marshal(s)
	o.rel.Broadcast(s.SessionID, &domain.SignalMessage{
		Type:    domain.KindSessionEnded,
		Payload: payload,
	})
	go func() {
		rt, ok := o.runtimeFor(s.SessionID)
		if !ok {
			return
		}
		rt.mu.Lock()
		defer rt.mu.Unlock()
		rt.machine.Terminate()
		o.teardownLocked(rt)
	}()
}
