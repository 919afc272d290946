package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/EmilynnJ/studio-sub000/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeStore struct {
	mu       sync.Mutex
	sessions map[domain.SessionID]*domain.Session
	ticks    []domain.BillingTick
}

func newFakeStore(sessions ...*domain.Session) *fakeStore {
	s := &fakeStore{sessions: make(map[domain.SessionID]*domain.Session)}
	for _, sess := range sessions {
		cp := *sess
		s.sessions[sess.ID] = &cp
	}
	return s
}

func (s *fakeStore) GetSession(_ context.Context, id domain.SessionID) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *sess
	return &cp, nil
}

func (s *fakeStore) UpdateSession(_ context.Context, id domain.SessionID, fields SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return errors.New("not found")
	}
	if fields.Status != nil {
		sess.Status = *fields.Status
	}
	if fields.EndReason != nil {
		sess.EndReason = *fields.EndReason
	}
	if fields.StartedAt != nil {
		sess.Started = fields.StartedAt
	}
	if fields.EndedAt != nil {
		sess.Ended = fields.EndedAt
	}
	if fields.BalanceMinor != nil {
		sess.BalanceMinor = *fields.BalanceMinor
	}
	if fields.TotalChargedMinor != nil {
		sess.TotalChargedMinor = *fields.TotalChargedMinor
	}
	if fields.TotalIntervals != nil {
		sess.TotalIntervals = *fields.TotalIntervals
	}
	return nil
}

func (s *fakeStore) AppendTick(_ context.Context, tick domain.BillingTick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = append(s.ticks, tick)
	return nil
}

func (s *fakeStore) session(id domain.SessionID) domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.sessions[id]
}

type transferRec struct {
	to     domain.ParticipantID
	amount int64
}

type fakeGateway struct {
	mu        sync.Mutex
	failNext  bool
	charges   []int64
	transfers []transferRec
}

func (g *fakeGateway) Charge(_ context.Context, _ domain.ParticipantID, amount int64, _ domain.SessionID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failNext {
		g.failNext = false
		return errors.New("card declined")
	}
	g.charges = append(g.charges, amount)
	return nil
}

func (g *fakeGateway) Transfer(_ context.Context, to domain.ParticipantID, amount int64, _ domain.SessionID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transfers = append(g.transfers, transferRec{to, amount})
	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	started  []domain.SessionID
	updates  []domain.BillingTick
	failures []error
	ended    []Settlement
}

func (n *fakeNotifier) SessionStarted(sid domain.SessionID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started = append(n.started, sid)
}

func (n *fakeNotifier) BillingUpdate(t domain.BillingTick) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, t)
}

func (n *fakeNotifier) PaymentFailure(_ domain.SessionID, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, err)
}

func (n *fakeNotifier) SessionEnded(s Settlement) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ended = append(n.ended, s)
}

func testSession(rate, balance int64) *domain.Session {
	return &domain.Session{
		ID:              "s1",
		ProviderID:      "provider",
		PayerID:         "payer",
		RatePerInterval: rate,
		BalanceMinor:    balance,
		Status:          domain.StatusAccepted,
		Requested:       time.Now().UTC(),
	}
}

// Long interval so the background timer never fires; tests drive Tick.
func testEngine(t *testing.T, sess *domain.Session) (*Engine, *fakeStore, *fakeGateway, *fakeNotifier) {
	t.Helper()
	store := newFakeStore(sess)
	gw := &fakeGateway{}
	nf := &fakeNotifier{}
	e := NewEngine(Config{
		Interval:           time.Hour,
		ProrationThreshold: 30 * time.Second,
		ProviderSharePct:   70,
	}, store, gw, nf)
	t.Cleanup(func() { e.Release(sess.ID) })
	return e, store, gw, nf
}

func TestInitializeRejectsInsufficientBalance(t *testing.T) {
	e, store, _, nf := testEngine(t, testSession(500, 499))

	_, err := e.Initialize(context.Background(), "s1")
	var fundErr *domain.InsufficientFundsError
	require.ErrorAs(t, err, &fundErr)
	assert.Equal(t, int64(499), fundErr.BalanceMinor)

	assert.Empty(t, store.ticks)
	assert.Empty(t, nf.updates)
}

func TestInitializeIsIdempotent(t *testing.T) {
	e, _, _, _ := testEngine(t, testSession(500, 1200))

	var wg sync.WaitGroup
	results := make([]*SessionBilling, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sb, err := e.Initialize(context.Background(), "s1")
			assert.NoError(t, err)
			results[i] = sb
		}(i)
	}
	wg.Wait()
	for i := 1; i < 8; i++ {
		assert.Same(t, results[0], results[i])
	}
}

func TestInitializeRejectsEndedSession(t *testing.T) {
	sess := testSession(500, 1200)
	sess.Status = domain.StatusEnded
	e, _, _, _ := testEngine(t, sess)

	_, err := e.Initialize(context.Background(), "s1")
	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestStartIsIdempotent(t *testing.T) {
	e, _, _, nf := testEngine(t, testSession(500, 1200))
	sb, err := e.Initialize(context.Background(), "s1")
	require.NoError(t, err)

	sb.Start(context.Background())
	first := sb.timer
	sb.Start(context.Background())
	assert.Same(t, first, sb.timer)
	assert.Len(t, nf.started, 1)
}

// Scenario: rate 500, balance 1200. Two ticks fit, the third does not.
func TestInsufficientFundsMidSession(t *testing.T) {
	e, store, gw, nf := testEngine(t, testSession(500, 1200))
	sb, err := e.Initialize(context.Background(), "s1")
	require.NoError(t, err)
	sb.Start(context.Background())

	now := time.Now().UTC()
	require.NoError(t, sb.Tick(context.Background(), now))
	assert.False(t, sb.Finalized())

	require.NoError(t, sb.Tick(context.Background(), now.Add(time.Minute)))
	require.True(t, sb.Finalized())

	sess := store.session("s1")
	assert.Equal(t, domain.StatusEndedInsufficientFund, sess.Status)
	assert.Equal(t, domain.ReasonInsufficientFunds, sess.EndReason)
	assert.Equal(t, int64(1000), sess.TotalChargedMinor)
	assert.Equal(t, int64(2), sess.TotalIntervals)
	assert.Equal(t, int64(200), sess.BalanceMinor)
	assert.Equal(t, []int64{500, 500}, gw.charges)

	require.Len(t, nf.ended, 1)
	assert.Equal(t, domain.ReasonInsufficientFunds, nf.ended[0].Reason)

	// A further tick must not charge.
	require.NoError(t, sb.Tick(context.Background(), now.Add(2*time.Minute)))
	assert.Equal(t, []int64{500, 500}, gw.charges)
}

func TestTickIndexesAreContiguous(t *testing.T) {
	e, store, _, _ := testEngine(t, testSession(100, 1000))
	sb, err := e.Initialize(context.Background(), "s1")
	require.NoError(t, err)
	sb.Start(context.Background())

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, sb.Tick(context.Background(), now.Add(time.Duration(i)*time.Minute)))
	}
	for i, tick := range store.ticks {
		assert.Equal(t, int64(i+1), tick.IntervalIndex)
	}
}

func TestNoTickWhilePaused(t *testing.T) {
	e, _, gw, _ := testEngine(t, testSession(500, 5000))
	sb, err := e.Initialize(context.Background(), "s1")
	require.NoError(t, err)
	sb.Start(context.Background())
	sb.Pause(context.Background())

	require.NoError(t, sb.Tick(context.Background(), time.Now().UTC()))
	assert.Empty(t, gw.charges)
}

func TestGatewayFailurePausesWithoutCharging(t *testing.T) {
	e, store, gw, nf := testEngine(t, testSession(500, 5000))
	sb, err := e.Initialize(context.Background(), "s1")
	require.NoError(t, err)
	sb.Start(context.Background())

	gw.failNext = true
	err = sb.Tick(context.Background(), time.Now().UTC())
	var gwErr *domain.PaymentGatewayError
	require.ErrorAs(t, err, &gwErr)

	assert.False(t, sb.Active())
	assert.False(t, sb.Finalized())
	assert.Empty(t, store.ticks)
	require.Len(t, nf.failures, 1)

	sess := store.session("s1")
	assert.Equal(t, domain.StatusPaused, sess.Status)

	// Next boundary retries cleanly after resume.
	sb.Resume(context.Background())
	require.NoError(t, sb.Tick(context.Background(), time.Now().UTC()))
	assert.Equal(t, []int64{500}, gw.charges)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	e, _, gw, nf := testEngine(t, testSession(500, 5000))
	sb, err := e.Initialize(context.Background(), "s1")
	require.NoError(t, err)
	sb.Start(context.Background())

	now := time.Now().UTC()
	require.NoError(t, sb.Tick(context.Background(), now))

	end := now.Add(10 * time.Second)
	first, err := sb.Finalize(context.Background(), domain.ReasonUserEnded, end)
	require.NoError(t, err)
	second, err := sb.Finalize(context.Background(), domain.ReasonConnectionFailed, end.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, nf.ended, 1)
	assert.Len(t, gw.transfers, 1)
}

func TestRevenueSplit(t *testing.T) {
	e, _, gw, _ := testEngine(t, testSession(500, 5000))
	sb, err := e.Initialize(context.Background(), "s1")
	require.NoError(t, err)
	sb.Start(context.Background())

	now := time.Now().UTC()
	require.NoError(t, sb.Tick(context.Background(), now))
	require.NoError(t, sb.Tick(context.Background(), now.Add(time.Minute)))

	s, err := sb.Finalize(context.Background(), domain.ReasonUserEnded, now.Add(time.Minute+10*time.Second))
	require.NoError(t, err)

	assert.Equal(t, int64(1000), s.TotalChargedMinor)
	assert.Equal(t, int64(700), s.ProviderShareMinor)
	assert.Equal(t, int64(300), s.PlatformShareMinor)
	require.Len(t, gw.transfers, 1)
	assert.Equal(t, transferRec{"provider", 700}, gw.transfers[0])
}

// Scenario: close 25s after the last tick bills nothing extra; close
// 45s after bills one prorated partial interval.
func TestProrationThreshold(t *testing.T) {
	t.Run("below threshold", func(t *testing.T) {
		e, _, _, _ := testEngine(t, testSession(500, 5000))
		sb, err := e.Initialize(context.Background(), "s1")
		require.NoError(t, err)
		sb.Start(context.Background())

		now := time.Now().UTC()
		require.NoError(t, sb.Tick(context.Background(), now))

		s, err := sb.Finalize(context.Background(), domain.ReasonUserEnded, now.Add(25*time.Second))
		require.NoError(t, err)
		assert.Equal(t, int64(500), s.TotalChargedMinor)
		assert.Equal(t, int64(1), s.TotalIntervals)
	})

	t.Run("above threshold", func(t *testing.T) {
		e, store, _, _ := testEngine(t, testSession(500, 5000))
		sb, err := e.Initialize(context.Background(), "s1")
		require.NoError(t, err)
		sb.Start(context.Background())

		now := time.Now().UTC()
		require.NoError(t, sb.Tick(context.Background(), now))

		s, err := sb.Finalize(context.Background(), domain.ReasonUserEnded, now.Add(45*time.Second))
		require.NoError(t, err)
		// 45s of a 60s interval at rate 500.
		assert.Equal(t, int64(500+375), s.TotalChargedMinor)
		assert.Equal(t, int64(2), s.TotalIntervals)
		assert.Len(t, store.ticks, 2)
	})

	t.Run("paused at end accrues nothing", func(t *testing.T) {
		e, _, _, _ := testEngine(t, testSession(500, 5000))
		sb, err := e.Initialize(context.Background(), "s1")
		require.NoError(t, err)
		sb.Start(context.Background())

		now := time.Now().UTC()
		require.NoError(t, sb.Tick(context.Background(), now))
		sb.Pause(context.Background())

		s, err := sb.Finalize(context.Background(), domain.ReasonConnectionFailed, now.Add(5*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(500), s.TotalChargedMinor)
	})
}

func TestTimerDrivenTicks(t *testing.T) {
	sess := testSession(100, 1000)
	store := newFakeStore(sess)
	gw := &fakeGateway{}
	nf := &fakeNotifier{}
	e := NewEngine(Config{
		Interval:           20 * time.Millisecond,
		ProrationThreshold: 10 * time.Millisecond,
		ProviderSharePct:   70,
	}, store, gw, nf)
	defer e.Release("s1")

	sb, err := e.Initialize(context.Background(), "s1")
	require.NoError(t, err)
	sb.Start(context.Background())

	require.Eventually(t, func() bool {
		return len(sb.Ticks()) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	sb.Pause(context.Background())
	got := len(sb.Ticks())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, got, len(sb.Ticks()), "paused timer must not charge")
}

func TestChargesMatchIntervals(t *testing.T) {
	e, store, _, _ := testEngine(t, testSession(750, 10000))
	sb, err := e.Initialize(context.Background(), "s1")
	require.NoError(t, err)
	sb.Start(context.Background())

	now := time.Now().UTC()
	for i := 0; i < 4; i++ {
		require.NoError(t, sb.Tick(context.Background(), now.Add(time.Duration(i)*time.Minute)))
	}
	_, err = sb.Finalize(context.Background(), domain.ReasonUserEnded, now.Add(3*time.Minute+5*time.Second))
	require.NoError(t, err)

	sess := store.session("s1")
	assert.Equal(t, sess.TotalIntervals*750, sess.TotalChargedMinor)
}

func TestActiveTracksHeldSessions(t *testing.T) {
	e, _, _, _ := testEngine(t, testSession(500, 5000))
	assert.Empty(t, e.Active())

	_, err := e.Initialize(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []domain.SessionID{"s1"}, e.Active())

	e.Release("s1")
	assert.Empty(t, e.Active())
}
