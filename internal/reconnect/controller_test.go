package reconnect

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EmilynnJ/studio-sub000/internal/domain"
)

type fakeRelay struct {
	mu       sync.Mutex
	attempts []int
	restarts []bool
	times    []time.Time
}

func (f *fakeRelay) RequestRenegotiate(_ domain.SessionID, restart bool, attempt int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, attempt)
	f.restarts = append(f.restarts, restart)
	f.times = append(f.times, time.Now())
}

func (f *fakeRelay) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attempts)
}

func fastConfig() Config {
	return Config{Base: time.Millisecond, Cap: 16 * time.Millisecond, MaxAttempts: 5}
}

func TestBackoffLadderIsDeterministic(t *testing.T) {
	b := newBackOff(Config{Base: time.Second, Cap: 16 * time.Second, MaxAttempts: 5})
	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		16 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.NextBackOff(), "delay %d", i)
	}
}

func TestExhaustionAfterMaxAttempts(t *testing.T) {
	relay := &fakeRelay{}
	var mu sync.Mutex
	var exhausted []*domain.ConnectionError
	c := NewController("s1", fastConfig(), relay, func(err *domain.ConnectionError) {
		mu.Lock()
		defer mu.Unlock()
		exhausted = append(exhausted, err)
	})
	defer c.Stop()

	c.OnDegraded(false)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(exhausted) == 1
	}, 2*time.Second, time.Millisecond)

	relay.mu.Lock()
	defer relay.mu.Unlock()
	assert.Equal(t, []int{1, 2, 3, 4, 5}, relay.attempts)
	for _, r := range relay.restarts {
		assert.True(t, r, "renegotiation must be marked as a restart")
	}
	assert.Equal(t, 5, exhausted[0].Attempts)
	assert.Equal(t, domain.SessionID("s1"), exhausted[0].SessionID)
}

func TestLiveResetsAttemptCounter(t *testing.T) {
	relay := &fakeRelay{}
	c := NewController("s1", fastConfig(), relay, func(*domain.ConnectionError) {
		t.Error("must not exhaust after reset")
	})
	defer c.Stop()

	c.OnDegraded(false)
	require.Eventually(t, func() bool { return relay.count() >= 2 }, 2*time.Second, time.Millisecond)
	c.OnLive()

	// A new degradation starts the ladder over at attempt 1.
	c.OnDegraded(false)
	require.Eventually(t, func() bool {
		relay.mu.Lock()
		defer relay.mu.Unlock()
		return len(relay.attempts) > 2 && relay.attempts[len(relay.attempts)-1] == 1
	}, 2*time.Second, time.Millisecond)
	c.OnLive()
}

func TestRepeatDegradationIsAbsorbed(t *testing.T) {
	relay := &fakeRelay{}
	c := NewController("s1", Config{Base: 50 * time.Millisecond, Cap: 100 * time.Millisecond, MaxAttempts: 5}, relay, nil)
	defer c.Stop()

	c.OnDegraded(false)
	c.OnDegraded(false)
	c.OnDegraded(true)

	time.Sleep(70 * time.Millisecond)
	assert.Equal(t, 1, relay.count())
}

func TestUrgentSkipsInitialWait(t *testing.T) {
	relay := &fakeRelay{}
	c := NewController("s1", Config{Base: time.Hour, Cap: time.Hour, MaxAttempts: 5}, relay, nil)
	defer c.Stop()

	c.OnDegraded(true)
	require.Eventually(t, func() bool { return relay.count() == 1 }, time.Second, time.Millisecond)
}

func TestUrgentDoesNotConsumeFirstRung(t *testing.T) {
	relay := &fakeRelay{}
	base := 200 * time.Millisecond
	c := NewController("s1", Config{Base: base, Cap: 10 * time.Second, MaxAttempts: 5}, relay, nil)
	defer c.Stop()

	c.OnDegraded(true)
	require.Eventually(t, func() bool { return relay.count() >= 2 }, 2*time.Second, time.Millisecond)

	// The immediate urgent attempt must leave the ladder intact: the
	// wait before attempt 2 is the base rung, not base doubled.
	relay.mu.Lock()
	gap := relay.times[1].Sub(relay.times[0])
	relay.mu.Unlock()
	assert.Greater(t, gap, base/2)
	assert.Less(t, gap, base*3/2)
}

func TestStopCancelsPendingAttempt(t *testing.T) {
	relay := &fakeRelay{}
	c := NewController("s1", Config{Base: 30 * time.Millisecond, Cap: time.Second, MaxAttempts: 5}, relay, nil)

	c.OnDegraded(false)
	c.Stop()
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, relay.count())
}
