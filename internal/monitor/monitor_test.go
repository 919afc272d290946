package monitor

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EmilynnJ/studio-sub000/internal/domain"
)

func TestRawToLogicalMapping(t *testing.T) {
	cases := []struct {
		raw    webrtc.ICEConnectionState
		want   domain.LogicalState
		action Action
	}{
		{webrtc.ICEConnectionStateChecking, domain.StateConnecting, ActionNone},
		{webrtc.ICEConnectionStateConnected, domain.StateLive, ActionBillingStart},
		{webrtc.ICEConnectionStateDisconnected, domain.StateDegraded, ActionPauseAndRetry},
		{webrtc.ICEConnectionStateClosed, domain.StateTerminated, ActionFinalize},
	}
	m := New("s1")
	for _, c := range cases {
		tr, err := m.Apply(c.raw)
		require.NoError(t, err)
		assert.Equal(t, c.want, tr.To, "raw %s", c.raw)
		assert.Equal(t, c.action, tr.Action, "raw %s", c.raw)
		assert.Equal(t, c.want, m.State())
	}
}

func TestCompletedMapsToLive(t *testing.T) {
	m := New("s1")
	tr, err := m.Apply(webrtc.ICEConnectionStateCompleted)
	require.NoError(t, err)
	assert.Equal(t, domain.StateLive, tr.To)
	assert.Equal(t, ActionBillingStart, tr.Action)
}

func TestFailedIsUrgentDegraded(t *testing.T) {
	m := New("s1")
	_, err := m.Apply(webrtc.ICEConnectionStateConnected)
	require.NoError(t, err)

	tr, err := m.Apply(webrtc.ICEConnectionStateFailed)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDegraded, tr.To)
	assert.True(t, tr.Urgent)
	assert.Equal(t, ActionPauseAndRetry, tr.Action)
}

func TestLiveCannotRegressToConnecting(t *testing.T) {
	m := New("s1")
	_, err := m.Apply(webrtc.ICEConnectionStateConnected)
	require.NoError(t, err)

	_, err = m.Apply(webrtc.ICEConnectionStateNew)
	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, domain.StateLive, m.State())
}

func TestDegradedToLiveIsReconnection(t *testing.T) {
	m := New("s1")
	_, err := m.Apply(webrtc.ICEConnectionStateConnected)
	require.NoError(t, err)
	_, err = m.Apply(webrtc.ICEConnectionStateDisconnected)
	require.NoError(t, err)

	// ICE restart gathering while degraded stays degraded.
	tr, err := m.Apply(webrtc.ICEConnectionStateChecking)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDegraded, tr.To)
	assert.Equal(t, ActionNone, tr.Action)

	tr, err = m.Apply(webrtc.ICEConnectionStateConnected)
	require.NoError(t, err)
	assert.Equal(t, domain.StateLive, tr.To)
	assert.Equal(t, ActionBillingStart, tr.Action)
}

func TestRepeatedDegradedSignalsActOnce(t *testing.T) {
	m := New("s1")
	_, err := m.Apply(webrtc.ICEConnectionStateConnected)
	require.NoError(t, err)

	tr, err := m.Apply(webrtc.ICEConnectionStateDisconnected)
	require.NoError(t, err)
	assert.Equal(t, ActionPauseAndRetry, tr.Action)

	tr, err = m.Apply(webrtc.ICEConnectionStateDisconnected)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, tr.Action)
}

func TestTerminatedIsTerminal(t *testing.T) {
	m := New("s1")
	_, err := m.Apply(webrtc.ICEConnectionStateClosed)
	require.NoError(t, err)

	tr, err := m.Apply(webrtc.ICEConnectionStateConnected)
	require.NoError(t, err)
	assert.Equal(t, domain.StateTerminated, tr.To)
	assert.Equal(t, ActionNone, tr.Action)

	tr = m.Terminate()
	assert.Equal(t, ActionNone, tr.Action)
}

func TestParseRaw(t *testing.T) {
	st, err := ParseRaw("connected")
	require.NoError(t, err)
	assert.Equal(t, webrtc.ICEConnectionStateConnected, st)

	_, err = ParseRaw("weird")
	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)
}
