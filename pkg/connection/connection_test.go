package connection

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateString(t *testing.T) {
	require.Equal(t, "new", StateNew.String())
	require.Equal(t, "connected", StateConnected.String())
	require.Equal(t, "recovering", StateRecovering.String())
	require.Equal(t, "closed", StateClosed.String())
}

func TestNewConnectionStartsInStateNew(t *testing.T) {
	c := New(Params{Host: "box1"}, nil)
	require.Equal(t, StateNew, c.State())
	require.Empty(t, c.SessionID())
	require.Empty(t, c.LastRecoveryError())
}

func TestResumeParamsPreserveSessionID(t *testing.T) {
	c := New(Params{Host: "box1", SessionID: "sess-123", LocalPort: 40123}, nil)
	require.Equal(t, "sess-123", c.SessionID())
	require.Equal(t, 40123, c.localPrt)
}

func TestEphemeralPortReturnsUsablePort(t *testing.T) {
	port, err := ephemeralPort()
	require.NoError(t, err)
	require.Greater(t, port, 0)
}

func TestCallOnceRejectsWhenTransportNotReady(t *testing.T) {
	c := New(Params{Host: "box1"}, nil)
	_, err := c.callOnce(nil, "ping", "req-1", map[string]any{}, 0)
	require.Error(t, err)
}
