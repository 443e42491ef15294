package sshtransport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterHostKeyWarnings(t *testing.T) {
	in := "Warning: Permanently added 'h1,1.2.3.4' (ED25519) to the list of known hosts.\nreal error here\n"
	out := filterHostKeyWarnings(in)
	require.Equal(t, "real error here", out)
}

func TestBaseArgsIncludesKeyAndPort(t *testing.T) {
	tgt := Target{SSHHost: "ops@h1", SSHPort: 2222, SSHKeyPath: "/home/ops/.ssh/id_ed25519"}
	args := tgt.baseArgs()
	require.Contains(t, args, "-p")
	require.Contains(t, args, "2222")
	require.Contains(t, args, "-i")
	require.Contains(t, args, "/home/ops/.ssh/id_ed25519")
}

func TestTunnelAliveBeforeStart(t *testing.T) {
	var tun Tunnel
	require.False(t, tun.Alive())
	require.NoError(t, tun.Close())
}
