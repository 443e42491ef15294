package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chtangwin/nanobot/pkg/sshtransport"
	"github.com/stretchr/testify/require"
)

func TestStageWritesAgentAndDeployScript(t *testing.T) {
	d := New(nil)
	dir, err := d.stage(Spec{
		Target:     sshtransport.Target{SSHHost: "user@example.invalid", SSHPort: 22},
		SessionID:  "sess-stage-test",
		RemotePort: 8765,
	})
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	require.FileExists(t, filepath.Join(dir, "deploy.sh"))
	require.FileExists(t, filepath.Join(dir, "go.mod"))
	require.FileExists(t, filepath.Join(dir, "main.go"))
	require.FileExists(t, filepath.Join(dir, "server.go"))
	require.FileExists(t, filepath.Join(dir, "idempotency.go"))
	require.FileExists(t, filepath.Join(dir, "fsops.go"))
	require.FileExists(t, filepath.Join(dir, "tmuxexec.go"))

	info, err := os.Stat(filepath.Join(dir, "deploy.sh"))
	require.NoError(t, err)
	require.NotZero(t, info.Mode()&0o100, "deploy.sh should be executable")
}

func TestCopyEmbeddedTreePreservesRelativeLayout(t *testing.T) {
	dest, err := os.MkdirTemp("", "nanobot-embed-*")
	require.NoError(t, err)
	defer os.RemoveAll(dest)

	require.NoError(t, copyEmbeddedTree(assets, "assets/agent", dest))

	data, err := os.ReadFile(filepath.Join(dest, "go.mod"))
	require.NoError(t, err)
	require.Contains(t, string(data), "module nanobotagent")
}

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	require.Equal(t, `'it'\''s'`, shellQuote("it's"))
	require.Equal(t, "'/tmp/plain'", shellQuote("/tmp/plain"))
}

