package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsEmptyAndPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts.json")

	s, err := Load(path, nil)
	require.NoError(t, err)
	require.Empty(t, s.List())
	require.FileExists(t, path)

	s2, err := Load(path, nil)
	require.NoError(t, err)
	require.Empty(t, s2.List())
}

func TestAddGetListRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts.json")

	s, err := Load(path, nil)
	require.NoError(t, err)

	require.NoError(t, s.Add(&HostConfig{Name: "h1", SSHHost: "ops@h1.example"}))

	got := s.Get("h1")
	require.NotNil(t, got)
	require.Equal(t, "ops@h1.example", got.SSHHost)
	require.Equal(t, DefaultSSHPort, got.SSHPort)
	require.Equal(t, DefaultRemotePort, got.RemotePort)

	reloaded, err := Load(path, nil)
	require.NoError(t, err)
	require.Len(t, reloaded.List(), 1)
}

func TestListReturnsHostsSortedByName(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(filepath.Join(dir, "hosts.json"), nil)
	require.NoError(t, err)

	require.NoError(t, s.Add(&HostConfig{Name: "zeta", SSHHost: "ops@zeta.example"}))
	require.NoError(t, s.Add(&HostConfig{Name: "alpha", SSHHost: "ops@alpha.example"}))
	require.NoError(t, s.Add(&HostConfig{Name: "mid", SSHHost: "ops@mid.example"}))

	got := s.List()
	require.Len(t, got, 3)
	require.Equal(t, []string{"alpha", "mid", "zeta"}, []string{got[0].Name, got[1].Name, got[2].Name})
}

func TestRemoveClearsHost(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts.json")
	s, err := Load(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Add(&HostConfig{Name: "h1", SSHHost: "ops@h1"}))
	require.NoError(t, s.Remove("h1"))
	require.Nil(t, s.Get("h1"))
}

func TestSetActiveSessionUnknownHost(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(filepath.Join(dir, "hosts.json"), nil)
	require.NoError(t, err)
	err = s.SetActiveSession("missing", &ActiveSession{SessionID: "nanobot-deadbeef"})
	require.Error(t, err)
}

func TestActiveSessionClearedOnDisconnect(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(filepath.Join(dir, "hosts.json"), nil)
	require.NoError(t, err)
	require.NoError(t, s.Add(&HostConfig{Name: "h1", SSHHost: "ops@h1"}))
	require.NoError(t, s.SetActiveSession("h1", &ActiveSession{SessionID: "nanobot-abc12345", LocalPort: 40000, RemotePort: 8765}))
	require.NotNil(t, s.Get("h1").ActiveSession)

	require.NoError(t, s.SetActiveSession("h1", nil))
	require.Nil(t, s.Get("h1").ActiveSession)
}
