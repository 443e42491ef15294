// Package sshtransport implements C2: three primitives over the system
// ssh/scp binaries — open tunnel, one-shot exec, recursive copy. It never
// retries; retry policy belongs to higher layers (C5).
package sshtransport

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/chtangwin/nanobot/pkg/nberrors"
)

// Target names the remote endpoint and credentials for every primitive.
type Target struct {
	SSHHost    string // "user@host"
	SSHPort    int
	SSHKeyPath string
}

func (t Target) baseArgs() []string {
	args := []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "BatchMode=yes",
	}
	if t.SSHPort != 0 {
		args = append(args, "-p", strconv.Itoa(t.SSHPort))
	}
	if t.SSHKeyPath != "" {
		args = append(args, "-i", t.SSHKeyPath)
	}
	return args
}

// EnsureSSHBinary verifies "ssh" is resolvable on $PATH, per the idiom of
// shelling out rather than embedding an SSH client.
func EnsureSSHBinary() error {
	if _, err := exec.LookPath("ssh"); err != nil {
		return nberrors.New(nberrors.KindResource, "sshtransport.EnsureSSHBinary", "", fmt.Errorf("ssh binary not found on PATH: %w", err))
	}
	return nil
}

// Tunnel is a live local-port-forward child process.
type Tunnel struct {
	cmd       *exec.Cmd
	LocalPort int
	stderr    *bytes.Buffer
}

// Alive reports whether the forwarding process is still running.
func (t *Tunnel) Alive() bool {
	if t.cmd == nil || t.cmd.Process == nil {
		return false
	}
	return t.cmd.ProcessState == nil
}

// Close terminates the tunnel process.
func (t *Tunnel) Close() error {
	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}
	_ = t.cmd.Process.Kill()
	_ = t.cmd.Wait()
	return nil
}

// Stderr returns whatever the tunnel process has written to stderr so far.
func (t *Tunnel) Stderr() string { return t.stderr.String() }

// OpenTunnel starts `ssh -N -L localPort:127.0.0.1:remotePort target`,
// waits briefly, and verifies the child is still alive before returning.
func OpenTunnel(ctx context.Context, target Target, localPort, remotePort int) (*Tunnel, error) {
	if err := EnsureSSHBinary(); err != nil {
		return nil, err
	}
	args := target.baseArgs()
	args = append(args,
		"-N",
		"-L", fmt.Sprintf("%d:127.0.0.1:%d", localPort, remotePort),
		target.SSHHost,
	)
	cmd := exec.CommandContext(ctx, "ssh", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = nil

	if err := cmd.Start(); err != nil {
		return nil, nberrors.New(nberrors.KindTransport, "sshtransport.OpenTunnel", target.SSHHost, err)
	}

	t := &Tunnel{cmd: cmd, LocalPort: localPort, stderr: &stderr}

	// Give the forward a moment to establish, then confirm it's still up.
	time.Sleep(2 * time.Second)
	if !t.Alive() {
		msg := filterHostKeyWarnings(stderr.String())
		return nil, nberrors.New(nberrors.KindTransport, "sshtransport.OpenTunnel", target.SSHHost, fmt.Errorf("ssh tunnel exited immediately: %s", msg))
	}
	return t, nil
}

// ExecResult is the outcome of a one-shot SSH command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// RunOneShot runs a single command over SSH with an overall timeout,
// force-killing on expiry. "Permanently added host key" warnings are
// demoted to log-only (stripped from the surfaced stderr).
func RunOneShot(ctx context.Context, target Target, command string, timeout time.Duration) (ExecResult, error) {
	if err := EnsureSSHBinary(); err != nil {
		return ExecResult{}, err
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := target.baseArgs()
	args = append(args, target.SSHHost, command)
	cmd := exec.CommandContext(cctx, "ssh", args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := ExecResult{
		Stdout: stdout.String(),
		Stderr: filterHostKeyWarnings(stderr.String()),
	}
	if cctx.Err() == context.DeadlineExceeded {
		return res, nberrors.New(nberrors.KindTransport, "sshtransport.RunOneShot", target.SSHHost, fmt.Errorf("timed out after %s: %s", timeout, res.Stderr))
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
		return res, nberrors.New(nberrors.KindTransport, "sshtransport.RunOneShot", target.SSHHost, fmt.Errorf("exit %d: %s", res.ExitCode, res.Stderr))
	}
	if err != nil {
		return res, nberrors.New(nberrors.KindTransport, "sshtransport.RunOneShot", target.SSHHost, err)
	}
	return res, nil
}

// CopyDir uploads the contents of localDir into remoteDir on target in a
// single recursive `scp -r`, non-interactive.
func CopyDir(ctx context.Context, target Target, localDir, remoteDir string) error {
	if _, err := exec.LookPath("scp"); err != nil {
		return nberrors.New(nberrors.KindResource, "sshtransport.CopyDir", target.SSHHost, fmt.Errorf("scp binary not found on PATH: %w", err))
	}
	args := []string{
		"-r",
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "BatchMode=yes",
	}
	if target.SSHPort != 0 {
		args = append(args, "-P", strconv.Itoa(target.SSHPort))
	}
	if target.SSHKeyPath != "" {
		args = append(args, "-i", target.SSHKeyPath)
	}
	args = append(args, localDir+"/.", fmt.Sprintf("%s:%s", target.SSHHost, remoteDir))

	cmd := exec.CommandContext(ctx, "scp", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nberrors.New(nberrors.KindTransport, "sshtransport.CopyDir", target.SSHHost, fmt.Errorf("%w: %s", err, filterHostKeyWarnings(stderr.String())))
	}
	return nil
}

// InteractiveAttach runs `ssh -t target remoteCmd` with the local process's
// stdio wired straight through, putting the local terminal into raw mode
// for the duration so control characters (Ctrl-C, arrow keys) pass to the
// remote pty instead of being interpreted locally. Used by the CLI's shell
// attach to a host's tmux session; never used by the control-plane RPC
// path, which has its own framed transport.
func InteractiveAttach(ctx context.Context, target Target, remoteCmd string) error {
	if err := EnsureSSHBinary(); err != nil {
		return err
	}
	args := target.baseArgs()
	args = append(args, "-t", target.SSHHost, remoteCmd)
	cmd := exec.CommandContext(ctx, "ssh", args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		old, err := term.MakeRaw(fd)
		if err == nil {
			defer term.Restore(fd, old)
		}
	}

	if err := cmd.Run(); err != nil {
		return nberrors.New(nberrors.KindTransport, "sshtransport.InteractiveAttach", target.SSHHost, err)
	}
	return nil
}

// filterHostKeyWarnings drops lines matching the well-known "permanently
// added host key" SSH notice so it never surfaces as an operator-facing
// error; it is log-only per spec §4.2.
func filterHostKeyWarnings(s string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if strings.Contains(l, "Warning: Permanently added") {
			continue
		}
		kept = append(kept, l)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
