package remoteserver

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// paneScrollbackLines is the tmux scrollback bound; output beyond it is
// not guaranteed captured. A documented open-question resolution (see
// SPEC_FULL.md), not a spec invariant.
const paneScrollbackLines = 500

const (
	pollInitial = 150 * time.Millisecond
	pollMax     = time.Second
	execBudget  = 60 * time.Second
)

// tmuxExecutor runs commands in a single persistent tmux pane local to the
// process it's embedded in (this Go process already runs on the remote
// host — no nested SSH hop, unlike the pack's tmux-over-ssh example this
// is grounded on).
type tmuxExecutor struct {
	sessionName string
	socketPath  string
	started     bool
}

func newTmuxExecutor(socketPath string) *tmuxExecutor {
	return &tmuxExecutor{sessionName: "nanobot", socketPath: socketPath}
}

func (t *tmuxExecutor) tmux(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-S", t.socketPath}, args...)
	cmd := exec.CommandContext(ctx, "tmux", full...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func (t *tmuxExecutor) ensureSession(ctx context.Context) error {
	if t.started {
		return nil
	}
	_, err := t.tmux(ctx, "new-session", "-d", "-s", t.sessionName, "-x", "250", "-y", "50")
	if err != nil {
		return fmt.Errorf("create tmux session: %w", err)
	}
	_, _ = t.tmux(ctx, "set-option", "-t", t.sessionName, "history-limit", strconv.Itoa(paneScrollbackLines))
	t.started = true
	return nil
}

// run wraps command with start/end markers, sends it to the pane in
// literal mode, and polls capture-pane with exponential backoff until the
// end marker appears or budget is exhausted.
func (t *tmuxExecutor) run(ctx context.Context, command string, timeout time.Duration) (output string, exitCode int, err error) {
	if err := t.ensureSession(ctx); err != nil {
		return "", -1, err
	}
	if timeout <= 0 {
		timeout = execBudget
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	startMarker := "START_" + id
	endMarker := "END_" + id

	wrapped := fmt.Sprintf("echo %s; %s; _ec=$?; echo; echo %s_$_ec", startMarker, command, endMarker)
	literal := strings.ReplaceAll(wrapped, "'", `'\''`)

	if _, err := t.tmux(ctx, "send-keys", "-t", t.sessionName, "-l", literal); err != nil {
		return "", -1, fmt.Errorf("send-keys: %w", err)
	}
	if _, err := t.tmux(ctx, "send-keys", "-t", t.sessionName, "Enter"); err != nil {
		return "", -1, fmt.Errorf("send-keys enter: %w", err)
	}

	deadline := time.Now().Add(timeout)
	backoff := pollInitial
	for {
		captured, cerr := t.tmux(ctx, "capture-pane", "-t", t.sessionName, "-p", "-S", "-"+strconv.Itoa(paneScrollbackLines))
		if cerr == nil {
			if out, ec, ok := parseMarkers(captured, startMarker, endMarker); ok {
				return out, ec, nil
			}
		}
		if time.Now().After(deadline) {
			out, _, _ := parseMarkers(captured, startMarker, endMarker)
			return out, -1, nil
		}
		select {
		case <-ctx.Done():
			return "", -1, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > pollMax {
			backoff = pollMax
		}
	}
}

// parseMarkers extracts the integer exit code after endMarker and the
// lines strictly between the two markers, trimmed of leading/trailing
// empty lines.
func parseMarkers(captured, startMarker, endMarker string) (output string, exitCode int, ok bool) {
	lines := strings.Split(captured, "\n")
	startIdx, endIdx := -1, -1
	for i, l := range lines {
		if startIdx == -1 && strings.TrimSpace(l) == startMarker {
			startIdx = i
		}
		if strings.HasPrefix(strings.TrimSpace(l), endMarker+"_") {
			endIdx = i
		}
	}
	if startIdx == -1 || endIdx == -1 || endIdx <= startIdx {
		return "", 0, false
	}

	tail := strings.TrimSpace(lines[endIdx])
	ecStr := strings.TrimPrefix(tail, endMarker+"_")
	ec, err := strconv.Atoi(strings.TrimSpace(ecStr))
	if err != nil {
		return "", 0, false
	}

	body := lines[startIdx+1 : endIdx]
	for len(body) > 0 && strings.TrimSpace(body[0]) == "" {
		body = body[1:]
	}
	for len(body) > 0 && strings.TrimSpace(body[len(body)-1]) == "" {
		body = body[:len(body)-1]
	}
	return strings.Join(body, "\n"), ec, true
}

// shutdown tears down the tmux session best-effort: send "exit"+Enter to
// the shell first, then force kill-session.
func (t *tmuxExecutor) shutdown(ctx context.Context) {
	if !t.started {
		return
	}
	_, _ = t.tmux(ctx, "send-keys", "-t", t.sessionName, "-l", "exit")
	_, _ = t.tmux(ctx, "send-keys", "-t", t.sessionName, "Enter")
	time.Sleep(200 * time.Millisecond)
	_, _ = t.tmux(ctx, "kill-session", "-t", t.sessionName)
}
