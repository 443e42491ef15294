// Package remoteserver implements the control-plane logic of C4, the
// Remote Server: handshake/auth, message dispatch, the idempotency cache,
// and the tmux-backed (or subshell-fallback) executor and filesystem
// service. It is transport-agnostic (see Conn). The agent binary that is
// uploaded to remote hosts (pkg/bootstrap/assets/agent, its own module)
// carries a separate copy of this logic rather than importing this package.
package remoteserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chtangwin/nanobot/pkg/rpc"
)

// Config configures one Server instance, matching config.json's shape
// (spec §6): {port, token?, tmux}.
type Config struct {
	Port       int    `json:"port"`
	Token      string `json:"token,omitempty"`
	UseTmux    bool   `json:"tmux"`
	SessionDir string `json:"-"`
}

// Server serves exactly one connection at a time (spec §5.3) but its
// idempotency cache is process-global and safe for concurrent access
// across sequential connections.
type Server struct {
	cfg   Config
	log   *slog.Logger
	idem  *idempotencyCache
	fs    fsService
	tmux  *tmuxExecutor
	sub   subshellExecutor
	stop  chan struct{}
	once  sync.Once
}

// New constructs a Server, writing server.pid into cfg.SessionDir.
func New(cfg Config, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:  cfg,
		log:  log,
		idem: newIdempotencyCache(),
		stop: make(chan struct{}),
	}
	if cfg.UseTmux {
		s.tmux = newTmuxExecutor(filepath.Join(cfg.SessionDir, "tmux.sock"))
	}
	if cfg.SessionDir != "" {
		pidPath := filepath.Join(cfg.SessionDir, "server.pid")
		if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644); err != nil {
			return nil, fmt.Errorf("write server.pid: %w", err)
		}
	}
	return s, nil
}

// Stopped reports whether Shutdown has been requested.
func (s *Server) Stopped() <-chan struct{} { return s.stop }

// Serve handles exactly one logical client connection: handshake, then the
// dispatch loop until close/shutdown/transport error.
func (s *Server) Serve(ctx context.Context, conn Conn) error {
	if err := s.handshake(ctx, conn); err != nil {
		return err
	}
	for {
		select {
		case <-s.stop:
			return nil
		default:
		}

		var env rpc.Envelope
		raw := json.RawMessage{}
		if err := conn.ReadJSON(ctx, &raw); err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			s.log.Warn("malformed frame", "error", err)
			_ = conn.WriteJSON(ctx, rpc.Envelope{Type: string(rpc.RespError)})
			continue
		}

		done, err := s.dispatch(ctx, env, conn)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (s *Server) handshake(ctx context.Context, conn Conn) error {
	var frame rpc.AuthFrame
	if err := conn.ReadJSON(ctx, &frame); err != nil {
		return fmt.Errorf("handshake read: %w", err)
	}
	if s.cfg.Token != "" && frame.Token != s.cfg.Token {
		_ = conn.WriteJSON(ctx, map[string]string{"type": "error", "message": "Authentication failed"})
		return errors.New("authentication failed")
	}
	return conn.WriteJSON(ctx, map[string]string{"type": string(rpc.RespAuthenticated)})
}

// dispatch handles one frame. The bool return reports whether the
// connection should close (either "close" or "shutdown").
func (s *Server) dispatch(ctx context.Context, env rpc.Envelope, conn Conn) (bool, error) {
	reqType := env.Type
	if reqType == string(rpc.TypeExecute) {
		reqType = string(rpc.TypeExec)
	}

	switch reqType {
	case string(rpc.TypePing):
		return false, conn.WriteJSON(ctx, map[string]string{"type": string(rpc.RespPong), "request_id": env.RequestID})

	case string(rpc.TypeClose):
		return true, nil

	case string(rpc.TypeShutdown):
		_ = conn.WriteJSON(ctx, map[string]string{"type": string(rpc.RespShutdownAck), "request_id": env.RequestID})
		s.Shutdown(ctx)
		return true, nil

	case string(rpc.TypeExec):
		return false, s.handleWithIdempotency(ctx, env, conn, func() (any, error) {
			var req rpc.ExecRequest
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				return nil, err
			}
			return s.runExec(ctx, req)
		})

	case string(rpc.TypeReadFile):
		return false, s.handleWithIdempotency(ctx, env, conn, func() (any, error) {
			var req rpc.ReadFileRequest
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				return nil, err
			}
			return s.fs.readFile(req.Path)
		})

	case string(rpc.TypeReadBytes):
		return false, s.handleWithIdempotency(ctx, env, conn, func() (any, error) {
			var req rpc.ReadBytesRequest
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				return nil, err
			}
			return s.fs.readBytes(req.Path)
		})

	case string(rpc.TypeWriteFile):
		return false, s.handleWithIdempotency(ctx, env, conn, func() (any, error) {
			var req rpc.WriteFileRequest
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				return nil, err
			}
			return s.fs.writeFile(req.Path, req.Content)
		})

	case string(rpc.TypeEditFile):
		return false, s.handleWithIdempotency(ctx, env, conn, func() (any, error) {
			var req rpc.EditFileRequest
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				return nil, err
			}
			return s.fs.editFile(req.Path, req.OldText, req.NewText)
		})

	case string(rpc.TypeListDir):
		return false, s.handleWithIdempotency(ctx, env, conn, func() (any, error) {
			var req rpc.ListDirRequest
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				return nil, err
			}
			return s.fs.listDir(req.Path)
		})

	default:
		return false, conn.WriteJSON(ctx, map[string]string{"type": string(rpc.RespError), "request_id": env.RequestID, "message": "unknown message type: " + env.Type})
	}
}

// handleWithIdempotency runs fn through the idempotency cache when
// request_id is set (spec's "dispatch directly" fast path otherwise), and
// always converts the outcome into a result/error frame — handler
// exceptions never escape the dispatch loop (spec §4.4/§7).
func (s *Server) handleWithIdempotency(ctx context.Context, env rpc.Envelope, conn Conn, fn func() (any, error)) error {
	var value any
	var err error

	if env.RequestID == "" {
		value, err = fn()
	} else {
		var payload any
		_ = json.Unmarshal(env.Payload, &payload)
		value, err = s.idem.execute(env.RequestID, payload, fn)
	}

	if err != nil {
		var mismatch errPayloadMismatch
		if errors.As(err, &mismatch) {
			return conn.WriteJSON(ctx, map[string]string{"type": string(rpc.RespError), "request_id": env.RequestID, "message": mismatch.Error()})
		}
		return conn.WriteJSON(ctx, map[string]string{"type": string(rpc.RespError), "request_id": env.RequestID, "message": err.Error()})
	}

	frame := map[string]any{"type": string(rpc.RespResult), "request_id": env.RequestID, "payload": value}
	return conn.WriteJSON(ctx, frame)
}

func (s *Server) runExec(ctx context.Context, req rpc.ExecRequest) (rpc.ExecResponse, error) {
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	var output string
	var exitCode int
	var err error
	if s.tmux != nil {
		output, exitCode, err = s.tmux.run(ctx, req.Command, timeout)
	} else {
		output, exitCode, err = s.sub.run(ctx, req.Command, timeout)
	}
	if err != nil {
		return rpc.ExecResponse{}, err
	}
	return rpc.ExecResponse{
		Success:  exitCode == 0,
		Output:   output,
		ExitCode: exitCode,
	}, nil
}

// Shutdown tears down the tmux session (best-effort) and signals Serve's
// loop and the process's accept loop to stop.
func (s *Server) Shutdown(ctx context.Context) {
	s.once.Do(func() {
		if s.tmux != nil {
			s.tmux.shutdown(ctx)
		}
		close(s.stop)
	})
}
