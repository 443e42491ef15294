package main

import (
	"encoding/json"
	"sync"
)

type conn interface {
	readJSON(v any) error
	writeJSON(v any) error
	close() error
}

type server struct {
	cfg   config
	idem  *idempotencyCache
	tmux  *tmuxExecutor
	stop  chan struct{}
	once  sync.Once
}

func newServer(cfg config) *server {
	s := &server{cfg: cfg, idem: newIdempotencyCache(), stop: make(chan struct{})}
	if cfg.Tmux {
		s.tmux = newTmuxExecutor("tmux.sock")
	}
	return s
}

func (s *server) serve(c conn) {
	var auth struct {
		Type  string `json:"type"`
		Token string `json:"token"`
	}
	if err := c.readJSON(&auth); err != nil {
		return
	}
	if s.cfg.Token != "" && auth.Token != s.cfg.Token {
		_ = c.writeJSON(map[string]string{"type": "error", "message": "Authentication failed"})
		return
	}
	if err := c.writeJSON(map[string]string{"type": "authenticated"}); err != nil {
		return
	}

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		var raw json.RawMessage
		if err := c.readJSON(&raw); err != nil {
			return
		}
		var env struct {
			Type      string `json:"type"`
			RequestID string `json:"request_id"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			_ = c.writeJSON(map[string]string{"type": "error", "message": "malformed frame"})
			continue
		}

		if s.handle(c, env.Type, env.RequestID, raw) {
			return
		}
	}
}

// handle dispatches one frame and reports whether the connection should close.
func (s *server) handle(c conn, typ, requestID string, raw json.RawMessage) bool {
	if typ == "execute" {
		typ = "exec"
	}

	switch typ {
	case "ping":
		_ = c.writeJSON(map[string]string{"type": "pong", "request_id": requestID})
		return false

	case "close":
		return true

	case "shutdown":
		_ = c.writeJSON(map[string]string{"type": "shutdown_ack", "request_id": requestID})
		s.shutdown()
		return true

	case "exec":
		s.respond(c, requestID, raw, func() (any, error) {
			var req struct {
				Command        string `json:"command"`
				TimeoutSeconds int    `json:"timeout_seconds"`
			}
			if err := json.Unmarshal(raw, &req); err != nil {
				return nil, err
			}
			return s.runExec(req.Command, req.TimeoutSeconds)
		})
		return false

	case "read_file":
		s.respond(c, requestID, raw, func() (any, error) {
			var req struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(raw, &req); err != nil {
				return nil, err
			}
			return readFile(req.Path)
		})
		return false

	case "read_bytes":
		s.respond(c, requestID, raw, func() (any, error) {
			var req struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(raw, &req); err != nil {
				return nil, err
			}
			return readBytes(req.Path)
		})
		return false

	case "write_file":
		s.respond(c, requestID, raw, func() (any, error) {
			var req struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(raw, &req); err != nil {
				return nil, err
			}
			return writeFile(req.Path, req.Content)
		})
		return false

	case "edit_file":
		s.respond(c, requestID, raw, func() (any, error) {
			var req struct {
				Path    string `json:"path"`
				OldText string `json:"old_text"`
				NewText string `json:"new_text"`
			}
			if err := json.Unmarshal(raw, &req); err != nil {
				return nil, err
			}
			return editFile(req.Path, req.OldText, req.NewText)
		})
		return false

	case "list_dir":
		s.respond(c, requestID, raw, func() (any, error) {
			var req struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(raw, &req); err != nil {
				return nil, err
			}
			return listDir(req.Path)
		})
		return false

	default:
		_ = c.writeJSON(map[string]string{"type": "error", "request_id": requestID, "message": "unknown message type: " + typ})
		return false
	}
}

func (s *server) respond(c conn, requestID string, raw json.RawMessage, fn func() (any, error)) {
	var value any
	var err error

	if requestID == "" {
		value, err = fn()
	} else {
		var payload any
		_ = json.Unmarshal(raw, &payload)
		value, err = s.idem.execute(requestID, payload, fn)
	}

	if err != nil {
		if _, ok := err.(errPayloadMismatch); ok {
			_ = c.writeJSON(map[string]string{"type": "error", "request_id": requestID, "message": err.Error()})
			return
		}
		_ = c.writeJSON(map[string]string{"type": "error", "request_id": requestID, "message": err.Error()})
		return
	}
	_ = c.writeJSON(map[string]any{"type": "result", "request_id": requestID, "payload": value})
}

func (s *server) runExec(command string, timeoutSeconds int) (execResult, error) {
	if s.tmux != nil {
		return s.tmux.run(command, timeoutSeconds)
	}
	return runSubshell(command, timeoutSeconds)
}

func (s *server) shutdown() {
	s.once.Do(func() {
		if s.tmux != nil {
			s.tmux.shutdown()
		}
		close(s.stop)
	})
}
