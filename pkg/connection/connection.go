// Package connection implements C5: one logical session with one remote
// host — SSH tunnel, WebSocket, authentication, transport recovery, and a
// serialized RPC codec.
package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/chtangwin/nanobot/pkg/bootstrap"
	"github.com/chtangwin/nanobot/pkg/nberrors"
	"github.com/chtangwin/nanobot/pkg/resilience"
	"github.com/chtangwin/nanobot/pkg/rpc"
	"github.com/chtangwin/nanobot/pkg/sshtransport"
)

// State is the C5 lifecycle state per spec §4.5.
type State int

const (
	StateNew State = iota
	StateConnected
	StateRecovering
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnected:
		return "connected"
	case StateRecovering:
		return "recovering"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	maxFrameBytes   = 64 << 20 // ≥ 50 MiB budget per spec §4.5
	connectTimeout  = 10 * time.Second
	shutdownBudget  = 5 * time.Second
	sigtermWait     = 1 * time.Second
	defaultRPCTimeo = 30 * time.Second
	idempotencyTTL  = 2 * time.Minute
)

// Params is everything needed to establish or resume a session.
type Params struct {
	Target     sshtransport.Target
	Host       string // registry host name, for logging/errors only
	RemotePort int
	AuthToken  string

	// Resume fields: when SessionID is non-empty, Setup is skipped in
	// favor of transport-only Recover (the "transport readiness rule").
	SessionID string
	LocalPort int
}

// Connection owns one session's tunnel, WebSocket, and RPC codec.
type Connection struct {
	mu sync.Mutex

	params Params
	log    *slog.Logger
	deploy *bootstrap.Deployer

	tunnel   *sshtransport.Tunnel
	ws       *websocket.Conn
	state    State
	sessID   string
	localPrt int
	authed   bool

	lastRecoveryError string
	recoveryAttempts  int

	// idempotency caches Call results by caller-supplied key, for callers
	// above the transport layer that retry the same logical request (a
	// script re-running after a timeout, unsure whether the first attempt
	// landed) and want the original result instead of running it twice.
	// It is unrelated to Call's own transport-class retry, which always
	// reuses its single request_id and never consults this cache.
	idempotency *resilience.IdempotencyController
}

// New constructs a not-yet-connected Connection bound to params.
func New(params Params, log *slog.Logger) *Connection {
	if log == nil {
		log = slog.Default()
	}
	return &Connection{
		params:      params,
		log:         log,
		deploy:      bootstrap.New(log),
		state:       StateNew,
		sessID:      params.SessionID,
		localPrt:    params.LocalPort,
		idempotency: resilience.NewIdempotencyController(idempotencyTTL, log),
	}
}

// SessionID returns the current session identifier, possibly empty if
// Setup has never run.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessID
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastRecoveryError returns the most recent transport-recovery failure
// message, if any.
func (c *Connection) LastRecoveryError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRecoveryError
}

// RecoveryAttempts returns the number of transport-recovery attempts made
// over this connection's lifetime, successful or not.
func (c *Connection) RecoveryAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recoveryAttempts
}

// LocalPort returns the local end of the SSH tunnel, assigned by Setup (or
// carried over from Params.LocalPort on a resumed connection). Callers that
// persist ActiveSession need this to dial the same tunnel again after a
// process restart.
func (c *Connection) LocalPort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localPrt
}

// Setup performs the first-time connect sequence: mint session_id, open
// tunnel, deploy+start remote via C3, open WebSocket, authenticate.
func (c *Connection) Setup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nberrors.New(nberrors.KindOperation, "Connection.Setup", c.params.Host, fmt.Errorf("connection already closed"))
	}

	c.sessID = uuid.NewString()
	if c.localPrt == 0 {
		port, err := ephemeralPort()
		if err != nil {
			return nberrors.New(nberrors.KindResource, "Connection.Setup", c.params.Host, err)
		}
		c.localPrt = port
	}

	tunnel, err := sshtransport.OpenTunnel(ctx, c.params.Target, c.localPrt, c.params.RemotePort)
	if err != nil {
		return err
	}
	c.tunnel = tunnel

	if err := c.deploy.Deploy(ctx, bootstrap.Spec{
		Target:     c.params.Target,
		SessionID:  c.sessID,
		RemotePort: c.params.RemotePort,
		AuthToken:  c.params.AuthToken,
	}); err != nil {
		_ = c.tunnel.Close()
		return err
	}

	if err := c.openAndAuthenticateLocked(ctx); err != nil {
		_ = c.tunnel.Close()
		return err
	}

	c.state = StateConnected
	c.log.Info("session established", "host", c.params.Host, "session_id", c.sessID, "local_port", c.localPrt)
	return nil
}

func (c *Connection) openAndAuthenticateLocked(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	url := fmt.Sprintf("ws://127.0.0.1:%d/", c.localPrt)
	ws, _, err := websocket.Dial(dctx, url, nil)
	if err != nil {
		return nberrors.New(nberrors.KindTransport, "Connection.openAndAuthenticate", c.params.Host, fmt.Errorf("websocket dial: %w", err))
	}
	ws.SetReadLimit(maxFrameBytes)
	c.ws = ws

	if err := wsjson.Write(ctx, ws, rpc.AuthFrame{Type: "auth", Token: c.params.AuthToken}); err != nil {
		return nberrors.New(nberrors.KindTransport, "Connection.openAndAuthenticate", c.params.Host, fmt.Errorf("send auth frame: %w", err))
	}
	var ack map[string]any
	if err := wsjson.Read(ctx, ws, &ack); err != nil {
		return nberrors.New(nberrors.KindTransport, "Connection.openAndAuthenticate", c.params.Host, fmt.Errorf("read auth ack: %w", err))
	}
	if ack["type"] != "authenticated" {
		return nberrors.New(nberrors.KindAuthentication, "Connection.openAndAuthenticate", c.params.Host, fmt.Errorf("authentication failed: %v", ack["message"]))
	}
	c.authed = true
	return nil
}

// Result is the normalized outcome of one RPC, unifying result/error/
// pong/shutdown_ack response types for the caller.
type Result struct {
	Success bool
	Payload json.RawMessage
	Message string
}

// Call sends one RPC frame and waits for its matching response,
// injecting a request_id if absent, recovering transport exactly once on
// a transport-class failure and replaying with the same request_id.
func (c *Connection) Call(ctx context.Context, reqType string, payload any, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = defaultRPCTimeo
	}

	requestID := uuid.NewString()
	res, err := c.callOnce(ctx, reqType, requestID, payload, timeout)
	if err == nil || !isTransportClass(err) {
		return res, err
	}

	if recErr := c.recoverTransport(ctx); recErr != nil {
		return Result{}, nberrors.New(nberrors.KindTransport, "Connection.Call", c.params.Host, fmt.Errorf("transport recovery failed: %w", recErr))
	}
	return c.callOnce(ctx, reqType, requestID, payload, timeout)
}

// CallIdempotent is Call, guarded by a caller-supplied idempotency key: a
// second call with the same key within the cache TTL returns the first
// call's result without hitting the wire again. Intended for callers that
// retry a logical operation after an ambiguous failure (did the exec
// actually run?) and would rather replay a cached answer than risk running
// a side-effecting command twice.
func (c *Connection) CallIdempotent(ctx context.Context, reqType string, payload any, timeout time.Duration, idempotencyKey string) (Result, bool, error) {
	hit := true
	result, err := c.idempotency.Execute(idempotencyKey, func() (any, error) {
		hit = false
		res, callErr := c.Call(ctx, reqType, payload, timeout)
		return res, callErr
	})
	return result.(Result), hit, err
}

func (c *Connection) callOnce(ctx context.Context, reqType, requestID string, payload any, timeout time.Duration) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected || c.ws == nil {
		return Result{}, nberrors.New(nberrors.KindTransport, "Connection.Call", c.params.Host, fmt.Errorf("transport not ready"))
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Result{}, nberrors.New(nberrors.KindOperation, "Connection.Call", c.params.Host, err)
	}
	env := rpc.Envelope{Type: reqType, RequestID: requestID, Payload: raw}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := wsjson.Write(cctx, c.ws, env); err != nil {
		return Result{}, nberrors.New(nberrors.KindTransport, "Connection.Call", c.params.Host, fmt.Errorf("write: %w", err))
	}

	var resp map[string]json.RawMessage
	if err := wsjson.Read(cctx, c.ws, &resp); err != nil {
		return Result{}, nberrors.New(nberrors.KindTransport, "Connection.Call", c.params.Host, fmt.Errorf("read: %w", err))
	}

	var gotID string
	if idRaw, ok := resp["request_id"]; ok {
		_ = json.Unmarshal(idRaw, &gotID)
	}
	if gotID != "" && gotID != requestID {
		return Result{}, nberrors.New(nberrors.KindProtocol, "Connection.Call", c.params.Host, fmt.Errorf("request_id mismatch: sent %s got %s", requestID, gotID))
	}

	var typ string
	if tRaw, ok := resp["type"]; ok {
		_ = json.Unmarshal(tRaw, &typ)
	}

	switch typ {
	case "result", "pong", "shutdown_ack", "authenticated":
		out := Result{Success: true}
		if pRaw, ok := resp["payload"]; ok {
			out.Payload = pRaw
		}
		return out, nil
	case "error":
		var msg string
		if mRaw, ok := resp["message"]; ok {
			_ = json.Unmarshal(mRaw, &msg)
		}
		return Result{Success: false, Message: msg}, nil
	default:
		return Result{}, nberrors.New(nberrors.KindProtocol, "Connection.Call", c.params.Host, fmt.Errorf("unrecognized response type %q", typ))
	}
}

// isTransportClass reports whether err is a connection-closed /
// broken-pipe / reset / not-connected / EOF class failure that warrants
// one silent recovery+retry, as opposed to an operation-level error.
func isTransportClass(err error) bool {
	return nberrors.IsTransport(err)
}

// Recover is the public entry point for transport-only recovery (no
// redeploy, no new session_id) — used directly by C6's resume path.
func (c *Connection) Recover(ctx context.Context) error {
	return c.recoverTransport(ctx)
}

func (c *Connection) recoverTransport(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recoveryAttempts++
	c.log.Warn("transport recovery attempt", "host", c.params.Host, "session_id", c.sessID, "attempt", c.recoveryAttempts)

	c.state = StateRecovering
	if c.ws != nil {
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
		c.ws = nil
	}
	if c.tunnel != nil {
		_ = c.tunnel.Close()
		c.tunnel = nil
	}
	c.authed = false

	if c.localPrt == 0 {
		port, err := ephemeralPort()
		if err != nil {
			c.lastRecoveryError = fmt.Sprintf("no local port available: %s", err)
			return fmt.Errorf("%s", c.lastRecoveryError)
		}
		c.localPrt = port
	}

	tunnel, err := sshtransport.OpenTunnel(ctx, c.params.Target, c.localPrt, c.params.RemotePort)
	if err != nil {
		c.lastRecoveryError = fmt.Sprintf("Network unreachable: SSH tunnel failed (%s)", err)
		return fmt.Errorf("%s", c.lastRecoveryError)
	}
	c.tunnel = tunnel

	if err := c.openAndAuthenticateLocked(ctx); err != nil {
		c.lastRecoveryError = fmt.Sprintf("Remote server not responding: WebSocket failed (%s)", err)
		_ = c.tunnel.Close()
		c.tunnel = nil
		return fmt.Errorf("%s", c.lastRecoveryError)
	}

	c.lastRecoveryError = ""
	c.state = StateConnected
	c.log.Info("transport recovered", "host", c.params.Host, "session_id", c.sessID)
	return nil
}

// Teardown runs the graceful-then-forceful shutdown sequence in the
// documented order, finishing by closing the local tunnel last.
func (c *Connection) Teardown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil
	}

	if c.ws != nil {
		gctx, cancel := context.WithTimeout(ctx, shutdownBudget)
		werr := wsjson.Write(gctx, c.ws, rpc.Envelope{Type: "shutdown", RequestID: uuid.NewString()})
		var ack map[string]any
		rerr := wsjson.Read(gctx, c.ws, &ack)
		cancel()
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
		c.ws = nil
		if werr != nil || rerr != nil || ack["type"] != "shutdown_ack" {
			c.forceStop(ctx)
		}
	} else {
		c.forceStop(ctx)
	}

	remoteDir := "/tmp/" + c.sessID
	_, _ = sshtransport.RunOneShot(ctx, c.params.Target, "rm -rf "+shellQuoteLocal(remoteDir), 10*time.Second)

	if c.tunnel != nil {
		_ = c.tunnel.Close()
		c.tunnel = nil
	}

	c.state = StateClosed
	c.log.Info("session torn down", "host", c.params.Host, "session_id", c.sessID)
	return nil
}

// forceStop runs the SSH-exec force-stop fallback: SIGTERM the PID in
// server.pid, wait, SIGKILL if alive, then kill by port, then kill tmux.
func (c *Connection) forceStop(ctx context.Context) {
	remoteDir := "/tmp/" + c.sessID
	script := fmt.Sprintf(
		`cd %s 2>/dev/null && pid=$(cat server.pid 2>/dev/null); `+
			`if [ -n "$pid" ]; then kill -TERM "$pid" 2>/dev/null; sleep %d; kill -KILL "$pid" 2>/dev/null; fi; `+
			`fuser -k %d/tcp 2>/dev/null; tmux -S tmux.sock kill-server 2>/dev/null; true`,
		shellQuoteLocal(remoteDir), int(sigtermWait.Seconds()), c.params.RemotePort,
	)
	_, _ = sshtransport.RunOneShot(ctx, c.params.Target, script, shutdownBudget)
}

func ephemeralPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func shellQuoteLocal(s string) string {
	return "'" + s + "'"
}
