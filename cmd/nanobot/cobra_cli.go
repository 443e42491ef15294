package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/chtangwin/nanobot/pkg/audit"
	"github.com/chtangwin/nanobot/pkg/config"
	"github.com/chtangwin/nanobot/pkg/connection"
	"github.com/chtangwin/nanobot/pkg/fleet"
	"github.com/chtangwin/nanobot/pkg/observability"
	"github.com/chtangwin/nanobot/pkg/rbac"
	"github.com/chtangwin/nanobot/pkg/registry"
	"github.com/chtangwin/nanobot/pkg/rpc"
	"github.com/chtangwin/nanobot/pkg/sshtransport"
)

// ------------------------------------------------------------------
// Global flags
// ------------------------------------------------------------------

var (
	flagDebug   bool
	flagJSON    bool
	flagUser    string
	flagMetrics string
)

// stack bundles everything a command needs once it has loaded config and
// the registry; built fresh per-invocation since the CLI is not a daemon.
type stack struct {
	cfg     *config.Config
	mgr     *fleet.Manager
	history *registry.HistoryStore
	metrics *observability.FleetMetrics
	closer  *resourceCloser
}

// resourceCloser lets commands release resources the stack opened (the
// history store's sqlite handle) without every command repeating the
// teardown.
type resourceCloser struct {
	closers []func() error
}

func (l *resourceCloser) onClose(fn func() error) { l.closers = append(l.closers, fn) }
func (l *resourceCloser) close() {
	for _, fn := range l.closers {
		_ = fn()
	}
}

// newStack loads config, opens the registry and optional history store,
// and wires a fleet.Manager with RBAC and audit logging attached.
func newStack(cmd *cobra.Command) (*stack, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := newLogger(flagDebug)
	cl := &resourceCloser{}

	regPath := filepath.Join(cfg.ConfigDir, "hosts.json")
	reg, err := registry.Load(regPath, log)
	if err != nil {
		return nil, err
	}

	auditLog := audit.NewLogger(audit.NewFileStore(filepath.Join(cfg.ConfigDir, "audit")), flagUser)

	enforcer := rbac.NewEnforcer(nil)
	enforcer.RegisterUser(&rbac.User{ID: rbac.UserID(flagUser), Roles: []rbac.RoleName{"admin"}})
	guard := rbac.NewHostGuard(enforcer, cfg.RBACEnabled)

	metrics := observability.NewFleetMetrics()
	maybeServeMetrics(metrics)

	mgr := fleet.New(reg, log, auditLog, guard).WithMetrics(metrics)

	histPath := filepath.Join(cfg.ConfigDir, "history.db")
	hist, err := registry.OpenHistoryStore(histPath)
	if err != nil {
		log.Warn("session history disabled", "error", err)
	} else {
		mgr.WithHistory(hist)
		cl.onClose(hist.Close)
	}

	return &stack{cfg: cfg, mgr: mgr, history: hist, metrics: metrics, closer: cl}, nil
}

func maybeServeMetrics(m *observability.FleetMetrics) {
	if flagMetrics == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler(m.Registry))
	go http.ListenAndServe(flagMetrics, mux)
}

func (s *stack) Close() { s.closer.close() }

// renderOutput renders v as JSON when --json is set, otherwise with the
// given plain-text renderer.
func renderOutput(v any, plain func()) {
	if flagJSON {
		b, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(b))
		return
	}
	plain()
}

// ------------------------------------------------------------------
// Root command
// ------------------------------------------------------------------

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "nanobot",
		Short: "nanobot — remote execution fleet core",
		Long: `nanobot manages SSH-reachable hosts as a fleet: deploy a lightweight
remote agent over an SSH tunnel, keep one resumable session per host, and
run commands or file operations against it through a framed WebSocket RPC
channel.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	root.PersistentFlags().StringVar(&flagUser, "user", "cli", "identity used for RBAC checks and audit attribution")
	root.PersistentFlags().StringVar(&flagMetrics, "metrics-addr", "", "if set, serve Prometheus metrics on this address for the duration of the command")

	root.AddCommand(
		newHostCmd(),
		newConnectCmd(),
		newExecCmd(),
		newEditFileCmd(),
		newDisconnectCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the nanobot version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("nanobot (remote execution fleet core)")
			return nil
		},
	}
}

// ------------------------------------------------------------------
// host add/remove/list/history
// ------------------------------------------------------------------

func newHostCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "host", Short: "manage registered hosts"}
	cmd.AddCommand(
		newHostAddCmd(),
		newHostRemoveCmd(),
		newHostListCmd(),
		newHostHistoryCmd(),
		newHostShellCmd(),
	)
	return cmd
}

func newHostAddCmd() *cobra.Command {
	var (
		sshHost    string
		sshPort    int
		sshKeyPath string
		remotePort int
		workspace  string
		token      string
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "register a new host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newStack(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			name := args[0]

			if err := s.mgr.CheckAccess(cmd.Context(), rbac.UserID(flagUser), rbac.PermFleetManage, name); err != nil {
				return err
			}
			hc := &registry.HostConfig{
				Name:       name,
				SSHHost:    sshHost,
				SSHPort:    sshPort,
				SSHKeyPath: sshKeyPath,
				RemotePort: remotePort,
				Workspace:  workspace,
				AuthToken:  token,
			}
			if err := s.mgr.Add(hc); err != nil {
				return err
			}
			renderOutput(hc, func() { fmt.Printf("added host %q (%s)\n", name, sshHost) })
			return nil
		},
	}
	cmd.Flags().StringVar(&sshHost, "ssh-host", "", "user@host for the ssh connection (required)")
	cmd.Flags().IntVar(&sshPort, "ssh-port", registry.DefaultSSHPort, "ssh port")
	cmd.Flags().StringVar(&sshKeyPath, "ssh-key", "", "path to an ssh private key")
	cmd.Flags().IntVar(&remotePort, "remote-port", registry.DefaultRemotePort, "remote agent listen port")
	cmd.Flags().StringVar(&workspace, "workspace", "", "remote working directory for deployed commands")
	cmd.Flags().StringVar(&token, "token", "", "bearer token the remote agent expects on auth")
	cmd.MarkFlagRequired("ssh-host")
	return cmd
}

func newHostRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "disconnect (if live) and drop a registered host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newStack(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			name := args[0]
			if err := s.mgr.CheckAccess(cmd.Context(), rbac.UserID(flagUser), rbac.PermFleetManage, name); err != nil {
				return err
			}
			if err := s.mgr.Remove(cmd.Context(), name); err != nil {
				return err
			}
			renderOutput(map[string]string{"removed": name}, func() { fmt.Printf("removed host %q\n", name) })
			return nil
		},
	}
}

func newHostListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list registered hosts and their live status",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newStack(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.mgr.CheckAccess(cmd.Context(), rbac.UserID(flagUser), rbac.PermFleetView, ""); err != nil {
				return err
			}
			statuses := s.mgr.ListHosts()
			renderOutput(statuses, func() {
				for _, st := range statuses {
					live := "down"
					if st.Live {
						live = st.State.String()
					}
					fmt.Printf("%-20s %-28s %s\n", st.Name, st.Host.SSHHost, live)
				}
			})
			return nil
		},
	}
}

func newHostHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <name>",
		Short: "show recent session transitions for a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newStack(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			name := args[0]
			if err := s.mgr.CheckAccess(cmd.Context(), rbac.UserID(flagUser), rbac.PermFleetView, name); err != nil {
				return err
			}
			if s.history == nil {
				return fmt.Errorf("session history is unavailable")
			}
			events, err := s.history.ForHost(cmd.Context(), name, limit)
			if err != nil {
				return err
			}
			renderOutput(events, func() {
				for _, ev := range events {
					fmt.Printf("%s  %-10s session=%s %s\n", ev.At.Format(time.RFC3339), ev.Transition, ev.SessionID, ev.Detail)
				}
			})
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events to show")
	return cmd
}

// newHostShellCmd attaches the operator's local terminal directly to the
// remote host over a plain interactive SSH session — outside the framed
// RPC channel entirely, for when a human wants a real shell rather than
// one more exec() round-trip.
func newHostShellCmd() *cobra.Command {
	var remoteCmd string
	cmd := &cobra.Command{
		Use:   "shell <name>",
		Short: "attach an interactive shell to a registered host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newStack(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			name := args[0]
			if err := s.mgr.CheckAccess(cmd.Context(), rbac.UserID(flagUser), rbac.PermFleetConnect, name); err != nil {
				return err
			}
			statuses := s.mgr.ListHosts()
			var hc *registry.HostConfig
			for _, st := range statuses {
				if st.Name == name {
					h := st.Host
					hc = &h
					break
				}
			}
			if hc == nil {
				return fmt.Errorf("unknown host %q", name)
			}
			target := sshtransport.Target{SSHHost: hc.SSHHost, SSHPort: hc.SSHPort, SSHKeyPath: hc.SSHKeyPath}
			return sshtransport.InteractiveAttach(cmd.Context(), target, remoteCmd)
		},
	}
	cmd.Flags().StringVar(&remoteCmd, "cmd", "$SHELL -l", "remote command to attach to (defaults to the login shell)")
	return cmd
}

// ------------------------------------------------------------------
// connect / disconnect
// ------------------------------------------------------------------

func newConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect <name>",
		Short: "resume or deploy a session for a registered host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newStack(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			name := args[0]
			if err := s.mgr.CheckAccess(cmd.Context(), rbac.UserID(flagUser), rbac.PermFleetConnect, name); err != nil {
				return err
			}

			start := time.Now()
			s.metrics.FleetConnectTotal.Inc()
			conn, err := s.mgr.Connect(cmd.Context(), name)
			s.metrics.FleetConnectLatency.Observe(time.Since(start).Seconds())
			if err != nil {
				s.metrics.FleetConnectErrors.Inc()
				return err
			}
			s.metrics.LiveConnections.Inc()
			renderOutput(map[string]string{"host": name, "session_id": conn.SessionID(), "state": conn.State().String()}, func() {
				fmt.Printf("connected to %q (session=%s, state=%s)\n", name, conn.SessionID(), conn.State())
			})
			return nil
		},
	}
}

func newDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <name>",
		Short: "tear down the live session for a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newStack(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			name := args[0]
			if err := s.mgr.CheckAccess(cmd.Context(), rbac.UserID(flagUser), rbac.PermFleetConnect, name); err != nil {
				return err
			}
			if err := s.mgr.Disconnect(cmd.Context(), name); err != nil {
				return err
			}
			s.metrics.LiveConnections.Dec()
			renderOutput(map[string]string{"disconnected": name}, func() { fmt.Printf("disconnected %q\n", name) })
			return nil
		},
	}
}

// ------------------------------------------------------------------
// exec
// ------------------------------------------------------------------

func newExecCmd() *cobra.Command {
	var timeoutSeconds int
	var idempotencyKey string
	cmd := &cobra.Command{
		Use:   "exec <name> -- <command>",
		Short: "run a command on a host's resumable tmux session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newStack(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			name := args[0]
			command := joinArgs(args[1:])

			if err := s.mgr.CheckAccess(cmd.Context(), rbac.UserID(flagUser), rbac.PermFleetExec, name); err != nil {
				return err
			}

			conn, err := s.mgr.GetOrConnect(cmd.Context(), name)
			if err != nil {
				return err
			}

			timeout := time.Duration(timeoutSeconds) * time.Second
			execReq := rpc.ExecRequest{Command: command, TimeoutSeconds: timeoutSeconds}

			start := time.Now()
			s.metrics.RPCExecTotal.Inc()
			var res connection.Result
			if idempotencyKey != "" {
				var hit bool
				res, hit, err = conn.CallIdempotent(cmd.Context(), string(rpc.TypeExec), execReq, timeout, idempotencyKey)
				if hit {
					s.metrics.IdempotencyCacheHits.Inc()
				} else {
					s.metrics.IdempotencyCacheMisses.Inc()
				}
			} else {
				res, err = conn.Call(cmd.Context(), string(rpc.TypeExec), execReq, timeout)
			}
			s.metrics.RPCExecLatency.Observe(time.Since(start).Seconds())
			if err != nil {
				s.metrics.RPCExecErrors.Inc()
				return err
			}

			var execRes rpc.ExecResponse
			if err := json.Unmarshal(res.Payload, &execRes); err != nil {
				return fmt.Errorf("decode exec response: %w", err)
			}
			if !execRes.Success {
				s.metrics.RPCExecErrors.Inc()
			}
			s.mgr.AuditRPCExec(cmd.Context(), name, conn.SessionID(), command, execRes.Success, execRes.Error)
			renderOutput(execRes, func() {
				fmt.Print(execRes.Output)
				if execRes.Error != "" {
					fmt.Fprintln(cmd.ErrOrStderr(), execRes.Error)
				}
			})
			if !execRes.Success {
				return fmt.Errorf("remote command exited %d", execRes.ExitCode)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 30, "seconds to wait for the remote command")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "if set, a repeated exec with the same key returns the cached result instead of running again")
	return cmd
}

// ------------------------------------------------------------------
// edit-file
// ------------------------------------------------------------------

func newEditFileCmd() *cobra.Command {
	var path, oldText, newText string
	cmd := &cobra.Command{
		Use:   "edit-file <name>",
		Short: "replace a single occurrence of old-text with new-text in a remote file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newStack(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			name := args[0]

			if err := s.mgr.CheckAccess(cmd.Context(), rbac.UserID(flagUser), rbac.PermFleetExec, name); err != nil {
				return err
			}

			conn, err := s.mgr.GetOrConnect(cmd.Context(), name)
			if err != nil {
				return err
			}

			editReq := rpc.EditFileRequest{Path: path, OldText: oldText, NewText: newText}
			res, err := conn.Call(cmd.Context(), string(rpc.TypeEditFile), editReq, 30*time.Second)
			if err != nil {
				s.mgr.AuditRPCEditFile(cmd.Context(), name, conn.SessionID(), path, false, err.Error())
				return err
			}
			s.mgr.AuditRPCEditFile(cmd.Context(), name, conn.SessionID(), path, res.Success, res.Message)
			if !res.Success {
				return fmt.Errorf("remote edit_file failed: %s", res.Message)
			}

			var editRes rpc.EditFileResponse
			if err := json.Unmarshal(res.Payload, &editRes); err != nil {
				return fmt.Errorf("decode edit_file response: %w", err)
			}
			renderOutput(editRes, func() { fmt.Printf("edited %q on %q\n", path, name) })
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "remote file path (required)")
	cmd.Flags().StringVar(&oldText, "old-text", "", "text to replace (required)")
	cmd.Flags().StringVar(&newText, "new-text", "", "replacement text")
	cmd.MarkFlagRequired("path")
	cmd.MarkFlagRequired("old-text")
	return cmd
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
}
