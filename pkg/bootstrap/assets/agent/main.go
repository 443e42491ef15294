// Command nanobotagent is the self-contained execution server staged and
// launched on a remote host by the control plane's bootstrap/deployer. It
// has no dependency on the control-plane module — once uploaded, it must
// run with no access to the repository that produced it, only its own
// go.mod and the Go module proxy (or cache) for gorilla/websocket.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/websocket"
)

type config struct {
	Port  int    `json:"port"`
	Token string `json:"token"`
	Tmux  bool   `json:"tmux"`
}

func loadConfig() config {
	var cfg config
	data, err := os.ReadFile("config.json")
	if err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	port := flag.Int("port", cfg.Port, "port to bind")
	token := flag.String("token", cfg.Token, "auth token")
	flag.Parse()

	cfg.Port = *port
	cfg.Token = *token
	return cfg
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	cfg := loadConfig()
	if err := os.WriteFile("server.pid", []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		log.Fatalf("write server.pid: %v", err)
	}

	srv := newServer(cfg)

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		srv.serve(&gorillaConn{ws: conn})
	})

	httpSrv := &http.Server{Addr: "0.0.0.0:" + strconv.Itoa(cfg.Port)}
	go func() {
		<-srv.stop
		_ = httpSrv.Close()
	}()

	log.Printf("nanobot agent listening on :%d (tmux=%v)", cfg.Port, cfg.Tmux)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("listen: %v", err)
	}
}

// gorillaConn adapts *websocket.Conn to the agent's minimal conn contract.
type gorillaConn struct {
	ws *websocket.Conn
}

func (g *gorillaConn) readJSON(v any) error  { return g.ws.ReadJSON(v) }
func (g *gorillaConn) writeJSON(v any) error { return g.ws.WriteJSON(v) }
func (g *gorillaConn) close() error          { return g.ws.Close() }
