package remoteserver

import (
	"context"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// maxFrameBytes is the ≥50 MiB frame-size budget from spec §6.
const maxFrameBytes = 64 << 20

// CoderConn adapts a coder/websocket connection to the Conn interface.
// No package in this module constructs one; the uploaded agent binary
// (pkg/bootstrap/assets/agent) has its own gorilla/websocket loop instead.
type CoderConn struct {
	ws *websocket.Conn
}

// NewCoderConn wraps ws, setting the generous read limit the spec calls for.
func NewCoderConn(ws *websocket.Conn) *CoderConn {
	ws.SetReadLimit(maxFrameBytes)
	return &CoderConn{ws: ws}
}

func (c *CoderConn) ReadJSON(ctx context.Context, v any) error {
	return wsjson.Read(ctx, c.ws, v)
}

func (c *CoderConn) WriteJSON(ctx context.Context, v any) error {
	return wsjson.Write(ctx, c.ws, v)
}

func (c *CoderConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}
