package remoteserver

import "context"

// Conn abstracts the one underlying socket a Server instance serves, so
// the dispatch/idempotency/executor logic is transport-agnostic. CoderConn
// implements it over coder/websocket. The uploaded agent binary in
// pkg/bootstrap/assets/agent keeps its own copy of this logic on
// gorilla/websocket and does not use this interface.
type Conn interface {
	ReadJSON(ctx context.Context, v any) error
	WriteJSON(ctx context.Context, v any) error
	Close() error
}
