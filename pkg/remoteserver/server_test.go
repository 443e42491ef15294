package remoteserver

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/chtangwin/nanobot/pkg/rpc"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory Conn for dispatch-loop tests that don't need a
// real socket.
type fakeConn struct {
	in  []any
	out []map[string]any
}

func (f *fakeConn) ReadJSON(ctx context.Context, v any) error {
	if len(f.in) == 0 {
		return context.Canceled
	}
	next := f.in[0]
	f.in = f.in[1:]
	raw, _ := json.Marshal(next)
	return json.Unmarshal(raw, v)
}

func (f *fakeConn) WriteJSON(ctx context.Context, v any) error {
	raw, _ := json.Marshal(v)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	f.out = append(f.out, m)
	return nil
}

func (f *fakeConn) Close() error { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	s, err := New(Config{Port: 8765, UseTmux: false, SessionDir: dir}, nil)
	require.NoError(t, err)
	return s
}

func TestHandshakeSucceedsWithMatchingToken(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{Port: 8765, Token: "secret", SessionDir: dir}, nil)
	require.NoError(t, err)

	conn := &fakeConn{in: []any{map[string]string{"type": "auth", "token": "secret"}}}
	require.NoError(t, s.handshake(context.Background(), conn))
	require.Equal(t, "authenticated", conn.out[0]["type"])
}

func TestHandshakeFailsWithWrongToken(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{Port: 8765, Token: "secret", SessionDir: dir}, nil)
	require.NoError(t, err)

	conn := &fakeConn{in: []any{map[string]string{"type": "auth", "token": "wrong"}}}
	err = s.handshake(context.Background(), conn)
	require.Error(t, err)
	require.Equal(t, "error", conn.out[0]["type"])
}

func TestPingReturnsPong(t *testing.T) {
	s := newTestServer(t)
	conn := &fakeConn{}
	done, err := s.dispatch(context.Background(), envelopeFor(t, "ping", "", nil), conn)
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, "pong", conn.out[0]["type"])
}

func TestWriteThenReadFileRoundTrip(t *testing.T) {
	s := newTestServer(t)
	path := s.cfg.SessionDir + "/hello.txt"
	conn := &fakeConn{}

	_, err := s.dispatch(context.Background(), envelopeFor(t, "write_file", "r1", map[string]any{"path": path, "content": "hello"}), conn)
	require.NoError(t, err)
	require.Equal(t, "result", conn.out[0]["type"])

	_, err = s.dispatch(context.Background(), envelopeFor(t, "read_file", "r2", map[string]any{"path": path}), conn)
	require.NoError(t, err)
	payload := conn.out[1]["payload"].(map[string]any)
	require.Equal(t, "hello", payload["content"])
}

func TestIdempotentRetrySameRequestIDSamePayload(t *testing.T) {
	s := newTestServer(t)
	path := s.cfg.SessionDir + "/counter.txt"
	conn := &fakeConn{}

	env := envelopeFor(t, "write_file", "rid-1", map[string]any{"path": path, "content": "v1"})
	_, err := s.dispatch(context.Background(), env, conn)
	require.NoError(t, err)
	_, err = s.dispatch(context.Background(), env, conn)
	require.NoError(t, err)

	require.Equal(t, conn.out[0], conn.out[1])
}

func TestPayloadMismatchRejectedWithoutExecuting(t *testing.T) {
	s := newTestServer(t)
	path := s.cfg.SessionDir + "/x.txt"
	conn := &fakeConn{}

	_, err := s.dispatch(context.Background(), envelopeFor(t, "write_file", "rid-2", map[string]any{"path": path, "content": "A"}), conn)
	require.NoError(t, err)

	_, err = s.dispatch(context.Background(), envelopeFor(t, "write_file", "rid-2", map[string]any{"path": path, "content": "B"}), conn)
	require.NoError(t, err)
	require.Equal(t, "error", conn.out[1]["type"])
	require.Contains(t, conn.out[1]["message"], "request_id reuse with different payload")

	data, readErr := s.fs.readFile(path)
	require.NoError(t, readErr)
	require.Equal(t, "A", data.Content)
}

func TestEditFileMultipleMatchesReportsCount(t *testing.T) {
	s := newTestServer(t)
	path := s.cfg.SessionDir + "/dup.txt"
	require.NoError(t, writeTestFile(path, "x\nx\n"))
	conn := &fakeConn{}

	_, err := s.dispatch(context.Background(), envelopeFor(t, "edit_file", "e1", map[string]any{"path": path, "old_text": "x", "new_text": "y"}), conn)
	require.NoError(t, err)
	require.Equal(t, "error", conn.out[0]["type"])
	require.Contains(t, conn.out[0]["message"], "appears 2 times")
}

func TestUnknownMessageTypeReturnsError(t *testing.T) {
	s := newTestServer(t)
	conn := &fakeConn{}
	_, err := s.dispatch(context.Background(), envelopeFor(t, "bogus", "", nil), conn)
	require.NoError(t, err)
	require.Equal(t, "error", conn.out[0]["type"])
}

// TestWireFrameRoundTripCarriesPayload is the regression test for the bug
// class where a client-built Envelope marshals to a bare {type,request_id}
// frame, silently dropping command/path/content: it goes through the same
// json.Marshal a real wsjson.Write would use, then the same json.Unmarshal
// the dispatch loop uses, rather than handing the in-memory struct to
// dispatch directly like the other tests in this file do.
func TestWireFrameRoundTripCarriesPayload(t *testing.T) {
	s := newTestServer(t)
	path := s.cfg.SessionDir + "/wire.txt"
	conn := &fakeConn{}

	payload, err := json.Marshal(map[string]any{"path": path, "content": "over-the-wire"})
	require.NoError(t, err)
	wireBytes, err := json.Marshal(rpc.Envelope{Type: "write_file", RequestID: "wire-1", Payload: payload})
	require.NoError(t, err)

	var env rpc.Envelope
	require.NoError(t, json.Unmarshal(wireBytes, &env))

	_, err = s.dispatch(context.Background(), env, conn)
	require.NoError(t, err)
	require.Equal(t, "result", conn.out[0]["type"])

	data, readErr := s.fs.readFile(path)
	require.NoError(t, readErr)
	require.Equal(t, "over-the-wire", data.Content)
}

func envelopeFor(t *testing.T, typ, requestID string, payload map[string]any) rpc.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return rpc.Envelope{Type: typ, RequestID: requestID, Payload: raw}
}

func writeTestFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
