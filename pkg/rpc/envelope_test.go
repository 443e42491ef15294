package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExecRequestRoundTrip(t *testing.T) {
	req := ExecRequest{Command: "echo hi", TimeoutSeconds: 30}
	data, err := json.Marshal(req)
	require.NoError(t, err)

	var got ExecRequest
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, req, got)
}

func TestEditFileRequestFields(t *testing.T) {
	raw := `{"path":"/tmp/x","old_text":"a","new_text":"b"}`
	var req EditFileRequest
	require.NoError(t, json.Unmarshal([]byte(raw), &req))
	require.Equal(t, "/tmp/x", req.Path)
	require.Equal(t, "a", req.OldText)
	require.Equal(t, "b", req.NewText)
}

// TestEnvelopeMarshalInlinesPayload guards against the wire format
// regressing to a nested "payload" object: both servers decode the
// concrete Request directly from the top-level frame, so Envelope must
// marshal type/request_id and the payload's fields into one flat object.
func TestEnvelopeMarshalInlinesPayload(t *testing.T) {
	payload, err := json.Marshal(ExecRequest{Command: "echo hi", TimeoutSeconds: 5})
	require.NoError(t, err)

	env := Envelope{Type: string(TypeExec), RequestID: "r1", Payload: payload}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	require.Equal(t, "exec", flat["type"])
	require.Equal(t, "r1", flat["request_id"])
	require.Equal(t, "echo hi", flat["command"])
	require.Equal(t, float64(5), flat["timeout_seconds"])
	require.NotContains(t, flat, "payload")

	var decoded ExecRequest
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, "echo hi", decoded.Command)
	require.Equal(t, 5, decoded.TimeoutSeconds)
}

// TestEnvelopeUnmarshalKeepsWholeFrameAsPayload mirrors the server's read
// path: after decoding, Payload must still hold the whole frame so a
// dispatcher can re-decode it into the concrete variant named by Type.
func TestEnvelopeUnmarshalKeepsWholeFrameAsPayload(t *testing.T) {
	data := []byte(`{"type":"write_file","request_id":"r2","path":"/tmp/x","content":"hi"}`)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.Equal(t, "write_file", env.Type)
	require.Equal(t, "r2", env.RequestID)

	var req WriteFileRequest
	require.NoError(t, json.Unmarshal(env.Payload, &req))
	require.Equal(t, "/tmp/x", req.Path)
	require.Equal(t, "hi", req.Content)
}
