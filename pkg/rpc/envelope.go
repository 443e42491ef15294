// Package rpc defines the wire envelope for the remote execution protocol
// as a tagged variant (design note §9): one Request/Response type per
// message kind, dispatched on a discriminator field, rather than the
// duck-typed maps the original implementation used.
package rpc

import (
	"encoding/json"
	"fmt"
)

// RequestType enumerates every accepted message type, post-handshake.
type RequestType string

const (
	TypeExec       RequestType = "exec"
	TypeExecute    RequestType = "execute" // alias of exec
	TypeReadFile   RequestType = "read_file"
	TypeReadBytes  RequestType = "read_bytes"
	TypeWriteFile  RequestType = "write_file"
	TypeEditFile   RequestType = "edit_file"
	TypeListDir    RequestType = "list_dir"
	TypePing       RequestType = "ping"
	TypeClose      RequestType = "close"
	TypeShutdown   RequestType = "shutdown"
	TypeAuth       RequestType = "auth" // handshake frame, not dispatched
)

// ResponseType enumerates every response discriminator.
type ResponseType string

const (
	RespResult        ResponseType = "result"
	RespError         ResponseType = "error"
	RespPong          ResponseType = "pong"
	RespAuthenticated ResponseType = "authenticated"
	RespShutdownAck   ResponseType = "shutdown_ack"
)

// Envelope is the wire shape both directions use: a discriminator plus an
// opaque request_id and a type-specific payload. On the wire the payload's
// fields are inlined into the same top-level object as type/request_id —
// both servers read a whole frame into a concrete Request struct (extra
// fields are simply ignored by encoding/json), so the client must write
// that same flat shape rather than a nested "payload" object.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"-"`
}

// MarshalJSON inlines Payload's own top-level fields alongside type and
// request_id, producing the flat frame both servers expect.
func (e Envelope) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &fields); err != nil {
			return nil, fmt.Errorf("inline envelope payload: %w", err)
		}
	}
	typeRaw, err := json.Marshal(e.Type)
	if err != nil {
		return nil, err
	}
	fields["type"] = typeRaw
	if e.RequestID != "" {
		idRaw, err := json.Marshal(e.RequestID)
		if err != nil {
			return nil, err
		}
		fields["request_id"] = idRaw
	}
	return json.Marshal(fields)
}

// UnmarshalJSON decodes type/request_id and keeps the whole frame as
// Payload, so a handler can re-decode it into the concrete Request type
// named by Type — mirroring how both servers' dispatch loops work.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var head struct {
		Type      string `json:"type"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	e.Type = head.Type
	e.RequestID = head.RequestID
	e.Payload = append(json.RawMessage(nil), data...)
	return nil
}

// AuthFrame is the one handshake frame the client sends before anything
// else is accepted.
type AuthFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// ExecRequest runs a shell command through the tmux-backed executor.
type ExecRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// ExecResponse carries a completed (or timed-out) command's result.
type ExecResponse struct {
	Success  bool   `json:"success"`
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// ReadFileRequest reads a file as UTF-8 text.
type ReadFileRequest struct {
	Path string `json:"path"`
}

// ReadFileResponse carries decoded text content; invalid UTF-8 sequences
// are replaced with the Unicode replacement character, never an error.
type ReadFileResponse struct {
	Content string `json:"content"`
}

// ReadBytesRequest reads a file as raw bytes.
type ReadBytesRequest struct {
	Path string `json:"path"`
}

// ReadBytesResponse carries base64-encoded raw bytes.
type ReadBytesResponse struct {
	Content string `json:"content"` // base64
	Size    int64  `json:"size"`
}

// WriteFileRequest creates parent directories as needed and writes UTF-8
// content, truncating any existing file.
type WriteFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// WriteFileResponse reports how much was written.
type WriteFileResponse struct {
	Bytes int    `json:"bytes"`
	Path  string `json:"path"`
}

// EditFileRequest replaces the single occurrence of OldText with NewText.
type EditFileRequest struct {
	Path    string `json:"path"`
	OldText string `json:"old_text"`
	NewText string `json:"new_text"`
}

// EditFileResponse reports a successful single replacement.
type EditFileResponse struct {
	Success bool `json:"success"`
}

// ListDirRequest lists a directory's immediate children.
type ListDirRequest struct {
	Path string `json:"path"`
}

// DirEntry is one child of a listed directory.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
}

// ListDirResponse carries entries sorted by name.
type ListDirResponse struct {
	Entries []DirEntry `json:"entries"`
}

// RpcError pairs an error message with a kind a caller can branch on. The
// servers' {type:"error"} frames do not carry it: they hold only type,
// request_id and message.
type RpcError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ErrorResponse is the full {type:"error", ...} wire shape.
type ErrorResponse struct {
	Message string `json:"message"`
}
