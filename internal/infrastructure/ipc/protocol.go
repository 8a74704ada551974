// Package ipc carries proxy calls between the host and the helper process
// over a loopback websocket.
package ipc

import (
	"encoding/json"
	"fmt"

	"vcam/internal/core/domain"

	"github.com/google/uuid"
)

// ProtocolVersion is sent by the client during the handshake. The server
// refuses other versions.
const ProtocolVersion = "1"

const (
	HeaderProtocol      = "X-Vcam-Protocol"
	HeaderAuthorization = "Authorization"
)

type Kind string

const (
	KindRequest Kind = "request"
	KindReply   Kind = "reply"
	KindPush    Kind = "push"
	KindError   Kind = "error"
)

const (
	MethodPing              = "ping"
	MethodGetVersion        = "getVersion"
	MethodOpenSettings      = "openSettings"
	MethodUpdateRemoteState = "updateRemoteState"
	MethodRemoteCommand     = domain.RemoteCommandMethod
)

// PongReply is the payload of a successful ping.
const PongReply = "pong"

// Envelope is the single message shape on the wire. Replies and errors
// carry the ID of the request they answer; pushes have no ID.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Kind    Kind            `json:"kind"`
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// WireError is the failure carried by a KindError envelope.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newRequest(method string, payload interface{}) (Envelope, error) {
	env := Envelope{ID: uuid.NewString(), Kind: KindRequest, Method: method}
	return env, env.setPayload(payload)
}

func newPush(method string, payload interface{}) (Envelope, error) {
	env := Envelope{Kind: KindPush, Method: method}
	return env, env.setPayload(payload)
}

func (e *Envelope) setPayload(payload interface{}) error {
	switch p := payload.(type) {
	case nil:
		return nil
	case json.RawMessage:
		e.Payload = p
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", e.Method, err)
	}
	e.Payload = raw
	return nil
}

func (e Envelope) reply(payload interface{}) (Envelope, error) {
	out := Envelope{ID: e.ID, Kind: KindReply, Method: e.Method}
	return out, out.setPayload(payload)
}

func (e Envelope) fail(code, message string) Envelope {
	return Envelope{ID: e.ID, Kind: KindError, Method: e.Method, Error: &WireError{Code: code, Message: message}}
}
