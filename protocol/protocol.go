// Package protocol defines the wire envelope and the JSON-RPC 2.0 message
// shapes exchanged between team nodes and the broker. Every frame carries an
// encrypted payload; only the envelope fields travel in the clear.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/BaSui01/teamwire/secure"
)

// Version is the JSON-RPC protocol version pinned on every frame.
const Version = "2.0"

// Recognized RPC methods. Anything outside this enumeration is rejected
// with ErrorCodeMethodNotFound and never mutates state.
const (
	MethodRegister  = "register"
	MethodBroadcast = "broadcast"
	MethodLedger    = "ledger"
	MethodAttach    = "attach"
	MethodHandoff   = "handoff"
	MethodMode      = "mode"
	MethodHeartbeat = "heartbeat"
	MethodLeave     = "leave"

	// MethodTeamEvent is the broker-to-client notification wrapper.
	MethodTeamEvent = "team.event"
)

// JSON-RPC error codes.
const (
	ErrorCodeParseError     = -32700
	ErrorCodeInvalidRequest = -32600
	ErrorCodeMethodNotFound = -32601
	ErrorCodeInvalidParams  = -32602
	ErrorCodeInternalError  = -32603

	// Protocol-specific codes.
	ErrorCodeUnknownNode = -32001
	ErrorCodeUnknownRepo = -32002
)

// Frame is the wire envelope. Requests and notifications carry Payload;
// responses carry Result or Error. Notifications have no ID and expect no
// reply.
type Frame struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      string           `json:"id,omitempty"`
	Payload *secure.Envelope `json:"payload,omitempty"`
	Result  *secure.Envelope `json:"result,omitempty"`
	Error   *Error           `json:"error,omitempty"`
}

// IsResponse reports whether the frame answers a prior request.
func (f *Frame) IsResponse() bool {
	return f.ID != "" && (f.Result != nil || f.Error != nil)
}

// IsNotification reports whether the frame expects no reply.
func (f *Frame) IsNotification() bool {
	return f.ID == "" && f.Payload != nil
}

// Error is a call-scoped JSON-RPC error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Message is the decrypted body of a request or notification.
type Message struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Result is the decrypted body of a successful response.
type Result struct {
	Result json.RawMessage `json:"result"`
}

// ErrMalformedFrame is returned when a frame is not valid envelope JSON.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Codec seals and opens frames with a team encryptor.
type Codec struct {
	enc *secure.Encryptor
}

// NewCodec wraps an encryptor.
func NewCodec(enc *secure.Encryptor) *Codec {
	return &Codec{enc: enc}
}

// EncodeRequest builds a request frame with the given id.
func (c *Codec) EncodeRequest(id, method string, params any) ([]byte, error) {
	return c.encodeCall(id, method, params)
}

// EncodeNotification builds a frame without an id; the receiver must not
// reply to it.
func (c *Codec) EncodeNotification(method string, params any) ([]byte, error) {
	return c.encodeCall("", method, params)
}

func (c *Codec) encodeCall(id, method string, params any) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal params: %w", err)
	}
	body, err := json.Marshal(Message{Method: method, Params: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal message: %w", err)
	}
	env, err := c.enc.Seal(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{JSONRPC: Version, ID: id, Payload: &env})
}

// EncodeResult builds a success response for a request id. The result body
// is encrypted like any other payload.
func (c *Codec) EncodeResult(id string, result any) ([]byte, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal result: %w", err)
	}
	body, err := json.Marshal(Result{Result: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal response: %w", err)
	}
	env, err := c.enc.Seal(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{JSONRPC: Version, ID: id, Result: &env})
}

// EncodeError builds an error response. Error messages travel in the clear;
// they never contain payload data.
func (c *Codec) EncodeError(id string, code int, message string) ([]byte, error) {
	return json.Marshal(Frame{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	})
}

// DecodeFrame parses raw wire bytes into a Frame without touching the
// encrypted payload.
func (c *Codec) DecodeFrame(data []byte) (*Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &frame, nil
}

// OpenMessage decrypts a request/notification payload.
func (c *Codec) OpenMessage(frame *Frame) (*Message, error) {
	if frame.Payload == nil {
		return nil, fmt.Errorf("%w: missing payload", ErrMalformedFrame)
	}
	body, err := c.enc.Open(*frame.Payload)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if msg.Method == "" {
		return nil, fmt.Errorf("%w: missing method", ErrMalformedFrame)
	}
	return &msg, nil
}

// OpenResult decrypts a success response body into out.
func (c *Codec) OpenResult(frame *Frame, out any) error {
	if frame.Result == nil {
		return fmt.Errorf("%w: missing result", ErrMalformedFrame)
	}
	body, err := c.enc.Open(*frame.Result)
	if err != nil {
		return err
	}
	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(res.Result, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}
