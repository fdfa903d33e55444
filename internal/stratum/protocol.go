package stratum

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Stratum method names
const (
	MethodSubscribe           = "mining.subscribe"
	MethodAuthorize           = "mining.authorize"
	MethodSubmit              = "mining.submit"
	MethodExtraNonceSubscribe = "mining.extranonce.subscribe"
	MethodNotify              = "mining.notify"
	MethodSetDifficulty       = "mining.set_difficulty"
	MethodSetTarget           = "mining.set_target"
	MethodShowMessage         = "client.show_message"
)

// Common Stratum error codes
const (
	ErrorInvalidShare   = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorUnauthorized   = 24
	ErrorRejected       = 25
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// Message represents a Stratum JSON-RPC message. A message with a Method is
// a request (or a notification when ID is nil); anything else is a response.
type Message struct {
	ID     any
	Method string
	Params []any
	Result any
	Error  *Error
}

// Error is a Stratum error. On the wire it is the tuple [code, message, data].
type Error struct {
	Code    int
	Message string
	Data    any
}

// NewError creates an error with no data.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// MarshalJSON renders the error as [code, message, data].
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Code, e.Message, e.Data})
}

// UnmarshalJSON accepts the tuple form and the JSON-RPC 2.0 object form.
func (e *Error) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var obj struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Data    any    `json:"data"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		*e = Error{Code: obj.Code, Message: obj.Message, Data: obj.Data}
		return nil
	}

	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) < 2 {
		return fmt.Errorf("error tuple has %d elements", len(tuple))
	}
	*e = Error{}
	if err := json.Unmarshal(tuple[0], &e.Code); err != nil {
		return fmt.Errorf("error code: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &e.Message); err != nil {
		return fmt.Errorf("error message: %w", err)
	}
	if len(tuple) > 2 {
		if err := json.Unmarshal(tuple[2], &e.Data); err != nil {
			return fmt.Errorf("error data: %w", err)
		}
	}
	return nil
}

type requestJSON struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type responseJSON struct {
	ID     any    `json:"id"`
	Result any    `json:"result"`
	Error  *Error `json:"error"`
}

type messageJSON struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
	Result any    `json:"result"`
	Error  *Error `json:"error"`
}

// MarshalJSON renders requests as {id, method, params} and responses as
// {id, result, error} with result and error always present.
func (m *Message) MarshalJSON() ([]byte, error) {
	if m.Method != "" {
		params := m.Params
		if params == nil {
			params = []any{}
		}
		return json.Marshal(requestJSON{ID: m.ID, Method: m.Method, Params: params})
	}
	return json.Marshal(responseJSON{ID: m.ID, Result: m.Result, Error: m.Error})
}

// UnmarshalJSON decodes any of the three message shapes.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Message(raw)
	return nil
}

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// NewResponse creates a new response message
func NewResponse(id any, result any) *Message {
	return &Message{
		ID:     id,
		Result: result,
	}
}

// NewErrorResponse creates a response carrying result alongside the error.
// Stratum clients expect result false or null next to an error tuple.
func NewErrorResponse(id any, result any, code int, message string) *Message {
	return &Message{
		ID:     id,
		Result: result,
		Error:  NewError(code, message),
	}
}

// NewNotification creates a new notification message
func NewNotification(method string, params ...any) *Message {
	return &Message{
		ID:     nil,
		Method: method,
		Params: params,
	}
}

// IsRequest reports whether the message expects a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// SubscribeRequest represents a mining.subscribe request
type SubscribeRequest struct {
	UserAgent   string
	ExtraNonce1 string
}

// AuthorizeRequest represents a mining.authorize request
type AuthorizeRequest struct {
	Username string
	Password string
}

// SubmitRequest represents a mining.submit request
type SubmitRequest struct {
	Username string
	JobID    string
	Time     string
	Nonce    string
	Solution string
}

// ParseSubscribeRequest parses mining.subscribe parameters. Both the agent
// and the suggested extranonce1 are optional; non-string values are ignored.
func ParseSubscribeRequest(params []any) (*SubscribeRequest, error) {
	req := &SubscribeRequest{}

	if len(params) > 0 {
		if userAgent, ok := params[0].(string); ok {
			req.UserAgent = userAgent
		}
	}

	if len(params) > 1 {
		if extraNonce1, ok := params[1].(string); ok {
			req.ExtraNonce1 = strings.ToLower(extraNonce1)
		}
	}

	return req, nil
}

// ParseAuthorizeRequest parses mining.authorize parameters. The password is
// optional.
func ParseAuthorizeRequest(params []any) (*AuthorizeRequest, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	username, ok := params[0].(string)
	if !ok || username == "" {
		return nil, fmt.Errorf("username must be a non-empty string")
	}

	req := &AuthorizeRequest{Username: username}
	if len(params) > 1 && params[1] != nil {
		password, ok := params[1].(string)
		if !ok {
			return nil, fmt.Errorf("password must be string")
		}
		req.Password = password
	}

	return req, nil
}

// ParseSubmitRequest parses mining.submit parameters:
// [username, job_id, time, nonce, solution].
func ParseSubmitRequest(params []any) (*SubmitRequest, error) {
	if len(params) < 5 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	fields := [5]string{}
	names := [5]string{"username", "job_id", "time", "nonce", "solution"}
	for i := range fields {
		s, ok := params[i].(string)
		if !ok {
			return nil, fmt.Errorf("%s must be string", names[i])
		}
		fields[i] = s
	}

	return &SubmitRequest{
		Username: fields[0],
		JobID:    fields[1],
		Time:     fields[2],
		Nonce:    fields[3],
		Solution: fields[4],
	}, nil
}
