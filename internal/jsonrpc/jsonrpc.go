// Package jsonrpc provides the JSON-RPC 2.0 message types shared by every
// transport adapter and session in mcpbridge, plus the MCP method-name
// constants the core components recognize.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the only JSON-RPC version mcpbridge speaks.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeServerErrorLow and CodeServerErrorHigh bound the MCP-reserved
	// server-defined error range.
	CodeServerErrorLow  = -32099
	CodeServerErrorHigh = -32000
)

// MCP method names the core dispatches on. Anything else is treated as an
// opaque pass-through method.
const (
	MethodInitialize            = "initialize"
	MethodPing                  = "ping"
	MethodToolsList             = "tools/list"
	MethodToolsCall             = "tools/call"
	MethodResourcesList         = "resources/list"
	MethodResourceTemplatesList = "resources/templates/list"
	MethodResourcesRead         = "resources/read"
	MethodResourcesSubscribe    = "resources/subscribe"
	MethodResourcesUnsubscribe  = "resources/unsubscribe"
	MethodPromptsList           = "prompts/list"
	MethodPromptsGet            = "prompts/get"
	MethodLoggingSetLevel       = "logging/setLevel"
	MethodCompletionComplete    = "completion/complete"

	NotificationInitialized          = "notifications/initialized"
	NotificationToolsListChanged     = "notifications/tools/list_changed"
	NotificationResourcesListChanged = "notifications/resources/list_changed"
	NotificationResourcesUpdated     = "notifications/resources/updated"
	NotificationPromptsListChanged   = "notifications/prompts/list_changed"
	NotificationMessage              = "notifications/message"
	NotificationProgress             = "notifications/progress"
	NotificationCancelled            = "notifications/cancelled"
)

// ID is a JSON-RPC request identifier: a string, an integer, or absent. It
// round-trips through JSON without normalizing string ids to numbers or vice
// versa, which a plain `any` unmarshal target would not guarantee.
type ID struct {
	str   string
	num   int64
	isStr bool
	isNum bool
}

// NewStringID builds a string-valued ID.
func NewStringID(s string) ID { return ID{str: s, isStr: true} }

// NewIntID builds an integer-valued ID.
func NewIntID(n int64) ID { return ID{num: n, isNum: true} }

// IsZero reports whether this ID was never set (absent => notification).
func (i ID) IsZero() bool { return !i.isStr && !i.isNum }

// String renders the id for logging and map keys.
func (i ID) String() string {
	switch {
	case i.isStr:
		return i.str
	case i.isNum:
		return fmt.Sprintf("%d", i.num)
	default:
		return ""
	}
}

func (i ID) MarshalJSON() ([]byte, error) {
	switch {
	case i.isStr:
		return json.Marshal(i.str)
	case i.isNum:
		return json.Marshal(i.num)
	default:
		return []byte("null"), nil
	}
}

func (i *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*i = ID{}
		return nil
	}
	var asNum int64
	if err := json.Unmarshal(data, &asNum); err == nil {
		*i = ID{num: asNum, isNum: true}
		return nil
	}
	var asStr string
	if err := json.Unmarshal(data, &asStr); err != nil {
		return fmt.Errorf("jsonrpc: id must be string, number, or null: %w", err)
	}
	*i = ID{str: asStr, isStr: true}
	return nil
}

// Message is the wire envelope. Classify reports which of the four shapes a
// well-formed message takes: request, notification (a method with a nil
// ID), Response-OK, or Response-Err.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Kind classifies a parsed Message.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponseOK
	KindResponseErr
)

// Classify determines which of the four JSON-RPC shapes m represents,
// rejecting malformed messages (missing jsonrpc, or both result
// and error present).
func (m *Message) Classify() (Kind, error) {
	if m.JSONRPC != Version {
		return KindInvalid, fmt.Errorf("jsonrpc: missing or wrong version field: %q", m.JSONRPC)
	}
	if m.Result != nil && m.Error != nil {
		return KindInvalid, fmt.Errorf("jsonrpc: message carries both result and error")
	}
	switch {
	case m.Method != "" && m.ID != nil:
		return KindRequest, nil
	case m.Method != "" && m.ID == nil:
		return KindNotification, nil
	case m.Error != nil:
		return KindResponseErr, nil
	case m.ID != nil:
		return KindResponseOK, nil
	default:
		return KindInvalid, fmt.Errorf("jsonrpc: message matches no known shape")
	}
}

// Parse decodes raw bytes into a Message, tolerating unknown fields (Go's
// encoding/json already ignores unrecognized object keys by default).
func Parse(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("jsonrpc: parse error: %w", err)
	}
	return &m, nil
}

// NewRequest builds a Message for an outbound request.
func NewRequest(id ID, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	idCopy := id
	return &Message{JSONRPC: Version, ID: &idCopy, Method: method, Params: raw}, nil
}

// NewNotification builds a Message for a fire-and-forget notification.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResult builds a successful response Message.
func NewResult(id ID, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: marshal result: %w", err)
	}
	idCopy := id
	return &Message{JSONRPC: Version, ID: &idCopy, Result: raw}, nil
}

// NewError builds an error response Message.
func NewError(id ID, code int, message string, data any) *Message {
	idCopy := id
	return &Message{JSONRPC: Version, ID: &idCopy, Error: &Error{Code: code, Message: message, Data: data}}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: marshal params: %w", err)
	}
	return raw, nil
}

// Encode serializes m back to wire bytes.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
