// Package duplex implements a correlated duplex JSON message channel to a
// long-running peer process: newline-framed JSON frames over a pair of byte
// streams, request/response correlation by id, routing of peer-initiated
// requests, and per-request timeout.
package duplex

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// JSONRPCVersion is the protocol version stamped on every frame
const JSONRPCVersion = "2.0"

// MessageID is a request identifier: a string or an integer, caller-chosen.
// The two variants never collide as correlation keys even when a string id
// spells the same digits as an integer id.
type MessageID struct {
	str   string
	num   int64
	isNum bool
	valid bool
}

// NewStringID creates a string-variant MessageID
func NewStringID(s string) MessageID {
	return MessageID{str: s, valid: true}
}

// NewNumberID creates an integer-variant MessageID
func NewNumberID(n int64) MessageID {
	return MessageID{num: n, isNum: true, valid: true}
}

// IsValid reports whether the id carries a value
func (id MessageID) IsValid() bool { return id.valid }

// IsNumber reports whether the id is the integer variant
func (id MessageID) IsNumber() bool { return id.isNum }

// String returns the id in display form
func (id MessageID) String() string {
	if !id.valid {
		return "<none>"
	}
	if id.isNum {
		return strconv.FormatInt(id.num, 10)
	}
	return id.str
}

// key returns the correlation map key. The variant prefix keeps string "7"
// distinct from integer 7.
func (id MessageID) key() string {
	if id.isNum {
		return "n:" + strconv.FormatInt(id.num, 10)
	}
	return "s:" + id.str
}

// MarshalJSON encodes the id as a bare string or integer
func (id MessageID) MarshalJSON() ([]byte, error) {
	if !id.valid {
		return []byte("null"), nil
	}
	if id.isNum {
		return []byte(strconv.FormatInt(id.num, 10)), nil
	}
	return json.Marshal(id.str)
}

// UnmarshalJSON accepts a string or an integer id
func (id *MessageID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = NewStringID(s)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*id = NewNumberID(n)
		return nil
	}
	return fmt.Errorf("message id must be a string or an integer, got %s", string(data))
}

// ErrorObject is the error member of a response frame
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ErrorObject) Error() string {
	return fmt.Sprintf("peer error %d: %s", e.Code, e.Message)
}

// Message is one frame on the wire. A request carries Method and ID; a
// notification carries Method without ID; a response carries ID and exactly
// one of Result/Error.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *MessageID      `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// NewRequest builds a request frame
func NewRequest(id MessageID, method string, params json.RawMessage) *Message {
	return &Message{JSONRPC: JSONRPCVersion, ID: &id, Method: method, Params: params}
}

// NewNotification builds a notification frame
func NewNotification(method string, params json.RawMessage) *Message {
	return &Message{JSONRPC: JSONRPCVersion, Method: method, Params: params}
}

// NewResult builds a success response frame
func NewResult(id MessageID, result json.RawMessage) *Message {
	return &Message{JSONRPC: JSONRPCVersion, ID: &id, Result: result}
}

// NewError builds an error response frame
func NewError(id MessageID, errObj *ErrorObject) *Message {
	return &Message{JSONRPC: JSONRPCVersion, ID: &id, Error: errObj}
}

// IsResponse reports whether the frame is response-shaped: it carries an id
// and no method
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.ID.IsValid() && m.Method == ""
}

// IsRequest reports whether the frame is a peer request expecting a reply
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil && m.ID.IsValid()
}

// IsNotification reports whether the frame is a fire-and-forget request
func (m *Message) IsNotification() bool {
	return m.Method != "" && (m.ID == nil || !m.ID.IsValid())
}
