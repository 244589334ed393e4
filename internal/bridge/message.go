// internal/bridge/message.go
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Type is the discriminant of a page->host envelope.
type Type string

const (
	TypeReady  Type = "ready"
	TypeResult Type = "result"
	TypeReject Type = "reject"
	TypeLog    Type = "log"
	TypeError  Type = "error"
)

// Message is one decoded envelope. Exactly one of the payload pointers is set,
// matching Type.
type Message struct {
	Type  Type
	Ready *ReadyPayload
	Call  *CallPayload
	Log   *LogPayload
	Error *ErrorPayload
}

// ReadyPayload is sent once per document when the DOM becomes interactive.
type ReadyPayload struct {
	URL string `json:"url"`
}

// CallPayload answers a host request. Result is set for TypeResult, Error for TypeReject.
type CallPayload struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RejectReason   `json:"error,omitempty"`
}

// RejectReason describes why a page side operation failed.
type RejectReason struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// LogPayload mirrors a console call inside the page.
type LogPayload struct {
	Level   string   `json:"level"`
	Message string   `json:"message"`
	Args    []string `json:"args,omitempty"`
}

// ErrorPayload reports an uncaught page error.
type ErrorPayload struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// ErrMalformed wraps every decoding failure. Callers log and skip such input.
var ErrMalformed = errors.New("malformed bridge message")

type envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode parses and validates one raw envelope. It never panics on hostile input.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := codec.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg := Message{Type: env.Type}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return Message{}, fmt.Errorf("%w: %q without data", ErrMalformed, env.Type)
	}

	switch env.Type {
	case TypeReady:
		var p ReadyPayload
		if err := codec.Unmarshal(env.Data, &p); err != nil {
			return Message{}, fmt.Errorf("%w: ready: %v", ErrMalformed, err)
		}
		if p.URL == "" {
			return Message{}, fmt.Errorf("%w: ready without url", ErrMalformed)
		}
		msg.Ready = &p
	case TypeResult, TypeReject:
		var p CallPayload
		if err := codec.Unmarshal(env.Data, &p); err != nil {
			return Message{}, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
		if p.ID == "" {
			return Message{}, fmt.Errorf("%w: %s without id", ErrMalformed, env.Type)
		}
		if env.Type == TypeReject && p.Error == nil {
			p.Error = &RejectReason{Name: "Error", Message: "rejected without reason"}
		}
		if env.Type == TypeResult && len(p.Result) == 0 {
			p.Result = json.RawMessage("null")
		}
		msg.Call = &p
	case TypeLog:
		var p LogPayload
		if err := codec.Unmarshal(env.Data, &p); err != nil {
			return Message{}, fmt.Errorf("%w: log: %v", ErrMalformed, err)
		}
		msg.Log = &p
	case TypeError:
		var p ErrorPayload
		if err := codec.Unmarshal(env.Data, &p); err != nil {
			return Message{}, fmt.Errorf("%w: error: %v", ErrMalformed, err)
		}
		msg.Error = &p
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}
	return msg, nil
}

// Encode builds a raw envelope. The in-page runtime produces the same shape;
// tests and fake hosts use this to speak the protocol from Go.
func Encode(t Type, data any) []byte {
	b, err := codec.Marshal(map[string]any{"type": t, "data": data})
	if err != nil {
		// only reachable with unencodable test data
		panic(fmt.Sprintf("bridge: encode %s: %v", t, err))
	}
	return b
}
