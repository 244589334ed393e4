// internal/browser/runtime/runtime.go
package runtime

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

//go:embed runtime.js
var source string

const (
	// BindingName is the CDP binding every page->host message is sent through.
	BindingName = "__subscoutBridge"
	// GlobalName is the window property the runtime installs itself under.
	GlobalName = "__subscout"

	// PollInterval and DefaultTimeout mirror the constants inside runtime.js.
	PollInterval   = 100 * time.Millisecond
	DefaultTimeout = 3000 * time.Millisecond
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Source returns the runtime script installed into every document.
func Source() string { return source }

// Op names a runtime operation.
type Op string

const (
	OpFill           Op = "fill"
	OpClick          Op = "click"
	OpWaitForElement Op = "waitForElement"
	OpExists         Op = "exists"
	OpElementProxy   Op = "elementProxy"
	OpEvaluate       Op = "evaluate"
	OpNavigate       Op = "navigate"
)

// Invocation is one host->page request. Timeout is in milliseconds; zero
// selects the runtime default.
type Invocation struct {
	ID       string          `json:"id"`
	Op       Op              `json:"op"`
	Selector string          `json:"selector,omitempty"`
	Value    string          `json:"value,omitempty"`
	Property string          `json:"property,omitempty"`
	Timeout  int64           `json:"timeout,omitempty"`
	Fn       string          `json:"fn,omitempty"`
	Options  json.RawMessage `json:"options,omitempty"`
	URL      string          `json:"url,omitempty"`
}

// Validate checks the fields each op needs before anything is sent to the page.
func (inv Invocation) Validate() error {
	if inv.ID == "" {
		return errors.New("invocation without id")
	}
	switch inv.Op {
	case OpFill, OpClick, OpWaitForElement, OpExists:
		if inv.Selector == "" {
			return fmt.Errorf("%s needs a selector", inv.Op)
		}
	case OpElementProxy:
		if inv.Selector == "" || inv.Property == "" {
			return fmt.Errorf("%s needs a selector and a property", inv.Op)
		}
	case OpEvaluate:
		if strings.TrimSpace(inv.Fn) == "" {
			return fmt.Errorf("%s needs a function", inv.Op)
		}
	case OpNavigate:
		if inv.URL == "" {
			return fmt.Errorf("%s needs a url", inv.Op)
		}
	default:
		return fmt.Errorf("unknown op %q", inv.Op)
	}
	return nil
}

// Millis converts a duration to the runtime's timeout unit. Non positive means default.
func Millis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return d.Milliseconds()
}

const (
	invocationPrefix = "(function(){var m="
	invocationSuffix = ";try{window." + GlobalName + ".call(m);}catch(e){window." + BindingName +
		"(JSON.stringify({type:'reject',data:{id:m.id,error:{name:'InjectionError',message:String(e&&e.message||e),stack:String(e&&e.stack||'')}}}));}})();"
)

// Builder composes the expressions the host evaluates in the page.
// Interpolated values are always JSON encoded, never spliced as source.
type Builder struct{}

// Build renders inv as a self contained expression. Any synchronous failure
// inside the page, including a missing runtime, is reported as a reject for
// inv.ID so the caller never waits on a call that cannot answer.
func (Builder) Build(inv Invocation) (string, error) {
	if err := inv.Validate(); err != nil {
		return "", err
	}
	payload, err := codec.Marshal(inv)
	if err != nil {
		return "", fmt.Errorf("encode invocation: %w", err)
	}
	var sb strings.Builder
	sb.Grow(len(invocationPrefix) + len(payload) + len(invocationSuffix))
	sb.WriteString(invocationPrefix)
	sb.Write(payload)
	sb.WriteString(invocationSuffix)
	return sb.String(), nil
}

// DecodeInvocation recovers the Invocation from an expression produced by Build.
// Fake hosts use it to emulate the runtime.
func DecodeInvocation(expr string) (Invocation, error) {
	if !strings.HasPrefix(expr, invocationPrefix) {
		return Invocation{}, errors.New("not a runtime invocation")
	}
	dec := codec.NewDecoder(strings.NewReader(strings.TrimPrefix(expr, invocationPrefix)))
	var inv Invocation
	if err := dec.Decode(&inv); err != nil {
		return Invocation{}, fmt.Errorf("decode invocation: %w", err)
	}
	return inv, nil
}
