// internal/bridge/pending.go
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrUnknownCall is returned by Settle for an id that is not (or no longer) registered.
	// A second reply for an already settled id also lands here.
	ErrUnknownCall = errors.New("bridge: reply for unknown call id")
	// ErrDuplicateReply is returned by Settle when an id was already settled once.
	ErrDuplicateReply = errors.New("bridge: duplicate reply for call id")
)

// Outcome is the single fulfilment of a registered call.
type Outcome struct {
	Result json.RawMessage
	Reject *RejectReason
	// Err is set when the call was failed from the host side, e.g. at teardown.
	Err error
}

// Failed reports whether the call did not produce a value.
func (o Outcome) Failed() bool { return o.Reject != nil || o.Err != nil }

// Pending correlates outstanding host->page requests with their replies.
// The resolver and rejecter of a call live in one entry so they are always
// removed together.
type Pending struct {
	mu      sync.Mutex
	calls   map[string]chan Outcome
	settled map[string]struct{}
	newID   func() string
}

func NewPending() *Pending {
	return &Pending{
		calls:   make(map[string]chan Outcome),
		settled: make(map[string]struct{}),
		newID:   uuid.NewString,
	}
}

// Register reserves a fresh call id. The returned channel receives exactly one Outcome.
func (p *Pending) Register() (string, <-chan Outcome) {
	ch := make(chan Outcome, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.newID()
	for {
		_, live := p.calls[id]
		_, done := p.settled[id]
		if !live && !done {
			break
		}
		id = p.newID()
	}
	p.calls[id] = ch
	return id, ch
}

// Settle delivers a page reply to the waiting caller. A reply for an id that
// was already settled or never registered is reported and otherwise ignored;
// it never resolves a different call.
func (p *Pending) Settle(msg Message) error {
	if msg.Call == nil {
		return fmt.Errorf("%w: %s is not a call reply", ErrMalformed, msg.Type)
	}
	id := msg.Call.ID

	p.mu.Lock()
	ch, ok := p.calls[id]
	if ok {
		delete(p.calls, id)
		p.settled[id] = struct{}{}
	}
	_, already := p.settled[id]
	p.mu.Unlock()

	if !ok {
		if already {
			return fmt.Errorf("%w: %s", ErrDuplicateReply, id)
		}
		return fmt.Errorf("%w: %s", ErrUnknownCall, id)
	}

	out := Outcome{}
	if msg.Type == TypeReject {
		out.Reject = msg.Call.Error
	} else {
		out.Result = msg.Call.Result
	}
	ch <- out
	close(ch)
	return nil
}

// Forget drops an entry whose caller stopped waiting. A late reply is then a duplicate.
func (p *Pending) Forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.calls[id]; ok {
		delete(p.calls, id)
		p.settled[id] = struct{}{}
	}
}

// RejectAll fails every outstanding call with err.
func (p *Pending) RejectAll(err error) int {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[string]chan Outcome)
	for id := range calls {
		p.settled[id] = struct{}{}
	}
	p.mu.Unlock()

	for _, ch := range calls {
		ch <- Outcome{Err: err}
		close(ch)
	}
	return len(calls)
}

// Len is the number of calls still waiting for a reply.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// ReadyLatch remembers whether a session has already seen its first ready.
type ReadyLatch struct {
	once sync.Once
}

// Observe returns true exactly once, for the first ready of the session.
func (l *ReadyLatch) Observe() bool {
	first := false
	l.once.Do(func() { first = true })
	return first
}
