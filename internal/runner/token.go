package runner

import (
	"context"
	"sync"
)

// CancelToken is a single-fire cancellation signal shared between whoever
// may abort a run and the work being aborted.
type CancelToken struct {
	mu        sync.Mutex
	revoked   bool
	callbacks []func()
	done      chan struct{}
}

func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Revoke fires the token. Only the first call has an effect.
func (t *CancelToken) Revoke() {
	t.mu.Lock()
	if t.revoked {
		t.mu.Unlock()
		return
	}
	t.revoked = true
	callbacks := t.callbacks
	t.callbacks = nil
	close(t.done)
	t.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}

// OnRevoke registers cb to run once when the token fires. If it already has,
// cb runs immediately on the calling goroutine.
func (t *CancelToken) OnRevoke(cb func()) {
	t.mu.Lock()
	if t.revoked {
		t.mu.Unlock()
		cb()
		return
	}
	t.callbacks = append(t.callbacks, cb)
	t.mu.Unlock()
}

func (t *CancelToken) Revoked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.revoked
}

// Done is closed once the token is revoked.
func (t *CancelToken) Done() <-chan struct{} { return t.done }

// Context derives a context from parent that is canceled when the token is
// revoked. The returned cancel func must be called to release it.
func (t *CancelToken) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	go func() {
		select {
		case <-t.done:
			cancel(ErrCanceled)
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}
