// Package runner executes one queued action at a time per queue id, relaying
// prompts to the user and honoring cancellation from the outside.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/subscout/api/schemas"
	"github.com/xkilldash9x/subscout/internal/metrics"
	"github.com/xkilldash9x/subscout/internal/page"
	"github.com/xkilldash9x/subscout/internal/result"
)

// ErrCanceled is the cancellation cause of a revoked runner's context.
var ErrCanceled = errors.New("runner canceled")

// State is the lifecycle position of a Runner.
type State string

const (
	StatePending        State = "pending"
	StateRunning        State = "running"
	StateAwaitingAnswer State = "awaiting-answer"
	StateDone           State = "done"
	StateError          State = "error"
	StateCanceled       State = "canceled"
)

// Terminal states are sticky.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError || s == StateCanceled
}

var transitions = map[State][]State{
	StatePending:        {StateRunning, StateCanceled, StateError},
	StateRunning:        {StateAwaitingAnswer, StateDone, StateError, StateCanceled},
	StateAwaitingAnswer: {StateRunning, StateCanceled, StateError},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job is the work a runner drives. prompter routes page prompts to Ask.
type Job func(ctx context.Context, prompter page.Prompter) result.Result[schemas.ActionReturn]

// Publisher receives every observable runner event.
type Publisher interface {
	Publish(ctx context.Context, ev schemas.QueueEvent) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev schemas.QueueEvent) error

func (f PublisherFunc) Publish(ctx context.Context, ev schemas.QueueEvent) error { return f(ctx, ev) }

type pendingAsk struct {
	key   string
	reply chan *string
}

// Runner is one queued action. It is safe for concurrent use.
type Runner struct {
	id            string
	token         *CancelToken
	publisher     Publisher
	logger        *zap.Logger
	answerTimeout time.Duration

	mu       sync.Mutex
	state    State
	ask      *pendingAsk
	asks     int
	res      result.Result[schemas.ActionReturn]
	snapshot []schemas.Cookie

	done chan struct{}
}

var _ page.Prompter = (*Runner)(nil)

func newRunner(id string, publisher Publisher, answerTimeout time.Duration, logger *zap.Logger) *Runner {
	return &Runner{
		id:            id,
		token:         NewCancelToken(),
		publisher:     publisher,
		logger:        logger.With(zap.String("queue_id", id)),
		answerTimeout: answerTimeout,
		state:         StatePending,
		done:          make(chan struct{}),
	}
}

func (r *Runner) ID() string { return r.id }

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done is closed when the runner reached a terminal state.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Result is the outcome once Done is closed.
func (r *Runner) Result() result.Result[schemas.ActionReturn] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.res
}

// Wait blocks until the runner finished or ctx ends.
func (r *Runner) Wait(ctx context.Context) (result.Result[schemas.ActionReturn], error) {
	select {
	case <-r.done:
		return r.Result(), nil
	case <-ctx.Done():
		return result.Result[schemas.ActionReturn]{}, ctx.Err()
	}
}

// Snapshot is the cookie jar captured when the run succeeded.
func (r *Runner) Snapshot() []schemas.Cookie {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schemas.Cookie(nil), r.snapshot...)
}

// PendingKey is the key of the outstanding question, if any.
func (r *Runner) PendingKey() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ask == nil {
		return ""
	}
	return r.ask.key
}

// transitionLocked moves to `to`. r.mu must be held.
func (r *Runner) transitionLocked(to State) error {
	if r.state == to {
		return nil
	}
	if !canTransition(r.state, to) {
		return fmt.Errorf("runner %s: invalid transition %s -> %s", r.id, r.state, to)
	}
	r.logger.Debug("Runner state change.", zap.String("from", string(r.state)), zap.String("to", string(to)))
	r.state = to
	metrics.RecordRunnerTransition(string(to))
	return nil
}

func (r *Runner) publish(ev schemas.QueueEvent) {
	ev.QueueID = r.id
	if r.publisher == nil {
		return
	}
	// Events outlive a canceled run; publish on a detached context.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.publisher.Publish(ctx, ev); err != nil {
		r.logger.Warn("Failed to publish runner event.", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

// run drives job to completion. It is called once by the Manager.
func (r *Runner) run(ctx context.Context, job Job) {
	defer close(r.done)

	r.mu.Lock()
	if r.token.Revoked() {
		_ = r.transitionLocked(StateCanceled)
		r.res = result.Err[schemas.ActionReturn](canceledError())
		r.mu.Unlock()
		r.publish(schemas.QueueEvent{Type: schemas.EventCanceled})
		return
	}
	_ = r.transitionLocked(StateRunning)
	r.mu.Unlock()
	r.publish(schemas.QueueEvent{Type: schemas.EventState, State: string(StateRunning)})

	runCtx, cancel := r.token.Context(ctx)
	res := r.safeRun(runCtx, job)
	cancel()

	r.finish(res)
}

func (r *Runner) safeRun(ctx context.Context, job Job) (res result.Result[schemas.ActionReturn]) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Runner job panicked.", zap.Any("panic", p), zap.Stack("stack"))
			res = result.Err[schemas.ActionReturn](schemas.NewFlowError(schemas.CodeScriptFailed, "runner job panicked", fmt.Errorf("%v", p)))
		}
	}()
	return job(ctx, r)
}

func canceledError() *schemas.ActionError {
	return &schemas.ActionError{Kind: schemas.KindUser, Code: schemas.CodeCanceled, Message: "The action was canceled.", Cause: ErrCanceled}
}

func (r *Runner) finish(res result.Result[schemas.ActionReturn]) {
	r.mu.Lock()
	var ev schemas.QueueEvent
	switch {
	case r.token.Revoked():
		_ = r.transitionLocked(StateCanceled)
		if res.IsOk() {
			res = result.Err[schemas.ActionReturn](canceledError())
		}
		ev = schemas.QueueEvent{Type: schemas.EventCanceled}
	case res.IsOk():
		_ = r.transitionLocked(StateDone)
		r.snapshot = res.Value().Cookies
		ev = schemas.QueueEvent{Type: schemas.EventDone, Data: res.Value().Data}
	default:
		_ = r.transitionLocked(StateError)
		ae, ok := schemas.AsActionError(res.Error())
		if !ok {
			ae = schemas.NewFlowError(schemas.CodeScriptFailed, "action failed", res.Error())
		}
		body := ae.Body()
		ev = schemas.QueueEvent{Type: schemas.EventError, Error: &body}
	}
	r.res = res
	r.ask = nil
	state := r.state
	r.mu.Unlock()

	r.logger.Info("Runner finished.", zap.String("state", string(state)))
	r.publish(ev)
}

// Ask publishes a question and suspends until Answer, cancellation, ctx or
// the answer timeout. A nil answer means the user dismissed the question;
// an unanswered question is treated the same way.
func (r *Runner) Ask(ctx context.Context, key string, prompt schemas.PromptRequest) (*string, error) {
	r.mu.Lock()
	if r.state != StateRunning {
		state := r.state
		r.mu.Unlock()
		return nil, fmt.Errorf("runner %s: cannot ask while %s", r.id, state)
	}
	if err := r.transitionLocked(StateAwaitingAnswer); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	pa := &pendingAsk{key: key, reply: make(chan *string, 1)}
	r.ask = pa
	r.mu.Unlock()

	r.publish(schemas.QueueEvent{Type: schemas.EventAsk, Key: key, Prompt: &prompt})

	var timeout <-chan time.Time
	if r.answerTimeout > 0 {
		timer := time.NewTimer(r.answerTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var (
		answer *string
		err    error
	)
	select {
	case answer = <-pa.reply:
	case <-timeout:
		r.logger.Info("Question was not answered in time.", zap.String("key", key), zap.Duration("timeout", r.answerTimeout))
	case <-r.token.Done():
		err = context.Canceled
	case <-ctx.Done():
		err = ctx.Err()
	}

	r.mu.Lock()
	if r.ask == pa {
		r.ask = nil
	}
	if err == nil {
		_ = r.transitionLocked(StateRunning)
	}
	r.mu.Unlock()
	return answer, err
}

// Prompt implements page.Prompter.
func (r *Runner) Prompt(ctx context.Context, req schemas.PromptRequest) (*string, error) {
	r.mu.Lock()
	r.asks++
	key := fmt.Sprintf("prompt-%d", r.asks)
	r.mu.Unlock()
	return r.Ask(ctx, key, req)
}

// ErrNotAwaiting is returned by Answer when no question is outstanding.
var ErrNotAwaiting = errors.New("runner is not waiting for an answer")

// Answer resolves the outstanding question. nil dismisses it.
func (r *Runner) Answer(value *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateAwaitingAnswer || r.ask == nil {
		return fmt.Errorf("runner %s (%s): %w", r.id, r.state, ErrNotAwaiting)
	}
	r.ask.reply <- value
	r.ask = nil
	return nil
}

// Cancel revokes the runner's token. In-flight browser work is aborted
// through the derived context.
func (r *Runner) Cancel() {
	r.token.Revoke()
}
