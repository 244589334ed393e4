package page

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xkilldash9x/subscout/api/schemas"
	"github.com/xkilldash9x/subscout/internal/browser"
	"github.com/xkilldash9x/subscout/internal/browser/runtime"
)

// ErrClosed is returned by every API call made after the page was torn down.
var ErrClosed = errors.New("page: session closed")

// ElementNotFoundError means a selector did not match within its timeout.
type ElementNotFoundError struct {
	Op       runtime.Op
	Selector string
	Timeout  time.Duration
}

func (e *ElementNotFoundError) Error() string {
	return fmt.Sprintf("%s: element %q not found within %s", e.Op, e.Selector, e.Timeout)
}

// PageError is a failure reported by code running inside the page.
type PageError struct {
	Op      runtime.Op
	Name    string
	Message string
	Stack   string
}

func (e *PageError) Error() string {
	return fmt.Sprintf("%s: page threw %s: %s", e.Op, e.Name, e.Message)
}

// NavigationTimeoutError means no document became ready in time.
type NavigationTimeoutError struct {
	Timeout time.Duration
}

func (e *NavigationTimeoutError) Error() string {
	return fmt.Sprintf("no navigation within %s", e.Timeout)
}

// replyTimeoutError means the page never answered a call, usually because
// the document that received it was replaced.
type replyTimeoutError struct {
	op   runtime.Op
	wait time.Duration
}

func (e *replyTimeoutError) Error() string {
	return fmt.Sprintf("%s: no reply from page within %s", e.op, e.wait)
}

// ToActionError maps anything a script or the host may fail with onto the
// action error taxonomy. hostErr is the host's terminal error, if any.
func ToActionError(err error, hostErr error) *schemas.ActionError {
	if ae, ok := schemas.AsActionError(err); ok {
		return ae
	}

	var (
		notFound *ElementNotFoundError
		navErr   *NavigationTimeoutError
		pageErr  *PageError
		replyErr *replyTimeoutError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return &schemas.ActionError{Kind: schemas.KindUser, Code: schemas.CodeCanceled, Message: "The action was canceled.", Cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return schemas.NewFlowError(schemas.CodeNavigationTimeout, "the action did not finish in time", err)
	case errors.Is(err, ErrClosed) || errors.Is(err, browser.ErrHostClosed):
		if hostErr != nil && !errors.Is(hostErr, browser.ErrHostClosed) {
			if ae, ok := schemas.AsActionError(hostErr); ok {
				return ae
			}
		}
		return schemas.NewInfraError(schemas.CodeBrowserCrashed, "the browser session ended unexpectedly", err)
	case errors.As(err, &notFound):
		return schemas.NewFlowError(schemas.CodeElementNotFound, "an expected element was not on the page", err)
	case errors.As(err, &navErr):
		return schemas.NewFlowError(schemas.CodeNavigationTimeout, "the page did not load in time", err)
	case errors.As(err, &pageErr), errors.As(err, &replyErr):
		return schemas.NewFlowError(schemas.CodeScriptFailed, "the page script failed", err)
	default:
		return schemas.NewFlowError(schemas.CodeScriptFailed, "the automation script failed", err)
	}
}
