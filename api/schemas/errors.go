package schemas

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an action failure by who can act on it.
type ErrorKind string

const (
	// KindUser failures need the user to do something (fix credentials, answer an OTP).
	KindUser ErrorKind = "user"
	// KindFlow failures mean the provider page did not behave as the script expected.
	KindFlow ErrorKind = "flow"
	// KindInfra failures come from the browser host itself.
	KindInfra ErrorKind = "infra"
	// KindServer failures are invalid requests to the service.
	KindServer ErrorKind = "server"
)

// ErrorCode is the machine readable reason carried next to the user message.
type ErrorCode string

const (
	CodeNotLoggedIn          ErrorCode = "not-logged-in"
	CodeWrongCredentials     ErrorCode = "wrong-credentials"
	CodeOTPRequired          ErrorCode = "otp-required"
	CodeOTPCanceled          ErrorCode = "otp-canceled"
	CodeInvalidMembership    ErrorCode = "invalid-membership-status"
	CodeElementNotFound      ErrorCode = "element-not-found"
	CodeNavigationTimeout    ErrorCode = "navigation-timeout"
	CodeBrowserCrashed       ErrorCode = "browser-crashed"
	CodeBrowserLaunchFailed  ErrorCode = "browser-launch-failed"
	CodeInvalidQueueItem     ErrorCode = "invalid-queue-item"
	CodeRunnerNotFound       ErrorCode = "runner-not-found"
	CodeCanceled             ErrorCode = "canceled"
	CodeUnknownProvider      ErrorCode = "unknown-provider"
	CodeUnknownAction        ErrorCode = "unknown-action"
	CodeScriptFailed         ErrorCode = "script-failed"
	CodeUnexpectedPageResult ErrorCode = "unexpected-page-result"
	CodeStorageFailed        ErrorCode = "storage-failed"
	CodeInvalidRequest       ErrorCode = "invalid-request"
)

// GenericUserMessage is shown for every failure that is not the user's to fix.
const GenericUserMessage = "Something went wrong, please try again later."

// ActionError is the single error type that leaves the automation layer.
type ActionError struct {
	Kind    ErrorKind
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *ActionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
}

func (e *ActionError) Unwrap() error { return e.Cause }

// UserMessage is the text a user may see. User and server errors are shown
// verbatim, everything else collapses to GenericUserMessage.
func (e *ActionError) UserMessage() string {
	switch e.Kind {
	case KindUser, KindServer:
		return e.Message
	default:
		return GenericUserMessage
	}
}

// Retryable reports whether relaunching the browser may help.
func (e *ActionError) Retryable() bool { return e.Kind == KindInfra }

func NewUserError(code ErrorCode, msg string) *ActionError {
	return &ActionError{Kind: KindUser, Code: code, Message: msg}
}

func NewFlowError(code ErrorCode, msg string, cause error) *ActionError {
	return &ActionError{Kind: KindFlow, Code: code, Message: msg, Cause: cause}
}

func NewInfraError(code ErrorCode, msg string, cause error) *ActionError {
	return &ActionError{Kind: KindInfra, Code: code, Message: msg, Cause: cause}
}

func NewServerError(code ErrorCode, msg string) *ActionError {
	return &ActionError{Kind: KindServer, Code: code, Message: msg}
}

// AsActionError finds an *ActionError in err's chain.
func AsActionError(err error) (*ActionError, bool) {
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// ErrorBody is the JSON shape of a failure returned to API and queue clients.
type ErrorBody struct {
	Kind    ErrorKind `json:"kind"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Body converts the error for the wire, hiding internal details.
func (e *ActionError) Body() ErrorBody {
	return ErrorBody{Kind: e.Kind, Code: e.Code, Message: e.UserMessage()}
}
