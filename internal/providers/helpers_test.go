package providers

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/subscout/api/schemas"
	"github.com/xkilldash9x/subscout/internal/browser"
	"github.com/xkilldash9x/subscout/internal/page"
	"github.com/xkilldash9x/subscout/internal/page/pagetest"
	"github.com/xkilldash9x/subscout/internal/result"
)

var fixedNow = time.Date(2024, time.March, 15, 10, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	// Leaves room for one check lost to a page load plus a full round.
	settleTimeout = 5 * time.Second
	manualTimeout = 3 * time.Second
	now = func() time.Time { return fixedNow }
	os.Exit(m.Run())
}

// promptFunc adapts a function to page.Prompter.
type promptFunc func(ctx context.Context, req schemas.PromptRequest) (*string, error)

func (f promptFunc) Prompt(ctx context.Context, req schemas.PromptRequest) (*string, error) {
	return f(ctx, req)
}

func answer(s string) promptFunc {
	return func(context.Context, schemas.PromptRequest) (*string, error) { return &s, nil }
}

func dismiss() promptFunc {
	return func(context.Context, schemas.PromptRequest) (*string, error) { return nil, nil }
}

type runOpts struct {
	prompter page.Prompter
	cookies  []schemas.Cookie
}

// runAction drives action against the fake site the way the service does.
func runAction(t *testing.T, host browser.Host, start string, action Action, creds schemas.Credentials, o runOpts) result.Result[schemas.ActionReturn] {
	t.Helper()
	p := page.New(host, func(ctx context.Context, api page.API) result.Result[schemas.ActionReturn] {
		return action(ctx, api, creds)
	}, page.Options{
		StartURL:          start,
		Cookies:           o.cookies,
		ElementTimeout:    500 * time.Millisecond,
		NavigationTimeout: 2 * time.Second,
		EvaluateTimeout:   time.Second,
		Prompter:          o.prompter,
		Logger:            zaptest.NewLogger(t),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return p.Run(ctx)
}

func requireActionError(t *testing.T, res result.Result[schemas.ActionReturn], kind schemas.ErrorKind, code schemas.ErrorCode) *schemas.ActionError {
	t.Helper()
	require.True(t, res.IsErr(), "expected failure, got %v", res)
	ae, ok := schemas.AsActionError(res.Error())
	require.True(t, ok, "expected an ActionError, got %T: %v", res.Error(), res.Error())
	require.Equal(t, kind, ae.Kind, "unexpected kind: %v", ae)
	require.Equal(t, code, ae.Code, "unexpected code: %v", ae)
	return ae
}

func requireData(t *testing.T, res result.Result[schemas.ActionReturn]) schemas.Subscriptions {
	t.Helper()
	require.True(t, res.IsOk(), "action failed: %v", res.Error())
	return res.Value().Data
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func el(text string) *pagetest.Element { return &pagetest.Element{Text: text} }

// button runs fn on click. With afterReply it runs once the click was
// answered, like a form submit whose next page loads afterwards.
func button(afterReply bool, fn func(h *pagetest.Host)) *pagetest.Element {
	if afterReply {
		return &pagetest.Element{AfterClick: fn}
	}
	return &pagetest.Element{OnClick: fn}
}

func ptr[T any](v T) *T { return &v }
