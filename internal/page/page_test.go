package page_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/subscout/api/schemas"
	"github.com/xkilldash9x/subscout/internal/bridge"
	"github.com/xkilldash9x/subscout/internal/page"
	"github.com/xkilldash9x/subscout/internal/page/pagetest"
	"github.com/xkilldash9x/subscout/internal/result"
)

const startURL = "https://account.example.test/"

type harness struct {
	page *page.Page
	host *pagetest.Host
}

func newHarness(t *testing.T, site pagetest.Site, script page.Script, mods ...func(*page.Options)) harness {
	t.Helper()
	host := pagetest.New(site)
	opts := page.Options{
		StartURL:          startURL,
		ElementTimeout:    200 * time.Millisecond,
		NavigationTimeout: time.Second,
		EvaluateTimeout:   time.Second,
		Logger:            zaptest.NewLogger(t),
	}
	for _, m := range mods {
		m(&opts)
	}
	return harness{page: page.New(host, script, opts), host: host}
}

func simpleSite(elements map[string]*pagetest.Element) pagetest.Site {
	return pagetest.Site{
		startURL: func() *pagetest.Document {
			return &pagetest.Document{Elements: elements, HTML: "<html><body>account</body></html>"}
		},
	}
}

func okReturn() result.Result[schemas.ActionReturn] {
	return result.Ok(schemas.ActionReturn{Data: schemas.Subscriptions{schemas.Inactive{}}})
}

func actionError(t *testing.T, res result.Result[schemas.ActionReturn]) *schemas.ActionError {
	t.Helper()
	require.True(t, res.IsErr(), "expected an error result, got %v", res)
	ae, ok := schemas.AsActionError(res.Error())
	require.True(t, ok, "expected an ActionError, got %T: %v", res.Error(), res.Error())
	return ae
}

func TestRun_Success(t *testing.T) {
	defer goleak.VerifyNone(t)

	var completed []result.Result[schemas.ActionReturn]
	h := newHarness(t, simpleSite(nil), func(ctx context.Context, api page.API) result.Result[schemas.ActionReturn] {
		return okReturn()
	}, func(o *page.Options) {
		o.Cookies = []schemas.Cookie{{Name: "sid", Value: "restored", Domain: "example.test"}}
		o.OnComplete = func(r result.Result[schemas.ActionReturn]) { completed = append(completed, r) }
	})

	res := h.page.Run(context.Background())
	require.True(t, res.IsOk(), "run failed: %v", res.Error())
	assert.Equal(t, page.StateSucceeded, h.page.State())
	assert.True(t, h.host.Closed())
	assert.Equal(t, 1, h.host.Installed())
	assert.Equal(t, []string{startURL}, h.host.Navigations())

	// Cookies are collected from the host when the script returned none.
	require.Len(t, res.Value().Cookies, 1)
	assert.Equal(t, "restored", res.Value().Cookies[0].Value)

	require.Len(t, completed, 1)
	assert.True(t, completed[0].IsOk())
}

func TestRun_ScriptStartsExactlyOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})
	started := make(chan struct{})
	h := newHarness(t, simpleSite(nil), func(ctx context.Context, api page.API) result.Result[schemas.ActionReturn] {
		close(started)
		<-release
		return okReturn()
	})

	done := make(chan result.Result[schemas.ActionReturn], 1)
	go func() { done <- h.page.Run(context.Background()) }()

	<-started
	for i := 0; i < 5; i++ {
		h.host.Send(bridge.Encode(bridge.TypeReady, map[string]any{"url": startURL}))
	}
	close(release)

	res := <-done
	require.True(t, res.IsOk())
	assert.Equal(t, 1, h.page.ScriptStarts())
}

func TestRun_RunTwice(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, simpleSite(nil), func(ctx context.Context, api page.API) result.Result[schemas.ActionReturn] {
		return okReturn()
	})
	require.True(t, h.page.Run(context.Background()).IsOk())
	assert.True(t, h.page.Run(context.Background()).IsErr())
	assert.Equal(t, 1, h.page.ScriptStarts())
}

func TestLocator_ExistsVersusFill(t *testing.T) {
	defer goleak.VerifyNone(t)

	var (
		exists  bool
		existsE error
		fillErr error
	)
	h := newHarness(t, simpleSite(nil), func(ctx context.Context, api page.API) result.Result[schemas.ActionReturn] {
		loc := api.Locator("#missing").WithTimeout(150 * time.Millisecond)
		exists, existsE = loc.Exists(ctx)
		fillErr = loc.Fill(ctx, "someone@example.test")
		return result.Err[schemas.ActionReturn](fillErr)
	})

	res := h.page.Run(context.Background())

	require.NoError(t, existsE)
	assert.False(t, exists, "absence is a valid answer for exists")

	var notFound *page.ElementNotFoundError
	require.ErrorAs(t, fillErr, &notFound)
	assert.Equal(t, "#missing", notFound.Selector)

	ae := actionError(t, res)
	assert.Equal(t, schemas.KindFlow, ae.Kind)
	assert.Equal(t, schemas.CodeElementNotFound, ae.Code)
	assert.Equal(t, page.StateFailed, h.page.State())
}

func TestLocator_Operations(t *testing.T) {
	defer goleak.VerifyNone(t)

	email := &pagetest.Element{}
	clicked := false
	elements := map[string]*pagetest.Element{
		"#email":    email,
		"#submit":   {OnClick: func(*pagetest.Host) { clicked = true }},
		"h1":        {Text: "Your account", HTML: "<b>Your account</b>"},
		"#remember": {Checked: true},
		"#late":     {AppearAfter: 150 * time.Millisecond},
	}

	type observed struct {
		text, html, value string
		checked           bool
		late              error
	}
	var got observed
	h := newHarness(t, simpleSite(elements), func(ctx context.Context, api page.API) result.Result[schemas.ActionReturn] {
		if err := api.Locator("#email").Fill(ctx, "a@b.test"); err != nil {
			return result.Err[schemas.ActionReturn](err)
		}
		if err := api.Locator("#submit").Click(ctx); err != nil {
			return result.Err[schemas.ActionReturn](err)
		}
		var err error
		if got.text, err = api.Locator("h1").TextContent(ctx); err != nil {
			return result.Err[schemas.ActionReturn](err)
		}
		if got.html, err = api.Locator("h1").InnerHTML(ctx); err != nil {
			return result.Err[schemas.ActionReturn](err)
		}
		if got.value, err = api.Locator("#email").Value(ctx); err != nil {
			return result.Err[schemas.ActionReturn](err)
		}
		if got.checked, err = api.Locator("#remember").Checked(ctx); err != nil {
			return result.Err[schemas.ActionReturn](err)
		}
		got.late = api.Locator("#late").WithTimeout(time.Second).WaitForElement(ctx)
		return okReturn()
	})

	res := h.page.Run(context.Background())
	require.True(t, res.IsOk(), "run failed: %v", res.Error())
	assert.True(t, clicked)
	assert.Equal(t, "Your account", got.text)
	assert.Equal(t, "<b>Your account</b>", got.html)
	assert.Equal(t, "a@b.test", got.value)
	assert.True(t, got.checked)
	assert.NoError(t, got.late, "element appearing mid-poll is found")
}

func TestWaitForCondition(t *testing.T) {
	const conditionFn = `() => document.querySelector('.plan') !== null`

	t.Run("TimeoutReturnsLastValue", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		var (
			value   json.RawMessage
			err     error
			elapsed time.Duration
		)
		site := pagetest.Site{startURL: func() *pagetest.Document {
			return &pagetest.Document{Eval: map[string]pagetest.EvalFunc{
				conditionFn: func(*pagetest.Host, json.RawMessage) (any, error) { return 0, nil },
			}}
		}}
		h := newHarness(t, site, func(ctx context.Context, api page.API) result.Result[schemas.ActionReturn] {
			start := time.Now()
			value, err = api.WaitForCondition(ctx, conditionFn, nil, 350*time.Millisecond)
			elapsed = time.Since(start)
			return okReturn()
		})

		require.True(t, h.page.Run(context.Background()).IsOk())
		require.NoError(t, err, "timeout is a valid outcome")
		assert.JSONEq(t, "0", string(value))
		assert.GreaterOrEqual(t, elapsed, 350*time.Millisecond)
		assert.Greater(t, h.host.Dispatched(), 2)
	})

	t.Run("BecomesTruthy", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		var mu sync.Mutex
		polls := 0
		site := pagetest.Site{startURL: func() *pagetest.Document {
			return &pagetest.Document{Eval: map[string]pagetest.EvalFunc{
				conditionFn: func(*pagetest.Host, json.RawMessage) (any, error) {
					mu.Lock()
					defer mu.Unlock()
					polls++
					if polls < 3 {
						return nil, &pagetest.Throw{Name: "TypeError", Message: "still loading"}
					}
					return map[string]string{"plan": "Basic"}, nil
				},
			}}
		}}
		var value json.RawMessage
		h := newHarness(t, site, func(ctx context.Context, api page.API) result.Result[schemas.ActionReturn] {
			var err error
			value, err = api.WaitForCondition(ctx, conditionFn, nil, 2*time.Second)
			if err != nil {
				return result.Err[schemas.ActionReturn](err)
			}
			return okReturn()
		})

		require.True(t, h.page.Run(context.Background()).IsOk())
		assert.JSONEq(t, `{"plan":"Basic"}`, string(value))
	})
}

func TestRun_CancellationTearsDownBeforeTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	const conditionFn = `() => false`
	const timeout = 2 * time.Second

	site := pagetest.Site{startURL: func() *pagetest.Document {
		return &pagetest.Document{Eval: map[string]pagetest.EvalFunc{
			conditionFn: func(*pagetest.Host, json.RawMessage) (any, error) { return false, nil },
		}}
	}}
	var condErr error
	h := newHarness(t, site, func(ctx context.Context, api page.API) result.Result[schemas.ActionReturn] {
		_, condErr = api.WaitForCondition(ctx, conditionFn, nil, timeout)
		return result.Err[schemas.ActionReturn](condErr)
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(timeout/2, cancel)

	start := time.Now()
	res := h.page.Run(ctx)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, timeout, "teardown must race ahead of the pending condition")
	assert.True(t, h.host.Closed())
	assert.Equal(t, page.StateCanceled, h.page.State())
	assert.Error(t, condErr)

	ae := actionError(t, res)
	assert.Equal(t, schemas.CodeCanceled, ae.Code)

	dispatched := h.page.Dispatched()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, dispatched, h.page.Dispatched(), "no bridge calls after teardown")
	assert.Zero(t, h.host.LateDispatches())
}

func TestAPI_AfterTeardownReturnsErrClosed(t *testing.T) {
	defer goleak.VerifyNone(t)

	var api page.API
	h := newHarness(t, simpleSite(map[string]*pagetest.Element{"#a": {}}), func(ctx context.Context, a page.API) result.Result[schemas.ActionReturn] {
		api = a
		return okReturn()
	})
	require.True(t, h.page.Run(context.Background()).IsOk())

	ctx := context.Background()
	_, err := api.Locator("#a").Exists(ctx)
	assert.ErrorIs(t, err, page.ErrClosed)
	_, err = api.Evaluate(ctx, "() => 1", nil)
	assert.ErrorIs(t, err, page.ErrClosed)
	_, err = api.WaitForNavigation(ctx, time.Second)
	assert.ErrorIs(t, err, page.ErrClosed)
	_, err = api.Prompt(ctx, schemas.PromptRequest{Title: "code"})
	assert.ErrorIs(t, err, page.ErrClosed)
	assert.ErrorIs(t, api.Reveal(ctx), page.ErrClosed)
	assert.Zero(t, h.host.LateDispatches())
}

func TestEvaluate(t *testing.T) {
	defer goleak.VerifyNone(t)

	const sumFn = `(o) => o.a + o.b`
	const throwFn = `() => { throw new Error('boom') }`
	site := pagetest.Site{startURL: func() *pagetest.Document {
		return &pagetest.Document{Eval: map[string]pagetest.EvalFunc{
			sumFn: func(_ *pagetest.Host, opts json.RawMessage) (any, error) {
				var o struct{ A, B int }
				if err := json.Unmarshal(opts, &o); err != nil {
					return nil, err
				}
				return o.A + o.B, nil
			},
			throwFn: func(*pagetest.Host, json.RawMessage) (any, error) {
				return nil, &pagetest.Throw{Name: "Error", Message: "boom"}
			},
		}}
	}}

	var (
		sum      int
		sumErr   error
		throwErr error
	)
	h := newHarness(t, site, func(ctx context.Context, api page.API) result.Result[schemas.ActionReturn] {
		sumErr = api.EvaluateInto(ctx, sumFn, map[string]int{"a": 2, "b": 40}, &sum)
		_, throwErr = api.Evaluate(ctx, throwFn, nil)
		return result.Err[schemas.ActionReturn](throwErr)
	})

	res := h.page.Run(context.Background())
	require.NoError(t, sumErr)
	assert.Equal(t, 42, sum)

	var pageErr *page.PageError
	require.ErrorAs(t, throwErr, &pageErr)
	assert.Equal(t, "boom", pageErr.Message)

	ae := actionError(t, res)
	assert.Equal(t, schemas.KindFlow, ae.Kind)
	assert.Equal(t, schemas.CodeScriptFailed, ae.Code)
	assert.Equal(t, schemas.GenericUserMessage, ae.UserMessage())
}

func TestNavigation(t *testing.T) {
	defer goleak.VerifyNone(t)

	const next = "https://account.example.test/membership"
	site := pagetest.Site{
		startURL: func() *pagetest.Document {
			return &pagetest.Document{Elements: map[string]*pagetest.Element{
				"a.membership": {OnClick: func(h *pagetest.Host) { h.Goto(next) }},
			}}
		},
		next: func() *pagetest.Document { return &pagetest.Document{} },
	}

	var (
		navigated, clicked string
		navErr, timeoutErr error
	)
	h := newHarness(t, site, func(ctx context.Context, api page.API) result.Result[schemas.ActionReturn] {
		if clicked, navErr = api.ExpectNavigation(ctx, time.Second, api.Locator("a.membership").Click); navErr != nil {
			return result.Err[schemas.ActionReturn](navErr)
		}
		if navigated, navErr = api.Navigate(ctx, startURL); navErr != nil {
			return result.Err[schemas.ActionReturn](navErr)
		}
		_, timeoutErr = api.WaitForNavigation(ctx, 100*time.Millisecond)
		return okReturn()
	})

	require.True(t, h.page.Run(context.Background()).IsOk())
	require.NoError(t, navErr)
	assert.Equal(t, next, clicked)
	assert.Equal(t, startURL, navigated)

	var navTimeout *page.NavigationTimeoutError
	assert.ErrorAs(t, timeoutErr, &navTimeout)
	assert.Equal(t, []string{startURL, next, startURL}, h.host.Navigations())
}

func TestRun_NoReadyIsNavigationTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, simpleSite(nil), func(ctx context.Context, api page.API) result.Result[schemas.ActionReturn] {
		t.Error("script must not start without ready")
		return okReturn()
	}, func(o *page.Options) { o.NavigationTimeout = 100 * time.Millisecond })
	h.host.SuppressReady()

	ae := actionError(t, h.page.Run(context.Background()))
	assert.Equal(t, schemas.CodeNavigationTimeout, ae.Code)
	assert.Zero(t, h.page.ScriptStarts())
}

func TestFetch(t *testing.T) {
	defer goleak.VerifyNone(t)

	const accountURL = "https://account.example.test/api/plan"
	var (
		plan     string
		fetchErr error
		missErr  error
	)
	h := newHarness(t, simpleSite(nil), func(ctx context.Context, api page.API) result.Result[schemas.ActionReturn] {
		fetchErr = api.Fetch(ctx, accountURL, page.FetchOptions{}, func(doc *goquery.Document) error {
			plan = doc.Find(".plan-name").First().Text()
			return nil
		})
		missErr = api.Fetch(ctx, "https://account.example.test/missing", page.FetchOptions{}, func(*goquery.Document) error {
			return errors.New("must not be called")
		})
		return okReturn()
	})
	h.host.ServeFetch(accountURL, pagetest.FetchResult{Status: 200, Body: `<div><span class="plan-name">Premium</span></div>`})

	require.True(t, h.page.Run(context.Background()).IsOk())
	require.NoError(t, fetchErr)
	assert.Equal(t, "Premium", plan)

	var pageErr *page.PageError
	require.ErrorAs(t, missErr, &pageErr)
	assert.Contains(t, pageErr.Message, "404")
}

type fakePrompter struct {
	answer *string
	seen   []schemas.PromptRequest
}

func (f *fakePrompter) Prompt(ctx context.Context, req schemas.PromptRequest) (*string, error) {
	f.seen = append(f.seen, req)
	return f.answer, nil
}

func TestPromptAndVisibility(t *testing.T) {
	defer goleak.VerifyNone(t)

	code := "123456"
	prompter := &fakePrompter{answer: &code}
	var got *string
	h := newHarness(t, simpleSite(nil), func(ctx context.Context, api page.API) result.Result[schemas.ActionReturn] {
		if err := api.Reveal(ctx); err != nil {
			return result.Err[schemas.ActionReturn](err)
		}
		var err error
		if got, err = api.Prompt(ctx, schemas.PromptRequest{Title: "Verification", Text: "Enter the code"}); err != nil {
			return result.Err[schemas.ActionReturn](err)
		}
		if err := api.Hide(ctx); err != nil {
			return result.Err[schemas.ActionReturn](err)
		}
		return okReturn()
	}, func(o *page.Options) { o.Prompter = prompter })

	require.True(t, h.page.Run(context.Background()).IsOk())
	require.NotNil(t, got)
	assert.Equal(t, "123456", *got)
	require.Len(t, prompter.seen, 1)
	assert.Equal(t, "Verification", prompter.seen[0].Title)
	assert.Equal(t, []bool{true, false}, h.host.Visibility())
}

func TestPrompt_WithoutPrompter(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, simpleSite(nil), func(ctx context.Context, api page.API) result.Result[schemas.ActionReturn] {
		_, err := api.Prompt(ctx, schemas.PromptRequest{Title: "code"})
		return result.Err[schemas.ActionReturn](err)
	})
	ae := actionError(t, h.page.Run(context.Background()))
	assert.Equal(t, schemas.KindUser, ae.Kind)
	assert.Equal(t, schemas.CodeOTPRequired, ae.Code)
}

func TestRun_HostCrashIsInfraError(t *testing.T) {
	defer goleak.VerifyNone(t)

	var h harness
	h = newHarness(t, simpleSite(nil), func(ctx context.Context, api page.API) result.Result[schemas.ActionReturn] {
		h.host.Crash()
		_, err := api.Locator("#never").WithTimeout(5 * time.Second).Exists(ctx)
		return result.Err[schemas.ActionReturn](err)
	})

	ae := actionError(t, h.page.Run(context.Background()))
	assert.Equal(t, schemas.KindInfra, ae.Kind)
	assert.Equal(t, schemas.CodeBrowserCrashed, ae.Code)
	assert.True(t, ae.Retryable())
	assert.Equal(t, page.StateFailed, h.page.State())
}

func TestRun_ProtocolViolationsAreIgnored(t *testing.T) {
	defer goleak.VerifyNone(t)

	var h harness
	h = newHarness(t, simpleSite(map[string]*pagetest.Element{"#ok": {}}), func(ctx context.Context, api page.API) result.Result[schemas.ActionReturn] {
		h.host.Send([]byte(`{not json`))
		h.host.Send([]byte(`{"type":"telepathy","data":{}}`))
		h.host.Send(bridge.Encode(bridge.TypeResult, map[string]any{"id": "never-issued", "result": true}))
		h.host.Send(bridge.Encode(bridge.TypeLog, map[string]any{"level": "warn", "message": "from page"}))
		h.host.Send(bridge.Encode(bridge.TypeError, map[string]any{"message": "Uncaught TypeError"}))
		if _, err := api.Locator("#ok").Exists(ctx); err != nil {
			return result.Err[schemas.ActionReturn](err)
		}
		return okReturn()
	})
	require.True(t, h.page.Run(context.Background()).IsOk())
}

func TestRun_ScriptPanicIsFlowError(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, simpleSite(nil), func(ctx context.Context, api page.API) result.Result[schemas.ActionReturn] {
		panic("selector drift")
	})
	ae := actionError(t, h.page.Run(context.Background()))
	assert.Equal(t, schemas.KindFlow, ae.Kind)
	assert.Contains(t, ae.Error(), "selector drift")
}

func TestRun_InvalidSubscriptionIsRejected(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, simpleSite(nil), func(ctx context.Context, api page.API) result.Result[schemas.ActionReturn] {
		return result.Ok(schemas.ActionReturn{Data: schemas.Subscriptions{schemas.Active{PlanName: "", BillingCycle: schemas.BillingMonthly}}})
	})
	ae := actionError(t, h.page.Run(context.Background()))
	assert.Equal(t, schemas.CodeUnexpectedPageResult, ae.Code)
}

func TestRun_MissingStartURL(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, simpleSite(nil), func(ctx context.Context, api page.API) result.Result[schemas.ActionReturn] {
		return okReturn()
	}, func(o *page.Options) { o.StartURL = "" })
	ae := actionError(t, h.page.Run(context.Background()))
	assert.Equal(t, schemas.KindServer, ae.Kind)
	assert.True(t, h.host.Closed())
}
