package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/subscout/api/schemas"
	"github.com/xkilldash9x/subscout/internal/config"
	"github.com/xkilldash9x/subscout/internal/page"
	"github.com/xkilldash9x/subscout/internal/result"
	"github.com/xkilldash9x/subscout/internal/runner"
	"github.com/xkilldash9x/subscout/internal/service"
)

var may1 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

// fakeActions answers RunAction with res and builds jobs that ask once.
type fakeActions struct {
	mu    sync.Mutex
	res   result.Result[schemas.ActionReturn]
	calls []string
	login *schemas.Credentials
}

func (f *fakeActions) RunAction(ctx context.Context, provider string, action schemas.ActionName, creds *schemas.Credentials, _ ...service.Option) result.Result[schemas.ActionReturn] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, provider+"/"+string(action))
	f.login = creds
	return f.res
}

func (f *fakeActions) Job(provider string, action schemas.ActionName, creds *schemas.Credentials, _ ...service.Option) runner.Job {
	return func(ctx context.Context, prompter page.Prompter) result.Result[schemas.ActionReturn] {
		code, err := prompter.Prompt(ctx, schemas.PromptRequest{Title: "Code"})
		if err != nil {
			return result.Err[schemas.ActionReturn](err)
		}
		if code == nil {
			return result.Err[schemas.ActionReturn](schemas.NewUserError(schemas.CodeOTPCanceled, "Verification was canceled."))
		}
		return result.Ok(schemas.ActionReturn{Data: schemas.Subscriptions{schemas.Inactive{}}})
	}
}

func newTestServer(t *testing.T, actions *fakeActions) (*httptest.Server, *runner.Manager) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	manager := runner.NewManager(config.RunnerConfig{AnswerTimeout: time.Minute, MaxConcurrent: 2}, nil, logger)
	srv := httptest.NewServer(NewServer(config.APIConfig{}, actions, manager, logger).Router())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})
	return srv, manager
}

func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(raw)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, &fakeActions{})
	status, body := do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", body)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &fakeActions{})
	status, body := do(t, http.MethodGet, srv.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "subscout_runners_active")
}

func TestRunAction_Success(t *testing.T) {
	actions := &fakeActions{res: result.Ok(schemas.ActionReturn{
		Cookies: []schemas.Cookie{{Name: "sid", Value: "secret"}},
		Data: schemas.Subscriptions{schemas.Active{
			PlanName: "Basic", PlanPrice: 999, NextPaymentDate: may1, BillingCycle: schemas.BillingMonthly,
		}},
	})}
	srv, _ := newTestServer(t, actions)

	status, body := do(t, http.MethodPost, srv.URL+"/v1/actions",
		`{"provider":"netflix","action":"connect","login":{"email":"a@example.com","password":"pw"}}`)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"data":[{"status":"active","planName":"Basic","planPrice":999,"nextPaymentDate":"2024-05-01T00:00:00.000Z","billingCycle":"monthly"}]}`, body)
	// Cookies stay on the server.
	assert.NotContains(t, body, "secret")
	assert.Equal(t, []string{"netflix/connect"}, actions.calls)
	require.NotNil(t, actions.login)
	assert.Equal(t, "a@example.com", actions.login.Email)
}

func TestRunAction_ErrorStatus(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		code    schemas.ErrorCode
		message string
	}{
		{"User", schemas.NewUserError(schemas.CodeWrongCredentials, "Wrong email or password."), http.StatusUnprocessableEntity, schemas.CodeWrongCredentials, "Wrong email or password."},
		{"Flow", schemas.NewFlowError(schemas.CodeElementNotFound, "missing #plan", nil), http.StatusBadGateway, schemas.CodeElementNotFound, schemas.GenericUserMessage},
		{"Infra", schemas.NewInfraError(schemas.CodeBrowserCrashed, "tab died", nil), http.StatusServiceUnavailable, schemas.CodeBrowserCrashed, schemas.GenericUserMessage},
		{"UnknownProvider", schemas.NewServerError(schemas.CodeUnknownProvider, `Unknown service "hbo".`), http.StatusNotFound, schemas.CodeUnknownProvider, `Unknown service "hbo".`},
		{"UnknownAction", schemas.NewServerError(schemas.CodeUnknownAction, "nope"), http.StatusBadRequest, schemas.CodeUnknownAction, "nope"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newTestServer(t, &fakeActions{res: result.Err[schemas.ActionReturn](tc.err)})
			status, body := do(t, http.MethodPost, srv.URL+"/v1/actions", `{"provider":"netflix","action":"connect"}`)
			assert.Equal(t, tc.status, status)

			var got schemas.ErrorBody
			require.NoError(t, json.Unmarshal([]byte(body), &got))
			assert.Equal(t, tc.code, got.Code)
			assert.Equal(t, tc.message, got.Message)
		})
	}
}

func TestRunAction_BadRequests(t *testing.T) {
	actions := &fakeActions{}
	srv, _ := newTestServer(t, actions)

	for name, body := range map[string]string{
		"Malformed":     `{"provider":`,
		"UnknownField":  `{"provider":"netflix","action":"connect","extra":1}`,
		"NoProvider":    `{"action":"connect"}`,
		"UnknownAction": `{"provider":"netflix","action":"pause"}`,
	} {
		t.Run(name, func(t *testing.T) {
			status, _ := do(t, http.MethodPost, srv.URL+"/v1/actions", body)
			assert.Equal(t, http.StatusBadRequest, status)
		})
	}
	assert.Empty(t, actions.calls)
}

func getRunner(t *testing.T, srv *httptest.Server, id string) (int, RunnerResponse) {
	t.Helper()
	status, body := do(t, http.MethodGet, srv.URL+"/v1/runners/"+id, "")
	var rr RunnerResponse
	if status == http.StatusOK {
		require.NoError(t, json.Unmarshal([]byte(body), &rr))
	}
	return status, rr
}

func TestRunners_AskAnswer(t *testing.T) {
	srv, manager := newTestServer(t, &fakeActions{})

	status, body := do(t, http.MethodPost, srv.URL+"/v1/runners", `{"queueId":"r1","provider":"spotify","action":"connect"}`)
	require.Equal(t, http.StatusAccepted, status, body)
	var started RunnerResponse
	require.NoError(t, json.Unmarshal([]byte(body), &started))
	assert.Equal(t, "r1", started.QueueID)

	require.Eventually(t, func() bool {
		status, rr := getRunner(t, srv, "r1")
		return status == http.StatusOK && rr.State == string(runner.StateAwaitingAnswer) && rr.PendingKey == "prompt-1"
	}, 2*time.Second, 10*time.Millisecond)

	status, _ = do(t, http.MethodPost, srv.URL+"/v1/runners/r1/answer", `{"answer":"123456"}`)
	assert.Equal(t, http.StatusAccepted, status)

	require.Eventually(t, func() bool { return manager.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	status, _ = getRunner(t, srv, "r1")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRunners_GeneratedIDAndCancel(t *testing.T) {
	srv, manager := newTestServer(t, &fakeActions{})

	status, body := do(t, http.MethodPost, srv.URL+"/v1/runners", `{"provider":"spotify","action":"connect"}`)
	require.Equal(t, http.StatusAccepted, status, body)
	var started RunnerResponse
	require.NoError(t, json.Unmarshal([]byte(body), &started))
	require.NotEmpty(t, started.QueueID)

	require.Eventually(t, func() bool {
		_, rr := getRunner(t, srv, started.QueueID)
		return rr.State == string(runner.StateAwaitingAnswer)
	}, 2*time.Second, 10*time.Millisecond)

	status, _ = do(t, http.MethodPost, srv.URL+"/v1/runners/"+started.QueueID+"/cancel", "")
	assert.Equal(t, http.StatusAccepted, status)
	require.Eventually(t, func() bool { return manager.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRunners_Errors(t *testing.T) {
	srv, _ := newTestServer(t, &fakeActions{})

	status, body := do(t, http.MethodGet, srv.URL+"/v1/runners/ghost", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, body, string(schemas.CodeRunnerNotFound))

	status, _ = do(t, http.MethodPost, srv.URL+"/v1/runners/ghost/answer", `{"answer":null}`)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = do(t, http.MethodPost, srv.URL+"/v1/runners/ghost/cancel", "")
	assert.Equal(t, http.StatusNotFound, status)

	// A duplicate id is rejected while the first runner is alive.
	status, _ = do(t, http.MethodPost, srv.URL+"/v1/runners", `{"queueId":"dup","provider":"spotify","action":"connect"}`)
	require.Equal(t, http.StatusAccepted, status)
	status, body = do(t, http.MethodPost, srv.URL+"/v1/runners", `{"queueId":"dup","provider":"spotify","action":"connect"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body, string(schemas.CodeInvalidQueueItem))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(schemas.NewServerError(schemas.CodeRunnerNotFound, "")))
	assert.Equal(t, http.StatusBadRequest, statusFor(schemas.NewServerError(schemas.CodeInvalidQueueItem, "")))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(schemas.NewUserError(schemas.CodeCanceled, "")))
}
