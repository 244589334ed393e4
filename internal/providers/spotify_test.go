package providers

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xkilldash9x/subscout/api/schemas"
	"github.com/xkilldash9x/subscout/internal/page/pagetest"
)

type spotifyAccount struct {
	mu       sync.Mutex
	plan     string
	status   schemas.Status
	loggedIn bool
	withOTP  bool
	prompts  int
	// slowSubmit loads the next page only after the submit click returned.
	slowSubmit bool
}

func (a *spotifyAccount) overviewDoc() *pagetest.Document {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.loggedIn {
		return a.loginDoc()
	}
	els := map[string]*pagetest.Element{
		spOverview:  {},
		spPlanName:  el(a.plan),
		spPlanPrice: el("€109.00 per year"),
	}
	switch a.status {
	case schemas.StatusActive:
		els[spRenewal] = el("Your plan renews on 01/05/2024.")
	case schemas.StatusCanceled:
		els[spPlanEnds] = el("Your Premium ends on 01/05/2024.")
		els[spResume] = &pagetest.Element{OnClick: func(h *pagetest.Host) {
			a.mu.Lock()
			a.status = schemas.StatusActive
			a.mu.Unlock()
			h.Goto(spotifyOverviewURL)
		}}
	}
	return &pagetest.Document{
		Elements: els,
		Eval: map[string]pagetest.EvalFunc{
			spotifySessionFn: func(*pagetest.Host, json.RawMessage) (any, error) {
				return map[string]any{"accessToken": "BQD-token", "expiresAt": 1714521600000, "product": "premium"}, nil
			},
		},
	}
}

func (a *spotifyAccount) loginDoc() *pagetest.Document {
	finish := func(h *pagetest.Host) {
		a.mu.Lock()
		a.loggedIn = true
		a.mu.Unlock()
		h.SetCookie(schemas.Cookie{Name: "sp_dc", Value: "dc", Domain: ".spotify.com", Path: "/", Secure: true})
		h.Goto(spotifyOverviewURL)
	}
	return &pagetest.Document{Elements: map[string]*pagetest.Element{
		spotifyLogin.Email:    {},
		spotifyLogin.Password: {},
		spotifyLogin.Submit: button(a.slowSubmit, func(h *pagetest.Host) {
			if h.Element(spotifyLogin.Password).Value != "correct horse" {
				h.Show(spotifyLogin.Errors[0], el("Incorrect username or password."))
				return
			}
			if !a.withOTP {
				finish(h)
				return
			}
			h.Show(spotifyLogin.OTP, &pagetest.Element{})
			h.Show(spotifyLogin.OTPSubmit, button(a.slowSubmit, func(h *pagetest.Host) {
				if h.Element(spotifyLogin.OTP).Value == "123456" {
					finish(h)
				}
			}))
		}),
	}}
}

func (a *spotifyAccount) site() pagetest.Site {
	return pagetest.Site{
		spotifyOverviewURL: a.overviewDoc,
		spotifyManageURL: func() *pagetest.Document {
			return &pagetest.Document{Elements: map[string]*pagetest.Element{
				spCancel: {},
				spConfirmCancel: {OnClick: func(h *pagetest.Host) {
					a.mu.Lock()
					a.status = schemas.StatusCanceled
					a.mu.Unlock()
					h.Goto(spotifyOverviewURL)
				}},
			}}
		},
	}
}

var spotifyCreds = schemas.Credentials{Email: "listener@example.com", Password: "correct horse"}

func TestSpotify_ConnectAnnual(t *testing.T) {
	defer goleak.VerifyNone(t)

	account := &spotifyAccount{plan: "Premium Individual", status: schemas.StatusActive}
	res := runAction(t, pagetest.New(account.site()), spotifyOverviewURL, NewSpotify().Connect, spotifyCreds, runOpts{})
	data := requireData(t, res)
	require.Len(t, data, 1)
	assert.Equal(t, schemas.Active{
		PlanName:        "Premium Individual",
		PlanPrice:       10900,
		NextPaymentDate: date(2024, time.May, 1),
		BillingCycle:    schemas.BillingAnnual,
		ProductID:       "premium-individual",
	}, data[0])

	assert.JSONEq(t, `{"accessToken":"BQD-token","expiresAt":1714521600000,"product":"premium"}`, string(res.Value().Token))
	require.Len(t, res.Value().Cookies, 1)
	assert.Equal(t, "sp_dc", res.Value().Cookies[0].Name)
}

func TestSpotify_FreePlanIsInactive(t *testing.T) {
	defer goleak.VerifyNone(t)

	account := &spotifyAccount{plan: "Spotify Free", loggedIn: true}
	res := runAction(t, pagetest.New(account.site()), spotifyOverviewURL, NewSpotify().Connect, spotifyCreds, runOpts{})
	data := requireData(t, res)
	assert.Equal(t, schemas.Subscriptions{schemas.Inactive{}}, data)
}

func TestSpotify_OTP(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("Answered", func(t *testing.T) {
		account := &spotifyAccount{plan: "Premium Duo", status: schemas.StatusActive, withOTP: true}
		var asked []schemas.PromptRequest
		prompter := promptFunc(func(_ context.Context, req schemas.PromptRequest) (*string, error) {
			asked = append(asked, req)
			code := " 123456 "
			return &code, nil
		})
		res := runAction(t, pagetest.New(account.site()), spotifyOverviewURL, NewSpotify().Connect, spotifyCreds, runOpts{prompter: prompter})
		data := requireData(t, res)
		assert.Equal(t, schemas.StatusActive, data[0].Status())
		require.Len(t, asked, 1)
		assert.Contains(t, asked[0].Text, "Spotify")
	})

	t.Run("Dismissed", func(t *testing.T) {
		account := &spotifyAccount{plan: "Premium Duo", status: schemas.StatusActive, withOTP: true}
		res := runAction(t, pagetest.New(account.site()), spotifyOverviewURL, NewSpotify().Connect, spotifyCreds, runOpts{prompter: dismiss()})
		requireActionError(t, res, schemas.KindUser, schemas.CodeOTPCanceled)
	})
}

func TestSpotify_PageLoadsAfterSubmitAnswered(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("SignedIn", func(t *testing.T) {
		account := &spotifyAccount{plan: "Premium Individual", status: schemas.StatusActive, slowSubmit: true}
		res := runAction(t, pagetest.New(account.site()), spotifyOverviewURL, NewSpotify().Connect, spotifyCreds, runOpts{})
		data := requireData(t, res)
		require.Len(t, data, 1)
		assert.Equal(t, schemas.StatusActive, data[0].Status())
		require.Len(t, res.Value().Cookies, 1)
		assert.Equal(t, "sp_dc", res.Value().Cookies[0].Name)
	})

	t.Run("AfterCode", func(t *testing.T) {
		account := &spotifyAccount{plan: "Premium Duo", status: schemas.StatusActive, withOTP: true, slowSubmit: true}
		prompts := 0
		prompter := promptFunc(func(context.Context, schemas.PromptRequest) (*string, error) {
			prompts++
			code := "123456"
			return &code, nil
		})
		res := runAction(t, pagetest.New(account.site()), spotifyOverviewURL, NewSpotify().Connect, spotifyCreds, runOpts{prompter: prompter})
		data := requireData(t, res)
		assert.Equal(t, schemas.StatusActive, data[0].Status())
		assert.Equal(t, 1, prompts)
	})
}

func TestSpotify_WrongPassword(t *testing.T) {
	defer goleak.VerifyNone(t)

	account := &spotifyAccount{plan: "Premium Individual", status: schemas.StatusActive}
	res := runAction(t, pagetest.New(account.site()), spotifyOverviewURL, NewSpotify().Connect,
		schemas.Credentials{Email: "listener@example.com", Password: "wrong"}, runOpts{})
	requireActionError(t, res, schemas.KindUser, schemas.CodeWrongCredentials)
}

func TestSpotify_CancelAndResume(t *testing.T) {
	defer goleak.VerifyNone(t)

	account := &spotifyAccount{plan: "Premium Individual", status: schemas.StatusActive, loggedIn: true}

	res := runAction(t, pagetest.New(account.site()), spotifyOverviewURL, NewSpotify().Cancel, spotifyCreds, runOpts{})
	data := requireData(t, res)
	require.Len(t, data, 1)
	canceled, ok := data[0].(schemas.Canceled)
	require.True(t, ok, "got %T", data[0])
	require.NotNil(t, canceled.ExpiresAt)
	assert.Equal(t, date(2024, time.May, 1), *canceled.ExpiresAt)
	assert.Equal(t, ptr(int64(10900)), canceled.PlanPrice)

	res = runAction(t, pagetest.New(account.site()), spotifyOverviewURL, NewSpotify().Resume, spotifyCreds, runOpts{})
	data = requireData(t, res)
	assert.Equal(t, schemas.StatusActive, data[0].Status())
}

func TestSpotify_ResumeFreePlan(t *testing.T) {
	defer goleak.VerifyNone(t)

	account := &spotifyAccount{plan: "Spotify Free", loggedIn: true}
	res := runAction(t, pagetest.New(account.site()), spotifyOverviewURL, NewSpotify().Resume, spotifyCreds, runOpts{})
	requireActionError(t, res, schemas.KindUser, schemas.CodeInvalidMembership)
}

func TestCycleOf(t *testing.T) {
	cases := map[string]schemas.BillingCycle{
		"€10.99 / month":   schemas.BillingMonthly,
		"€109.00 per year": schemas.BillingAnnual,
		"99,99 € pro Jahr": schemas.BillingAnnual,
		"12,99 €/Monat":    schemas.BillingMonthly,
		"$99/yr":           schemas.BillingAnnual,
		"":                 schemas.BillingMonthly,
	}
	for in, want := range cases {
		assert.Equal(t, want, cycleOf(in), in)
	}
}

func TestProductSlug(t *testing.T) {
	assert.Equal(t, "premium-duo", productSlug("  Premium   Duo "))
}
