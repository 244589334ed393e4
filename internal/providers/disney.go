package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"

	"github.com/xkilldash9x/subscout/api/schemas"
	"github.com/xkilldash9x/subscout/internal/page"
	"github.com/xkilldash9x/subscout/internal/result"
)

const (
	disneyLoginURL        = "https://www.disneyplus.com/login"
	disneySignupURL       = "https://www.disneyplus.com/sign-up"
	disneySubscriptionURL = "https://www.disneyplus.com/account/subscription"
	disneyCancelURL       = "https://www.disneyplus.com/account/subscription/cancel"
)

const (
	dpProfilePicker = `[data-testid="profile-picker"]`
	dpSignupEmail   = `input#signup-email`
	dpSignupNext    = `button[data-testid="signup-continue"]`
	dpSignupPass    = `input#signup-password`
	dpSignupAgree   = `input#legal-agree`
	dpSignupSubmit  = `button[data-testid="signup-submit"]`
	dpSignupError   = `[data-testid="signup-error"]`
	dpPlanSelector  = `[data-testid="plan-selector"]`
	dpConfirmCancel = `button[data-testid="cancel-subscription-confirm"]`
	dpRestart       = `button[data-testid="restart-subscription"]`

	// dpCardXPath selects every subscription card on the account page.
	dpCardXPath = `//section[@data-testid="subscription-card"]`
)

// disneyTokenFn reads the access token the web client keeps in local storage.
const disneyTokenFn = `() => {
  for (let i = 0; i < localStorage.length; i++) {
    const k = localStorage.key(i);
    if (k.startsWith('__bam_sdk_access')) return JSON.parse(localStorage.getItem(k));
  }
  return null;
}`

var disneyLogin = loginForm{
	Service:   "Disney+",
	Email:     `input#email`,
	Next:      `button[data-testid="continue-btn"]`,
	Password:  `input#password`,
	Submit:    `button[data-testid="password-continue-login"]`,
	Errors:    []string{`[data-testid="email-error"]`, `[data-testid="password-error"]`},
	OTP:       `input[data-testid="otp-code-input"]`,
	OTPSubmit: `button[data-testid="otp-continue"]`,
	Done:      []string{dpProfilePicker},
}

// Disney reads the account page with an in-page fetch; an account may carry
// several subscriptions, e.g. a bundle and an add-on.
type Disney struct{}

func NewDisney() *Disney { return &Disney{} }

func (*Disney) ID() string       { return "disney" }
func (*Disney) StartURL() string { return disneyLoginURL }

var _ Registerer = (*Disney)(nil)

func (d *Disney) signIn(ctx context.Context, api page.API, creds schemas.Credentials) error {
	idx, err := waitForAny(ctx, api, settleTimeout, dpProfilePicker, disneyLogin.Email)
	if err != nil {
		return err
	}
	if idx == 1 {
		return disneyLogin.login(ctx, api, creds)
	}
	return nil
}

// subscriptions fetches and parses the account page.
func (d *Disney) subscriptions(ctx context.Context, api page.API) (schemas.Subscriptions, error) {
	api.StatusMessage("Reading your Disney+ subscriptions")
	var subs schemas.Subscriptions
	err := api.Fetch(ctx, disneySubscriptionURL, page.FetchOptions{}, func(doc *goquery.Document) error {
		parsed, err := parseDisneyAccount(doc)
		subs = parsed
		return err
	})
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// parseDisneyAccount turns the account page into records. A page without
// subscription cards belongs to an account that never subscribed.
func parseDisneyAccount(doc *goquery.Document) (schemas.Subscriptions, error) {
	if len(doc.Nodes) == 0 {
		return nil, schemas.NewFlowError(schemas.CodeUnexpectedPageResult, "empty account page", nil)
	}
	cards, err := htmlquery.QueryAll(doc.Nodes[0], dpCardXPath)
	if err != nil {
		return nil, fmt.Errorf("query subscription cards: %w", err)
	}
	if len(cards) == 0 {
		if doc.Find(`[data-testid="account-settings"]`).Length() == 0 {
			return nil, schemas.NewFlowError(schemas.CodeNotLoggedIn, "the account page did not load", nil)
		}
		return schemas.Subscriptions{schemas.Preactive{}}, nil
	}

	var out schemas.Subscriptions
	expired := 0
	for _, node := range cards {
		card := doc.FindNodes(node)
		productID, _ := card.Attr("data-product-id")
		plan := clean(card.Find(".plan-name").Text())
		price := clean(card.Find(".plan-price").Text())
		renewal := clean(card.Find(".plan-renewal").Text())
		status := strings.ToLower(htmlquery.SelectAttr(node, "data-status"))

		switch status {
		case "active":
			a, err := activeFrom(plan, price, renewal, productID)
			if err != nil {
				return nil, err
			}
			out = append(out, a)
		case "canceled", "cancelled":
			out = append(out, canceledFrom(plan, price, renewal, productID))
		case "expired":
			expired++
		default:
			return nil, schemas.NewFlowError(schemas.CodeUnexpectedPageResult, "unknown subscription status",
				fmt.Errorf("card %q has status %q", productID, status))
		}
	}
	if len(out) == 0 && expired > 0 {
		return schemas.Subscriptions{schemas.Inactive{}}, nil
	}
	return out, nil
}

func clean(s string) string { return strings.Join(strings.Fields(s), " ") }

func (d *Disney) done(ctx context.Context, api page.API, subs schemas.Subscriptions) result.Result[schemas.ActionReturn] {
	var token json.RawMessage
	if raw, err := api.Evaluate(ctx, disneyTokenFn, nil); err == nil && page.Truthy(raw) {
		token = raw
	}
	return result.Ok(schemas.ActionReturn{Token: token, Data: subs})
}

func (d *Disney) Connect(ctx context.Context, api page.API, creds schemas.Credentials) result.Result[schemas.ActionReturn] {
	if err := d.signIn(ctx, api, creds); err != nil {
		return fail(err)
	}
	subs, err := d.subscriptions(ctx, api)
	if err != nil {
		return fail(err)
	}
	return d.done(ctx, api, subs)
}

func hasStatus(subs schemas.Subscriptions, s schemas.Status) bool {
	for _, sub := range subs {
		if sub.Status() == s {
			return true
		}
	}
	return false
}

func (d *Disney) Cancel(ctx context.Context, api page.API, creds schemas.Credentials) result.Result[schemas.ActionReturn] {
	if err := d.signIn(ctx, api, creds); err != nil {
		return fail(err)
	}
	subs, err := d.subscriptions(ctx, api)
	if err != nil {
		return fail(err)
	}
	if !hasStatus(subs, schemas.StatusActive) {
		if hasStatus(subs, schemas.StatusCanceled) {
			return d.done(ctx, api, subs)
		}
		return fail(invalidMembership("You have no active Disney+ subscription to cancel."))
	}

	api.LoadingMessage("Canceling your Disney+ subscription")
	if _, err := api.Navigate(ctx, disneyCancelURL); err != nil {
		return fail(err)
	}
	if _, err := api.ExpectNavigation(ctx, settleTimeout, api.Locator(dpConfirmCancel).Click); err != nil {
		return fail(err)
	}
	after, err := d.subscriptions(ctx, api)
	if err != nil {
		return fail(err)
	}
	if hasStatus(after, schemas.StatusActive) {
		return fail(schemas.NewFlowError(schemas.CodeUnexpectedPageResult, "a subscription is still active after canceling", nil))
	}
	return d.done(ctx, api, after)
}

func (d *Disney) Resume(ctx context.Context, api page.API, creds schemas.Credentials) result.Result[schemas.ActionReturn] {
	if err := d.signIn(ctx, api, creds); err != nil {
		return fail(err)
	}
	subs, err := d.subscriptions(ctx, api)
	if err != nil {
		return fail(err)
	}
	if !hasStatus(subs, schemas.StatusCanceled) {
		if hasStatus(subs, schemas.StatusActive) {
			return d.done(ctx, api, subs)
		}
		return fail(invalidMembership("Your Disney+ subscription has ended and cannot be resumed."))
	}

	api.LoadingMessage("Resuming your Disney+ subscription")
	if _, err := api.Navigate(ctx, disneySubscriptionURL); err != nil {
		return fail(err)
	}
	if _, err := api.ExpectNavigation(ctx, settleTimeout, api.Locator(dpRestart).Click); err != nil {
		return fail(err)
	}
	after, err := d.subscriptions(ctx, api)
	if err != nil {
		return fail(err)
	}
	if hasStatus(after, schemas.StatusCanceled) {
		return fail(schemas.NewFlowError(schemas.CodeUnexpectedPageResult, "a subscription is still canceled after resuming", nil))
	}
	return d.done(ctx, api, after)
}

// Register creates an account without choosing a plan, leaving it preactive.
func (d *Disney) Register(ctx context.Context, api page.API, creds schemas.Credentials) result.Result[schemas.ActionReturn] {
	if creds.Email == "" || creds.Password == "" {
		return fail(schemas.NewUserError(schemas.CodeNotLoggedIn, "Please choose an email and password for Disney+."))
	}
	api.LoadingMessage("Creating your Disney+ account")
	if _, err := api.Navigate(ctx, disneySignupURL); err != nil {
		return fail(err)
	}
	steps := []func() error{
		func() error { return api.Locator(dpSignupEmail).Fill(ctx, creds.Email) },
		func() error { return api.Locator(dpSignupNext).Click(ctx) },
		func() error { return api.Locator(dpSignupPass).Fill(ctx, creds.Password) },
		func() error { return api.Locator(dpSignupAgree).Click(ctx) },
		func() error { return api.Locator(dpSignupSubmit).Click(ctx) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return fail(err)
		}
	}
	idx, err := waitForAny(ctx, api, settleTimeout, dpPlanSelector, dpSignupError)
	if err != nil {
		return fail(err)
	}
	if idx == 1 {
		msg, _, _ := textOf(ctx, api, dpSignupError)
		if msg == "" {
			msg = "Disney+ did not accept the sign up."
		}
		return fail(schemas.NewUserError(schemas.CodeWrongCredentials, msg))
	}
	return d.done(ctx, api, schemas.Subscriptions{schemas.Preactive{}})
}
