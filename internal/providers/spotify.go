package providers

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/xkilldash9x/subscout/api/schemas"
	"github.com/xkilldash9x/subscout/internal/page"
	"github.com/xkilldash9x/subscout/internal/result"
)

const (
	spotifyOverviewURL = "https://www.spotify.com/account/overview/"
	spotifyManageURL   = "https://www.spotify.com/account/subscription/"
)

const (
	spOverview      = `[data-testid="account-overview"]`
	spPlanName      = `[data-testid="plan-name"]`
	spPlanPrice     = `[data-testid="plan-price"]`
	spRenewal       = `[data-testid="plan-renewal"]`
	spPlanEnds      = `[data-testid="plan-ends"]`
	spCancel        = `[data-testid="cancel-premium-button"]`
	spConfirmCancel = `[data-testid="confirm-cancel-button"]`
	spResume        = `[data-testid="resume-premium-button"]`
)

// spotifySessionFn reads the web player session the account page bootstraps with.
const spotifySessionFn = `() => {
  const el = document.getElementById('session');
  if (!el) return null;
  const s = JSON.parse(el.textContent);
  return { accessToken: s.accessToken, expiresAt: s.accessTokenExpirationTimestampMs, product: s.product || '' };
}`

// spotifySession is the subset of the bootstrapped session kept as the token.
type spotifySession struct {
	AccessToken string `json:"accessToken"`
	ExpiresAt   int64  `json:"expiresAt"`
	Product     string `json:"product"`
}

var spotifyLogin = loginForm{
	Service:   "Spotify",
	Email:     `#login-username`,
	Password:  `#login-password`,
	Submit:    `#login-button`,
	Errors:    []string{`[data-encore-id="banner"]`},
	OTP:       `input[autocomplete="one-time-code"]`,
	OTPSubmit: `button[data-testid="otp-submit"]`,
	Captcha:   `iframe[title="reCAPTCHA"]`,
	Done:      []string{spOverview},
}

// Spotify plans may bill monthly or annually; free accounts count as inactive.
type Spotify struct{}

func NewSpotify() *Spotify { return &Spotify{} }

func (*Spotify) ID() string       { return "spotify" }
func (*Spotify) StartURL() string { return spotifyOverviewURL }

func (s *Spotify) overview(ctx context.Context, api page.API, creds schemas.Credentials) (schemas.Subscription, error) {
	idx, err := waitForAny(ctx, api, settleTimeout, spOverview, spotifyLogin.Email)
	if err != nil {
		return nil, err
	}
	if idx == 1 {
		if err := spotifyLogin.login(ctx, api, creds); err != nil {
			return nil, err
		}
	}
	return s.read(ctx, api)
}

func (s *Spotify) read(ctx context.Context, api page.API) (schemas.Subscription, error) {
	api.StatusMessage("Reading your Spotify plan")
	if _, err := waitForAny(ctx, api, settleTimeout, spPlanName); err != nil {
		return nil, err
	}
	plan, _, err := textOf(ctx, api, spPlanName)
	if err != nil {
		return nil, err
	}
	if strings.Contains(strings.ToLower(plan), "free") {
		return schemas.Inactive{}, nil
	}
	price, _, err := textOf(ctx, api, spPlanPrice)
	if err != nil {
		return nil, err
	}
	productID := productSlug(plan)

	if ends, ok, err := textOf(ctx, api, spPlanEnds); err != nil {
		return nil, err
	} else if ok {
		return canceledFrom(plan, price, ends, productID), nil
	}
	renewal, _, err := textOf(ctx, api, spRenewal)
	if err != nil {
		return nil, err
	}
	return activeFrom(plan, price, renewal, productID)
}

// token returns the session blob, or nil when the page does not expose one.
func (s *Spotify) token(ctx context.Context, api page.API) json.RawMessage {
	var sess *spotifySession
	if err := api.EvaluateInto(ctx, spotifySessionFn, nil, &sess); err != nil || sess == nil || sess.AccessToken == "" {
		return nil
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return nil
	}
	return raw
}

func (s *Spotify) done(ctx context.Context, api page.API, sub schemas.Subscription) result.Result[schemas.ActionReturn] {
	return result.Ok(schemas.ActionReturn{Token: s.token(ctx, api), Data: schemas.Subscriptions{sub}})
}

func (s *Spotify) Connect(ctx context.Context, api page.API, creds schemas.Credentials) result.Result[schemas.ActionReturn] {
	sub, err := s.overview(ctx, api, creds)
	if err != nil {
		return fail(err)
	}
	return s.done(ctx, api, sub)
}

func (s *Spotify) Cancel(ctx context.Context, api page.API, creds schemas.Credentials) result.Result[schemas.ActionReturn] {
	sub, err := s.overview(ctx, api, creds)
	if err != nil {
		return fail(err)
	}
	switch sub.(type) {
	case schemas.Canceled:
		return s.done(ctx, api, sub)
	case schemas.Active:
	default:
		return fail(invalidMembership("You have no Spotify Premium plan to cancel."))
	}

	api.LoadingMessage("Canceling Spotify Premium")
	if _, err := api.Navigate(ctx, spotifyManageURL); err != nil {
		return fail(err)
	}
	if err := api.Locator(spCancel).Click(ctx); err != nil {
		return fail(err)
	}
	if _, err := api.ExpectNavigation(ctx, settleTimeout, api.Locator(spConfirmCancel).Click); err != nil {
		return fail(err)
	}
	if _, err := api.Navigate(ctx, spotifyOverviewURL); err != nil {
		return fail(err)
	}
	after, err := s.read(ctx, api)
	if err != nil {
		return fail(err)
	}
	if _, ok := after.(schemas.Canceled); !ok {
		return fail(schemas.NewFlowError(schemas.CodeUnexpectedPageResult, "the plan is still "+string(after.Status())+" after canceling", nil))
	}
	return s.done(ctx, api, after)
}

func (s *Spotify) Resume(ctx context.Context, api page.API, creds schemas.Credentials) result.Result[schemas.ActionReturn] {
	sub, err := s.overview(ctx, api, creds)
	if err != nil {
		return fail(err)
	}
	switch sub.(type) {
	case schemas.Active:
		return s.done(ctx, api, sub)
	case schemas.Canceled:
	default:
		return fail(invalidMembership("Your Spotify Premium plan has ended and has to be bought again."))
	}

	api.LoadingMessage("Resuming Spotify Premium")
	if _, err := api.ExpectNavigation(ctx, settleTimeout, api.Locator(spResume).Click); err != nil {
		return fail(err)
	}
	after, err := s.read(ctx, api)
	if err != nil {
		return fail(err)
	}
	if _, ok := after.(schemas.Active); !ok {
		return fail(schemas.NewFlowError(schemas.CodeUnexpectedPageResult, "the plan is still "+string(after.Status())+" after resuming", nil))
	}
	return s.done(ctx, api, after)
}

// productSlug turns "Premium Duo" into "premium-duo".
func productSlug(plan string) string {
	return strings.Join(strings.Fields(strings.ToLower(plan)), "-")
}
