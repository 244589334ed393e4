package providers

import (
	"context"

	"github.com/xkilldash9x/subscout/api/schemas"
	"github.com/xkilldash9x/subscout/internal/page"
	"github.com/xkilldash9x/subscout/internal/result"
)

const (
	netflixAccountURL    = "https://www.netflix.com/account"
	netflixMembershipURL = "https://www.netflix.com/account/membership"
	netflixCancelURL     = "https://www.netflix.com/cancelplan"
)

// Selectors on the Netflix account pages.
const (
	nfMembershipPage = `[data-uia="account-membership-page"]`
	nfPlanLabel      = `[data-uia="plan-label"]`
	nfPlanPrice      = `[data-uia="plan-price"]`
	nfNextBilling    = `[data-uia="next-billing-date"]`
	nfEndNotice      = `[data-uia="membership-end-notice"]`
	nfRestart        = `[data-uia="restart-membership-button"]`
	nfFormerMember   = `[data-uia="former-member-banner"]`
	nfFinishSignup   = `[data-uia="finish-signup-button"]`
	nfConfirmCancel  = `[data-uia="action-finish-cancellation"]`
	nfProfileGate    = `[data-uia="profile-gate"]`
)

var netflixLogin = loginForm{
	Service:  "Netflix",
	Email:    `input[name="userLoginId"]`,
	Password: `input[name="password"]`,
	Submit:   `button[data-uia="login-submit-button"]`,
	Errors:   []string{`[data-uia="error-message-container+header"]`, `[data-uia="login-field+validationMessage"]`},
	Captcha:  `[data-uia="recaptcha-challenge"]`,
	Done:     []string{nfProfileGate, nfMembershipPage},
}

// Netflix bills monthly only; plans show a single price and next billing date.
type Netflix struct{}

func NewNetflix() *Netflix { return &Netflix{} }

func (*Netflix) ID() string       { return "netflix" }
func (*Netflix) StartURL() string { return netflixAccountURL }

// membership makes sure the session is signed in and reads the membership page.
func (n *Netflix) membership(ctx context.Context, api page.API, creds schemas.Credentials) (schemas.Subscription, error) {
	idx, err := waitForAny(ctx, api, settleTimeout, nfMembershipPage, netflixLogin.Email, nfProfileGate)
	if err != nil {
		return nil, err
	}
	if idx == 1 {
		if err := netflixLogin.login(ctx, api, creds); err != nil {
			return nil, err
		}
	}
	if idx != 0 {
		api.LoadingMessage("Opening your Netflix account")
		if _, err := api.Navigate(ctx, netflixMembershipURL); err != nil {
			return nil, err
		}
	}
	return n.read(ctx, api)
}

func (n *Netflix) read(ctx context.Context, api page.API) (schemas.Subscription, error) {
	api.StatusMessage("Reading your Netflix membership")
	idx, err := waitForAny(ctx, api, settleTimeout, nfEndNotice, nfPlanLabel, nfFinishSignup, nfFormerMember)
	if err != nil {
		return nil, err
	}
	switch idx {
	case 2:
		return schemas.Preactive{}, nil
	case 3:
		return schemas.Inactive{}, nil
	}

	plan, _, err := textOf(ctx, api, nfPlanLabel)
	if err != nil {
		return nil, err
	}
	price, _, err := textOf(ctx, api, nfPlanPrice)
	if err != nil {
		return nil, err
	}
	if idx == 0 {
		notice, _, err := textOf(ctx, api, nfEndNotice)
		if err != nil {
			return nil, err
		}
		if plan == "" {
			plan = "Netflix"
		}
		c := canceledFrom(plan, price, notice, "")
		c.BillingCycle = schemas.BillingMonthly
		return c, nil
	}

	next, _, err := textOf(ctx, api, nfNextBilling)
	if err != nil {
		return nil, err
	}
	a, err := activeFrom(plan, price, next, "")
	if err != nil {
		return nil, err
	}
	a.BillingCycle = schemas.BillingMonthly
	return a, nil
}

func (n *Netflix) Connect(ctx context.Context, api page.API, creds schemas.Credentials) result.Result[schemas.ActionReturn] {
	sub, err := n.membership(ctx, api, creds)
	if err != nil {
		return fail(err)
	}
	return single(sub)
}

func (n *Netflix) Cancel(ctx context.Context, api page.API, creds schemas.Credentials) result.Result[schemas.ActionReturn] {
	sub, err := n.membership(ctx, api, creds)
	if err != nil {
		return fail(err)
	}
	switch sub.(type) {
	case schemas.Canceled:
		return single(sub)
	case schemas.Active:
	default:
		return fail(invalidMembership("Your Netflix membership is not active, so there is nothing to cancel."))
	}

	api.LoadingMessage("Canceling your Netflix membership")
	if _, err := api.Navigate(ctx, netflixCancelURL); err != nil {
		return fail(err)
	}
	if _, err := api.ExpectNavigation(ctx, settleTimeout, api.Locator(nfConfirmCancel).Click); err != nil {
		return fail(err)
	}
	if _, err := api.Navigate(ctx, netflixMembershipURL); err != nil {
		return fail(err)
	}
	after, err := n.read(ctx, api)
	if err != nil {
		return fail(err)
	}
	if _, ok := after.(schemas.Canceled); !ok {
		return fail(schemas.NewFlowError(schemas.CodeUnexpectedPageResult, "the membership is still "+string(after.Status())+" after canceling", nil))
	}
	return single(after)
}

func (n *Netflix) Resume(ctx context.Context, api page.API, creds schemas.Credentials) result.Result[schemas.ActionReturn] {
	sub, err := n.membership(ctx, api, creds)
	if err != nil {
		return fail(err)
	}
	switch sub.(type) {
	case schemas.Active:
		return single(sub)
	case schemas.Canceled:
	default:
		return fail(invalidMembership("Your Netflix membership has ended and needs a new plan to restart."))
	}

	api.LoadingMessage("Restarting your Netflix membership")
	if _, err := api.ExpectNavigation(ctx, settleTimeout, api.Locator(nfRestart).Click); err != nil {
		return fail(err)
	}
	after, err := n.read(ctx, api)
	if err != nil {
		return fail(err)
	}
	if _, ok := after.(schemas.Active); !ok {
		return fail(schemas.NewFlowError(schemas.CodeUnexpectedPageResult, "the membership is still "+string(after.Status())+" after restarting", nil))
	}
	return single(after)
}
