package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xkilldash9x/subscout/api/schemas"
	"github.com/xkilldash9x/subscout/internal/browser/runtime"
	"github.com/xkilldash9x/subscout/internal/extract"
	"github.com/xkilldash9x/subscout/internal/page"
	"github.com/xkilldash9x/subscout/internal/result"
)

var (
	// settleTimeout bounds how long a page may take to reach a recognizable state.
	settleTimeout = 20 * time.Second
	// manualTimeout bounds how long a revealed page waits for the user.
	manualTimeout = 5 * time.Minute
	// now is the clock date extraction resolves year-less dates against.
	now = time.Now
)

// checkTimeout keeps each existence check in waitForAny to a single DOM poll.
const checkTimeout = runtime.PollInterval

// errNoKnownState is wrapped when a page never showed any expected element.
var errNoKnownState = errors.New("page did not reach a known state")

// waitForAny polls the selectors in order until one exists and returns its
// index. Empty selectors are skipped. A check that fails or goes unanswered
// counts as absent: after a submit the page is often between documents, and
// the runtime drops checks that were running on the old one.
func waitForAny(ctx context.Context, api page.API, timeout time.Duration, selectors ...string) (int, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		failed := false
		for i, sel := range selectors {
			if sel == "" {
				continue
			}
			ok, err := api.Locator(sel).WithTimeout(checkTimeout).Exists(ctx)
			switch {
			case err == nil && ok:
				return i, nil
			case err == nil:
			case ctx.Err() != nil:
				return -1, ctx.Err()
			case errors.Is(err, page.ErrClosed):
				return -1, err
			default:
				lastErr, failed = err, true
			}
		}
		if time.Now().After(deadline) {
			cause := fmt.Errorf("%w: waited %s for %s", errNoKnownState, timeout, strings.Join(selectors, ", "))
			if lastErr != nil {
				cause = fmt.Errorf("%w (last check failed: %v)", cause, lastErr)
			}
			return -1, schemas.NewFlowError(schemas.CodeUnexpectedPageResult, "the page looked different than expected", cause)
		}
		if failed {
			// Failed checks return at once; keep the DOM poll pace.
			select {
			case <-time.After(runtime.PollInterval):
			case <-ctx.Done():
				return -1, ctx.Err()
			}
		}
	}
}

// loginForm describes the selectors of one provider's sign in flow.
type loginForm struct {
	Email    string
	Password string
	// Next is clicked between email and password on two step forms.
	Next   string
	Submit string
	// Errors are shown when the credentials were rejected.
	Errors []string
	// OTP is the one time code input and OTPSubmit its confirm button.
	OTP       string
	OTPSubmit string
	Captcha   string
	// Done matches elements only present once signed in.
	Done []string
	// Service is used in prompts, e.g. "Netflix".
	Service string
}

type loginOutcome int

const (
	outcomeDone loginOutcome = iota
	outcomeRejected
	outcomeOTP
	outcomeCaptcha
)

func (f loginForm) classify(ctx context.Context, api page.API) (loginOutcome, error) {
	selectors := append([]string{}, f.Done...)
	selectors = append(selectors, f.Errors...)
	selectors = append(selectors, f.OTP, f.Captcha)
	idx, err := waitForAny(ctx, api, settleTimeout, selectors...)
	if err != nil {
		return 0, err
	}
	switch {
	case idx < len(f.Done):
		return outcomeDone, nil
	case idx < len(f.Done)+len(f.Errors):
		return outcomeRejected, nil
	case idx == len(f.Done)+len(f.Errors):
		return outcomeOTP, nil
	default:
		return outcomeCaptcha, nil
	}
}

// login fills and submits the form, then handles rejection, one time codes
// and CAPTCHAs until the account is reached.
func (f loginForm) login(ctx context.Context, api page.API, creds schemas.Credentials) error {
	if creds.Email == "" || creds.Password == "" {
		return schemas.NewUserError(schemas.CodeNotLoggedIn, "Please enter your email and password for "+f.Service+".")
	}
	api.StatusMessage("Signing in to " + f.Service)

	if err := api.Locator(f.Email).Fill(ctx, creds.Email); err != nil {
		return err
	}
	if f.Next != "" {
		if err := api.Locator(f.Next).Click(ctx); err != nil {
			return err
		}
		idx, err := waitForAny(ctx, api, settleTimeout, append([]string{f.Password}, f.Errors...)...)
		if err != nil {
			return err
		}
		if idx > 0 {
			return wrongCredentials()
		}
	}
	if err := api.Locator(f.Password).Fill(ctx, creds.Password); err != nil {
		return err
	}
	if err := api.Locator(f.Submit).Click(ctx); err != nil {
		return err
	}

	// A site may chain a code prompt and a CAPTCHA; three rounds cover that.
	for round := 0; round < 3; round++ {
		outcome, err := f.classify(ctx, api)
		if err != nil {
			return err
		}
		switch outcome {
		case outcomeDone:
			return nil
		case outcomeRejected:
			return wrongCredentials()
		case outcomeOTP:
			if err := f.enterCode(ctx, api); err != nil {
				return err
			}
		case outcomeCaptcha:
			if err := f.solveManually(ctx, api); err != nil {
				return err
			}
		}
	}
	return schemas.NewFlowError(schemas.CodeNotLoggedIn, "sign in did not complete", errNoKnownState)
}

func wrongCredentials() error {
	return schemas.NewUserError(schemas.CodeWrongCredentials, "Wrong email or password.")
}

func (f loginForm) enterCode(ctx context.Context, api page.API) error {
	answer, err := api.Prompt(ctx, schemas.PromptRequest{
		Title: f.Service + " verification",
		Text:  "Enter the code " + f.Service + " sent to you.",
	})
	if err != nil {
		return err
	}
	if answer == nil || strings.TrimSpace(*answer) == "" {
		return schemas.NewUserError(schemas.CodeOTPCanceled, "Verification was canceled.")
	}
	if err := api.Locator(f.OTP).Fill(ctx, strings.TrimSpace(*answer)); err != nil {
		return err
	}
	return api.Locator(f.OTPSubmit).Click(ctx)
}

func (f loginForm) solveManually(ctx context.Context, api page.API) error {
	api.StatusMessage("Please complete the check shown by " + f.Service)
	if err := api.Reveal(ctx); err != nil {
		return err
	}
	defer func() {
		// best effort, the session may already be gone
		_ = api.Hide(context.WithoutCancel(ctx))
	}()
	selectors := append([]string{}, f.Done...)
	selectors = append(selectors, f.Errors...)
	selectors = append(selectors, f.OTP)
	_, err := waitForAny(ctx, api, manualTimeout, selectors...)
	return err
}

// textOf returns the trimmed text of selector and whether it was present.
func textOf(ctx context.Context, api page.API, selector string) (string, bool, error) {
	ok, err := api.Locator(selector).WithTimeout(checkTimeout).Exists(ctx)
	if err != nil || !ok {
		return "", false, err
	}
	text, err := api.Locator(selector).TextContent(ctx)
	if err != nil {
		return "", false, err
	}
	return strings.Join(strings.Fields(text), " "), true, nil
}

// activeFrom builds an Active record from raw page text. Unparsable price or
// date cannot form a valid record and needs manual follow-up.
func activeFrom(plan, priceText, dateText, productID string) (schemas.Active, error) {
	cents, ok := extract.ExtractCents(priceText)
	if !ok {
		return schemas.Active{}, schemas.NewFlowError(schemas.CodeUnexpectedPageResult, "could not read the plan price",
			fmt.Errorf("unparsable price %q", priceText))
	}
	next := extract.ExtractDate(dateText, now())
	if next == nil {
		return schemas.Active{}, schemas.NewFlowError(schemas.CodeUnexpectedPageResult, "could not read the next payment date",
			fmt.Errorf("unparsable date %q", dateText))
	}
	return schemas.Active{
		PlanName:        plan,
		PlanPrice:       cents,
		NextPaymentDate: *next,
		BillingCycle:    cycleOf(priceText),
		ProductID:       productID,
	}, nil
}

// canceledFrom builds a Canceled record; unknown price or expiry stay nil.
func canceledFrom(plan, priceText, endText, productID string) schemas.Canceled {
	c := schemas.Canceled{
		PlanName:     plan,
		ExpiresAt:    extract.ExtractDate(endText, now()),
		BillingCycle: cycleOf(priceText),
		ProductID:    productID,
	}
	if cents, ok := extract.ExtractCents(priceText); ok {
		c.PlanPrice = &cents
	}
	return c
}

var annualMarkers = []string{"year", "yr", "annual", "jahr", "jährlich", "jaehrlich"}

func cycleOf(priceText string) schemas.BillingCycle {
	lower := strings.ToLower(priceText)
	for _, m := range annualMarkers {
		if strings.Contains(lower, m) {
			return schemas.BillingAnnual
		}
	}
	return schemas.BillingMonthly
}

func single(sub schemas.Subscription) result.Result[schemas.ActionReturn] {
	return result.Ok(schemas.ActionReturn{Data: schemas.Subscriptions{sub}})
}

func fail(err error) result.Result[schemas.ActionReturn] {
	return result.Err[schemas.ActionReturn](err)
}

func invalidMembership(msg string) error {
	return schemas.NewUserError(schemas.CodeInvalidMembership, msg)
}
