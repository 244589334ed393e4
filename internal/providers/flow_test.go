package providers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xkilldash9x/subscout/api/schemas"
	"github.com/xkilldash9x/subscout/internal/browser/runtime"
	"github.com/xkilldash9x/subscout/internal/page"
	"github.com/xkilldash9x/subscout/internal/page/pagetest"
	"github.com/xkilldash9x/subscout/internal/result"
)

// unloadingHost loses existence checks sent after a click on trigger, the way
// a real tab loses them while the document they ran in unloads.
type unloadingHost struct {
	*pagetest.Host
	trigger string
	// lose is how many checks go missing; negative loses all of them.
	lose int
	// fail rejects the dispatch instead of never answering.
	fail bool

	mu    sync.Mutex
	armed bool
	lost  int
}

func (h *unloadingHost) Evaluate(ctx context.Context, expr string, out any) error {
	if inv, err := runtime.DecodeInvocation(expr); err == nil && h.loses(inv) {
		if h.fail {
			return errors.New("execution context was destroyed")
		}
		return nil
	}
	return h.Host.Evaluate(ctx, expr, out)
}

func (h *unloadingHost) loses(inv runtime.Invocation) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case inv.Op == runtime.OpClick && inv.Selector == h.trigger:
		h.armed = true
	case inv.Op == runtime.OpExists && h.armed && (h.lose < 0 || h.lost < h.lose):
		h.lost++
		return true
	}
	return false
}

func (h *unloadingHost) lostChecks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lost
}

func TestLogin_SurvivesChecksLostToUnload(t *testing.T) {
	defer goleak.VerifyNone(t)

	cases := []struct {
		name string
		fail bool
	}{
		{name: "Unanswered"},
		{name: "DispatchFails", fail: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			account := &netflixAccount{status: schemas.StatusActive}
			host := &unloadingHost{Host: pagetest.New(account.site()), trigger: netflixLogin.Submit, lose: 1, fail: tc.fail}

			res := runAction(t, host, NewNetflix().StartURL(), NewNetflix().Connect, netflixCreds, runOpts{})
			data := requireData(t, res)
			require.Len(t, data, 1)
			assert.Equal(t, schemas.Active{PlanName: "Standard", PlanPrice: 1549, NextPaymentDate: date(2024, time.May, 1), BillingCycle: schemas.BillingMonthly}, data[0])
			assert.Equal(t, 1, host.lostChecks())
		})
	}
}

func TestLogin_ChecksFailingUntilDeadline(t *testing.T) {
	defer goleak.VerifyNone(t)

	account := &netflixAccount{status: schemas.StatusActive}
	host := &unloadingHost{Host: pagetest.New(account.site()), trigger: netflixLogin.Submit, lose: -1, fail: true}

	res := runAction(t, host, NewNetflix().StartURL(), NewNetflix().Connect, netflixCreds, runOpts{})
	ae := requireActionError(t, res, schemas.KindFlow, schemas.CodeUnexpectedPageResult)
	assert.ErrorIs(t, ae, errNoKnownState)
	assert.Contains(t, ae.Error(), "last check failed")
	assert.Contains(t, ae.Error(), "execution context was destroyed")
	// Failed checks are paced, not retried in a tight loop.
	assert.Less(t, host.lostChecks(), 500)
}

func TestLogin_DeadlineWhileWaiting(t *testing.T) {
	defer goleak.VerifyNone(t)

	account := &netflixAccount{status: schemas.StatusActive}
	host := &unloadingHost{Host: pagetest.New(account.site()), trigger: netflixLogin.Submit, lose: -1, fail: true}

	var loginErr error
	res := runAction(t, host, NewNetflix().StartURL(), func(ctx context.Context, api page.API, creds schemas.Credentials) result.Result[schemas.ActionReturn] {
		ctx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
		defer cancel()
		loginErr = netflixLogin.login(ctx, api, creds)
		return result.Err[schemas.ActionReturn](loginErr)
	}, netflixCreds, runOpts{})
	require.True(t, res.IsErr())
	assert.ErrorIs(t, loginErr, context.DeadlineExceeded)
}
