package page

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/subscout/internal/browser/runtime"
)

func (p *Page) armNavigation() chan string {
	w := make(chan string, 1)
	p.navMu.Lock()
	p.navWaiters = append(p.navWaiters, w)
	p.navMu.Unlock()
	return w
}

func (p *Page) disarmNavigation(w chan string) {
	p.navMu.Lock()
	defer p.navMu.Unlock()
	for i, c := range p.navWaiters {
		if c == w {
			p.navWaiters = append(p.navWaiters[:i], p.navWaiters[i+1:]...)
			return
		}
	}
}

func (p *Page) awaitNavigation(ctx context.Context, w chan string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = p.opts.NavigationTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case url := <-w:
		p.logger.Debug("Navigation finished.", zap.String("url", url))
		return url, nil
	case <-timer.C:
		p.disarmNavigation(w)
		return "", &NavigationTimeoutError{Timeout: timeout}
	case <-ctx.Done():
		p.disarmNavigation(w)
		return "", ctx.Err()
	case <-p.life.Done():
		return "", ErrClosed
	}
}

func (p *Page) WaitForNavigation(ctx context.Context, timeout time.Duration) (string, error) {
	if p.life.Err() != nil {
		return "", ErrClosed
	}
	return p.awaitNavigation(ctx, p.armNavigation(), timeout)
}

func (p *Page) ExpectNavigation(ctx context.Context, timeout time.Duration, trigger func(ctx context.Context) error) (string, error) {
	if p.life.Err() != nil {
		return "", ErrClosed
	}
	w := p.armNavigation()
	if err := trigger(ctx); err != nil {
		p.disarmNavigation(w)
		return "", err
	}
	return p.awaitNavigation(ctx, w, timeout)
}

func (p *Page) Navigate(ctx context.Context, url string) (string, error) {
	return p.ExpectNavigation(ctx, p.opts.NavigationTimeout, func(ctx context.Context) error {
		_, err := p.call(ctx, runtime.Invocation{Op: runtime.OpNavigate, URL: url}, p.opts.ElementTimeout)
		return err
	})
}
