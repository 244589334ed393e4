// internal/browser/host.go
package browser

import (
	"context"
	"errors"

	"github.com/xkilldash9x/subscout/api/schemas"
)

// ErrHostClosed is reported by Err after an orderly Close.
var ErrHostClosed = errors.New("browser host closed")

// Host is one browser tab as seen by the page controller. Every page->host
// message arrives on Messages as the raw JSON the runtime sent through its binding.
type Host interface {
	ID() string
	// Install registers the binding and injects script into the current and every future document.
	Install(ctx context.Context, script string) error
	// Evaluate runs expr in the current document, decoding its value into out when out is non nil.
	Evaluate(ctx context.Context, expr string, out any) error
	Messages() <-chan []byte
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	Content(ctx context.Context) (string, error)
	Cookies(ctx context.Context) ([]schemas.Cookie, error)
	SetCookies(ctx context.Context, cookies []schemas.Cookie) error
	// SetVisible reveals the window for manual intervention or hides it again.
	SetVisible(ctx context.Context, visible bool) error
	Close(ctx context.Context) error
	// Done is closed when the tab is gone, whether crashed, detached or closed.
	Done() <-chan struct{}
	// Err explains why Done fired.
	Err() error
}

// Launcher creates hosts. The Manager is the production implementation.
type Launcher interface {
	NewHost(ctx context.Context) (Host, error)
}
