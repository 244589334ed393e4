// Package providers holds the per provider automation scripts and the
// registry that maps provider ids to them.
package providers

import (
	"context"
	"sort"

	"github.com/xkilldash9x/subscout/api/schemas"
	"github.com/xkilldash9x/subscout/internal/page"
	"github.com/xkilldash9x/subscout/internal/result"
)

// Action is one provider capability run against a live page.
type Action func(ctx context.Context, api page.API, creds schemas.Credentials) result.Result[schemas.ActionReturn]

// Provider is implemented by every supported service.
type Provider interface {
	ID() string
	// StartURL is the first page loaded for any action.
	StartURL() string
	Connect(ctx context.Context, api page.API, creds schemas.Credentials) result.Result[schemas.ActionReturn]
	Cancel(ctx context.Context, api page.API, creds schemas.Credentials) result.Result[schemas.ActionReturn]
	Resume(ctx context.Context, api page.API, creds schemas.Credentials) result.Result[schemas.ActionReturn]
}

// Registerer is implemented by providers that can create an account.
type Registerer interface {
	Register(ctx context.Context, api page.API, creds schemas.Credentials) result.Result[schemas.ActionReturn]
}

// Registry maps provider ids to implementations. It is built once at startup
// and read only afterwards.
type Registry struct {
	byID map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{byID: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.byID[p.ID()] = p
	}
	return r
}

// Default returns a registry with every built in provider.
func Default() *Registry {
	return NewRegistry(NewNetflix(), NewSpotify(), NewDisney())
}

func (r *Registry) Lookup(id string) (Provider, error) {
	p, ok := r.byID[id]
	if !ok {
		return nil, schemas.NewServerError(schemas.CodeUnknownProvider, "Unknown service \""+id+"\".")
	}
	return p, nil
}

// Action resolves the capability name of provider id.
func (r *Registry) Action(id string, name schemas.ActionName) (Action, error) {
	p, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	switch name {
	case schemas.ActionConnect:
		return p.Connect, nil
	case schemas.ActionCancel:
		return p.Cancel, nil
	case schemas.ActionResume:
		return p.Resume, nil
	case schemas.ActionRegister:
		if reg, ok := p.(Registerer); ok {
			return reg.Register, nil
		}
	}
	return nil, schemas.NewServerError(schemas.CodeUnknownAction, "\""+string(name)+"\" is not supported for "+id+".")
}

// StartURL returns where actions of provider id begin.
func (r *Registry) StartURL(id string) (string, error) {
	p, err := r.Lookup(id)
	if err != nil {
		return "", err
	}
	return p.StartURL(), nil
}

// Capabilities lists the actions provider id supports.
func (r *Registry) Capabilities(id string) []schemas.ActionName {
	p, ok := r.byID[id]
	if !ok {
		return nil
	}
	caps := []schemas.ActionName{schemas.ActionConnect, schemas.ActionCancel, schemas.ActionResume}
	if _, ok := p.(Registerer); ok {
		caps = append(caps, schemas.ActionRegister)
	}
	return caps
}

// IDs returns the registered provider ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
