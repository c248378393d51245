// Package widget defines status providers and runs them on a dispatch loop.
package widget

import (
	"github.com/shelepuginivan/systat/loop"
)

// Icon is the displayed state of a widget. Name is a freedesktop icon name.
type Icon struct {
	Name    string
	Tooltip string
}

// Provider is a source of status shown as one tray item.
//
// Init acquires the resources of the provider and reads its initial state.
// Sources are registered on the loop once Init succeeds; their reactions
// update the state returned by State. Activate is called when the user
// activates the item.
type Provider interface {
	Name() string
	Init() error
	State() Icon
	Sources() []loop.Source
	Activate() error
}

// View shows the state of one provider.
type View interface {
	SetState(icon Icon)
	Update()
}

// Renderer creates views.
type Renderer interface {
	NewView(name string) (View, error)
}

// Registry is an ordered list of providers.
type Registry struct {
	providers []Provider
}

// NewRegistry returns a registry holding providers in order.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register appends p.
func (r *Registry) Register(p Provider) {
	r.providers = append(r.providers, p)
}

// Providers returns the registered providers in registration order.
func (r *Registry) Providers() []Provider {
	return r.providers
}
