package guard

import (
	"sync"

	"github.com/go-authgate/session-cli/store"
)

// Boundary gates a whole surface. It re-evaluates whenever the session or
// its requirement changes and hands every denial to the redirect callback.
type Boundary struct {
	guard    *Guard
	redirect func(Decision)

	mu   sync.Mutex
	req  Requirement
	last Decision
}

// Subscriber is where a Boundary learns about session changes.
type Subscriber interface {
	Subscribe(l store.Listener)
}

// NewBoundary creates a Boundary for req. redirect is called with each
// denying decision; it decides where the caller is sent and may mutate the
// store, for example to sign the user out.
func (g *Guard) NewBoundary(req Requirement, redirect func(Decision)) *Boundary {
	return &Boundary{guard: g, redirect: redirect, req: req}
}

// Watch re-evaluates b on every change published by sub.
func (b *Boundary) Watch(sub Subscriber) {
	sub.Subscribe(func(store.Event, *store.Session) {
		b.Evaluate()
	})
}

// Evaluate checks the current requirement and redirects when denied.
func (b *Boundary) Evaluate() Decision {
	b.mu.Lock()
	d := b.guard.Check(b.req)
	b.last = d
	b.mu.Unlock()

	if !d.Allowed && b.redirect != nil {
		b.redirect(d)
	}
	return d
}

// SetRequirement replaces the requirement and re-evaluates.
func (b *Boundary) SetRequirement(req Requirement) Decision {
	b.mu.Lock()
	b.req = req
	b.mu.Unlock()
	return b.Evaluate()
}

// Last returns the most recent decision.
func (b *Boundary) Last() Decision {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Visibility is how an inline control is rendered.
type Visibility int

const (
	// Enabled means the control is usable.
	Enabled Visibility = iota
	// Disabled means the control is shown but inert.
	Disabled
	// Hidden means the control is not shown at all.
	Hidden
)

func (v Visibility) String() string {
	switch v {
	case Enabled:
		return "enabled"
	case Disabled:
		return "disabled"
	default:
		return "hidden"
	}
}

// Control gates one interactive element without navigating away.
type Control struct {
	Requirement Requirement
	// HideWhenDenied hides the control instead of disabling it.
	HideWhenDenied bool
}

// Visibility evaluates c against the current session.
func (g *Guard) Visibility(c Control) Visibility {
	if g.Check(c.Requirement).Allowed {
		return Enabled
	}
	if c.HideWhenDenied {
		return Hidden
	}
	return Disabled
}
