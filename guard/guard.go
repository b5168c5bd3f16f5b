// Package guard decides whether the current session may see or do something,
// given the capabilities the identity provider granted it.
package guard

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/go-authgate/session-cli/store"
)

// ErrDenied is matched by every DeniedError.
var ErrDenied = errors.New("access denied")

// Mode selects how a requirement's capabilities combine.
type Mode int

const (
	// All requires every named capability to be granted.
	All Mode = iota
	// Any requires at least one named capability to be granted.
	Any
)

func (m Mode) String() string {
	if m == Any {
		return "any"
	}
	return "all"
}

// Requirement names the capabilities a check needs. A requirement with no
// capabilities only needs a session.
type Requirement struct {
	Capabilities []string
	Mode         Mode
}

// RequireAll is a Requirement in All mode.
func RequireAll(caps ...string) Requirement {
	return Requirement{Capabilities: caps, Mode: All}
}

// RequireAny is a Requirement in Any mode.
func RequireAny(caps ...string) Requirement {
	return Requirement{Capabilities: caps, Mode: Any}
}

func (r Requirement) String() string {
	return r.Mode.String() + "(" + strings.Join(r.Capabilities, ",") + ")"
}

// Reason explains a denial.
type Reason int

const (
	// None is the reason of an allowed decision.
	None Reason = iota
	// NoSession means there is no session to evaluate.
	NoSession
	// InsufficientCapability means the session lacks what the requirement names.
	InsufficientCapability
)

func (r Reason) String() string {
	switch r {
	case None:
		return "none"
	case NoSession:
		return "no_session"
	case InsufficientCapability:
		return "insufficient_capability"
	default:
		return "unknown"
	}
}

// Decision is the outcome of a check.
type Decision struct {
	Allowed bool
	Reason  Reason
	// Missing lists the required capabilities not granted, on InsufficientCapability.
	Missing []string
}

// Err returns nil for an allowed decision and a *DeniedError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{Reason: d.Reason, Missing: d.Missing}
}

// DeniedError is a denial surfaced as an error.
type DeniedError struct {
	Reason  Reason
	Missing []string
}

func (e *DeniedError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("access denied: %s (missing %s)", e.Reason, strings.Join(e.Missing, ", "))
	}
	return "access denied: " + e.Reason.String()
}

func (e *DeniedError) Is(target error) bool {
	return target == ErrDenied
}

// Evaluate reports whether granted satisfies req. A capability counts only
// when present and true.
func Evaluate(granted map[string]bool, req Requirement) bool {
	if len(req.Capabilities) == 0 {
		return true
	}

	switch req.Mode {
	case Any:
		for _, c := range req.Capabilities {
			if granted[c] {
				return true
			}
		}
		return false
	default:
		for _, c := range req.Capabilities {
			if !granted[c] {
				return false
			}
		}
		return true
	}
}

func missing(granted map[string]bool, req Requirement) []string {
	var out []string
	for _, c := range req.Capabilities {
		if !granted[c] {
			out = append(out, c)
		}
	}
	return out
}

// SessionSource yields the current session.
type SessionSource interface {
	Session() (store.Session, bool)
}

// Guard evaluates requirements against the session held by a SessionSource.
// It never mutates the session.
type Guard struct {
	source SessionSource
	log    zerolog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(g *Guard) {
		g.log = l
	}
}

// New creates a Guard.
func New(source SessionSource, opts ...Option) *Guard {
	g := &Guard{
		source: source,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check evaluates req against the current session.
func (g *Guard) Check(req Requirement) Decision {
	sess, ok := g.source.Session()
	if !ok {
		return Decision{Reason: NoSession}
	}
	if Evaluate(sess.Capabilities, req) {
		return Decision{Allowed: true}
	}

	d := Decision{Reason: InsufficientCapability, Missing: missing(sess.Capabilities, req)}
	g.log.Debug().
		Str("user_id", sess.Identity.UserID).
		Stringer("requirement", req).
		Strs("missing", d.Missing).
		Msg("capability check denied")
	return d
}

// Require is Check as an error.
func (g *Guard) Require(req Requirement) error {
	return g.Check(req).Err()
}
