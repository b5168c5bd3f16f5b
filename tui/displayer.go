package tui

import (
	"fmt"
	"io"
	"strings"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/common-nighthawk/go-figure"
)

// SessionInfo is the display view of a session. It never carries a full
// credential, only its fingerprint.
type SessionInfo struct {
	SessionID    string
	UserID       string
	Name         string
	Role         string
	Capabilities []string
	Access       string
	Valid        bool
	ExpiresAt    time.Time
	NextRenewal  time.Time
	Scheduler    string
}

// Displayer abstracts all output of the session commands.
type Displayer interface {
	Banner()
	SessionResumed(info SessionInfo)
	SessionNotFound()
	LoggingIn(username string)
	LoggedIn(info SessionInfo)
	LoginFailed(err error)
	SessionSaved(location string)
	SessionSaveFailed(err error)
	RenewalScheduled(fireAt time.Time)
	Renewed(info SessionInfo)
	SessionTerminated(err error)
	LoggedOut()
	AccessAllowed(requirement string)
	AccessDenied(requirement string, err error)
	APICallOK(status int, body string)
	APICallFailed(err error)
	Done(info SessionInfo)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner() {
	fmt.Fprint(p.w, figure.NewFigure("authgate", "cybermedium", true).String())
	fmt.Fprintln(p.w, "=== Session CLI ===")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) SessionResumed(info SessionInfo) {
	fmt.Fprintf(p.w, "Resumed session for %s\n", displayName(info))
	if !info.Valid {
		fmt.Fprintln(p.w, "Access credential expired, renewing...")
	}
}

func (p *PlainDisplayer) SessionNotFound() {
	fmt.Fprintln(p.w, "No session found. Run `login` first.")
}

func (p *PlainDisplayer) LoggingIn(username string) {
	fmt.Fprintf(p.w, "Logging in as %s...\n", username)
}

func (p *PlainDisplayer) LoggedIn(info SessionInfo) {
	fmt.Fprintf(p.w, "Logged in as %s\n", displayName(info))
}

func (p *PlainDisplayer) LoginFailed(err error) {
	fmt.Fprintf(p.w, "Login failed: %v\n", err)
}

func (p *PlainDisplayer) SessionSaved(location string) {
	fmt.Fprintf(p.w, "Session saved to %s\n", location)
}

func (p *PlainDisplayer) SessionSaveFailed(err error) {
	fmt.Fprintf(p.w, "Warning: Failed to save session: %v\n", err)
}

func (p *PlainDisplayer) RenewalScheduled(fireAt time.Time) {
	fmt.Fprintf(p.w, "Next renewal at %s (in %s)\n",
		fireAt.Format(time.TimeOnly), formatDuration(time.Until(fireAt)))
}

func (p *PlainDisplayer) Renewed(info SessionInfo) {
	fmt.Fprintf(p.w, "Session renewed, access credential %s valid until %s\n",
		info.Access, info.ExpiresAt.Format(time.TimeOnly))
}

func (p *PlainDisplayer) SessionTerminated(err error) {
	fmt.Fprintf(p.w, "Session terminated: %v\n", err)
	fmt.Fprintln(p.w, "Please log in again.")
}

func (p *PlainDisplayer) LoggedOut() {
	fmt.Fprintln(p.w, "Logged out.")
}

func (p *PlainDisplayer) AccessAllowed(requirement string) {
	fmt.Fprintf(p.w, "Allowed: %s\n", requirement)
}

func (p *PlainDisplayer) AccessDenied(requirement string, err error) {
	fmt.Fprintf(p.w, "Denied: %s (%v)\n", requirement, err)
}

func (p *PlainDisplayer) APICallOK(status int, body string) {
	fmt.Fprintf(p.w, "API call successful (%d)\n", status)
	if body != "" {
		fmt.Fprintln(p.w, body)
	}
}

func (p *PlainDisplayer) APICallFailed(err error) {
	fmt.Fprintf(p.w, "API call failed: %v\n", err)
}

func (p *PlainDisplayer) Done(info SessionInfo) {
	fmt.Fprintln(p.w, "\n========================================")
	fmt.Fprintln(p.w, "Current Session:")
	fmt.Fprintf(p.w, "User:         %s\n", displayName(info))
	fmt.Fprintf(p.w, "Role:         %s\n", info.Role)
	fmt.Fprintf(p.w, "Capabilities: %s\n", strings.Join(info.Capabilities, ", "))
	fmt.Fprintf(p.w, "Access:       %s\n", info.Access)
	fmt.Fprintf(p.w, "Expires In:   %s\n", formatDuration(time.Until(info.ExpiresAt)))
	if !info.NextRenewal.IsZero() {
		fmt.Fprintf(p.w, "Renewal:      %s (%s)\n", info.NextRenewal.Format(time.TimeOnly), info.Scheduler)
	}
	fmt.Fprintln(p.w, "========================================")
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

func displayName(info SessionInfo) string {
	if info.Name == "" {
		return info.UserID
	}
	return fmt.Sprintf("%s (%s)", info.Name, info.UserID)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner()                        {}
func (NoopDisplayer) SessionResumed(_ SessionInfo)   {}
func (NoopDisplayer) SessionNotFound()               {}
func (NoopDisplayer) LoggingIn(_ string)             {}
func (NoopDisplayer) LoggedIn(_ SessionInfo)         {}
func (NoopDisplayer) LoginFailed(_ error)            {}
func (NoopDisplayer) SessionSaved(_ string)          {}
func (NoopDisplayer) SessionSaveFailed(_ error)      {}
func (NoopDisplayer) RenewalScheduled(_ time.Time)   {}
func (NoopDisplayer) Renewed(_ SessionInfo)          {}
func (NoopDisplayer) SessionTerminated(_ error)      {}
func (NoopDisplayer) LoggedOut()                     {}
func (NoopDisplayer) AccessAllowed(_ string)         {}
func (NoopDisplayer) AccessDenied(_ string, _ error) {}
func (NoopDisplayer) APICallOK(_ int, _ string)      {}
func (NoopDisplayer) APICallFailed(_ error)          {}
func (NoopDisplayer) Done(_ SessionInfo)             {}
func (NoopDisplayer) Fatal(_ error)                  {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner() {
	t.p.Send(MsgBanner{})
}

func (t *ProgramDisplayer) SessionResumed(info SessionInfo) {
	t.p.Send(MsgSessionResumed{Info: info})
}

func (t *ProgramDisplayer) SessionNotFound() {
	t.p.Send(MsgSessionNotFound{})
}

func (t *ProgramDisplayer) LoggingIn(username string) {
	t.p.Send(MsgLoggingIn{Username: username})
}

func (t *ProgramDisplayer) LoggedIn(info SessionInfo) {
	t.p.Send(MsgLoggedIn{Info: info})
}

func (t *ProgramDisplayer) LoginFailed(err error) {
	t.p.Send(MsgLoginFailed{Err: err})
}

func (t *ProgramDisplayer) SessionSaved(location string) {
	t.p.Send(MsgSessionSaved{Location: location})
}

func (t *ProgramDisplayer) SessionSaveFailed(err error) {
	t.p.Send(MsgSessionSaveFailed{Err: err})
}

func (t *ProgramDisplayer) RenewalScheduled(fireAt time.Time) {
	t.p.Send(MsgRenewalScheduled{FireAt: fireAt})
}

func (t *ProgramDisplayer) Renewed(info SessionInfo) {
	t.p.Send(MsgRenewed{Info: info})
}

func (t *ProgramDisplayer) SessionTerminated(err error) {
	t.p.Send(MsgSessionTerminated{Err: err})
}

func (t *ProgramDisplayer) LoggedOut() {
	t.p.Send(MsgLoggedOut{})
}

func (t *ProgramDisplayer) AccessAllowed(requirement string) {
	t.p.Send(MsgAccessAllowed{Requirement: requirement})
}

func (t *ProgramDisplayer) AccessDenied(requirement string, err error) {
	t.p.Send(MsgAccessDenied{Requirement: requirement, Err: err})
}

func (t *ProgramDisplayer) APICallOK(status int, body string) {
	t.p.Send(MsgAPICallOK{Status: status, Body: body})
}

func (t *ProgramDisplayer) APICallFailed(err error) {
	t.p.Send(MsgAPICallFailed{Err: err})
}

func (t *ProgramDisplayer) Done(info SessionInfo) {
	t.p.Send(MsgDone{Info: info})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
