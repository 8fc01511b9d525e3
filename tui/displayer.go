package tui

import (
	"fmt"
	"io"

	tea "charm.land/bubbletea/v2"

	"github.com/go-authgate/storefront/credential"
	"github.com/go-authgate/storefront/session"
)

// Displayer abstracts all output from the session commands. It also
// receives refresh events from the API client and bootstrap events from
// the session manager.
type Displayer interface {
	Banner()

	StrategyAttempted(s session.Strategy)
	StrategyFailed(s session.Strategy, err error)
	SessionRestored(s session.Strategy, user credential.User, durable bool)
	NoSession()
	SessionSaveFailed(err error)

	AccessTokenRejected()
	Refreshing()
	RefreshOK()
	RefreshFailed(err error)
	TokenRefreshedRetrying()

	LoginURLReady(url string)
	SignedIn(user credential.User)
	SignedOut()
	APICallOK(path string, status int)
	APICallFailed(path string, err error)
	Done(user credential.User)
	Fatal(err error)
}

func describeUser(u credential.User) string {
	if u == nil {
		return "anonymous"
	}
	name, id := u.Name(), u.ID()
	switch {
	case name != "" && id != "":
		return fmt.Sprintf("%s (%s)", name, id)
	case name != "":
		return name
	case id != "":
		return id
	default:
		return "unknown user"
	}
}

// PlainDisplayer writes plain text output to w.
// Used when stdout is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner() {
	fmt.Fprintln(p.w, "=== Storefront Session ===")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) StrategyAttempted(s session.Strategy) {
	fmt.Fprintf(p.w, "Trying %s...\n", s)
}

func (p *PlainDisplayer) StrategyFailed(s session.Strategy, err error) {
	fmt.Fprintf(p.w, "%s failed: %v\n", s, err)
}

func (p *PlainDisplayer) SessionRestored(s session.Strategy, user credential.User, durable bool) {
	fmt.Fprintf(p.w, "Session restored via %s: %s\n", s, describeUser(user))
	if !durable {
		fmt.Fprintln(p.w, "Warning: using a temporary token, sign in again to keep the session.")
	}
}

func (p *PlainDisplayer) NoSession() {
	fmt.Fprintln(p.w, "No session found.")
}

func (p *PlainDisplayer) SessionSaveFailed(err error) {
	fmt.Fprintf(p.w, "Warning: Failed to save session: %v\n", err)
}

func (p *PlainDisplayer) AccessTokenRejected() {
	fmt.Fprintln(p.w, "Access token rejected (401), refreshing...")
}

func (p *PlainDisplayer) Refreshing() {
	fmt.Fprintln(p.w, "Refreshing access token...")
}

func (p *PlainDisplayer) RefreshOK() {
	fmt.Fprintln(p.w, "Token refreshed successfully!")
}

func (p *PlainDisplayer) RefreshFailed(err error) {
	fmt.Fprintf(p.w, "Refresh failed: %v\n", err)
	fmt.Fprintln(p.w, "Session cleared, please sign in again.")
}

func (p *PlainDisplayer) TokenRefreshedRetrying() {
	fmt.Fprintln(p.w, "Token refreshed, retrying API call...")
}

func (p *PlainDisplayer) LoginURLReady(url string) {
	fmt.Fprintln(p.w, "----------------------------------------")
	fmt.Fprintf(p.w, "Please open this link to sign in with LINE:\n%s\n", url)
	fmt.Fprintln(p.w, "----------------------------------------")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) SignedIn(user credential.User) {
	fmt.Fprintf(p.w, "Signed in as %s\n", describeUser(user))
}

func (p *PlainDisplayer) SignedOut() {
	fmt.Fprintln(p.w, "Signed out.")
}

func (p *PlainDisplayer) APICallOK(path string, status int) {
	fmt.Fprintf(p.w, "GET %s: %d\n", path, status)
}

func (p *PlainDisplayer) APICallFailed(path string, err error) {
	fmt.Fprintf(p.w, "GET %s failed: %v\n", path, err)
}

func (p *PlainDisplayer) Done(user credential.User) {
	fmt.Fprintln(p.w, "\n========================================")
	fmt.Fprintf(p.w, "User: %s\n", describeUser(user))
	fmt.Fprintln(p.w, "========================================")
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner()                                                       {}
func (NoopDisplayer) StrategyAttempted(_ session.Strategy)                          {}
func (NoopDisplayer) StrategyFailed(_ session.Strategy, _ error)                    {}
func (NoopDisplayer) SessionRestored(_ session.Strategy, _ credential.User, _ bool) {}
func (NoopDisplayer) NoSession()                                                    {}
func (NoopDisplayer) SessionSaveFailed(_ error)                                     {}
func (NoopDisplayer) AccessTokenRejected()                                          {}
func (NoopDisplayer) Refreshing()                                                   {}
func (NoopDisplayer) RefreshOK()                                                    {}
func (NoopDisplayer) RefreshFailed(_ error)                                         {}
func (NoopDisplayer) TokenRefreshedRetrying()                                       {}
func (NoopDisplayer) LoginURLReady(_ string)                                        {}
func (NoopDisplayer) SignedIn(_ credential.User)                                    {}
func (NoopDisplayer) SignedOut()                                                    {}
func (NoopDisplayer) APICallOK(_ string, _ int)                                     {}
func (NoopDisplayer) APICallFailed(_ string, _ error)                               {}
func (NoopDisplayer) Done(_ credential.User)                                        {}
func (NoopDisplayer) Fatal(_ error)                                                 {}

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

func (t *ProgramDisplayer) StrategyAttempted(s session.Strategy) {
	t.p.Send(MsgStrategyAttempted{Strategy: s})
}

func (t *ProgramDisplayer) StrategyFailed(s session.Strategy, err error) {
	t.p.Send(MsgStrategyFailed{Strategy: s, Err: err})
}

func (t *ProgramDisplayer) SessionRestored(s session.Strategy, user credential.User, durable bool) {
	t.p.Send(MsgSessionRestored{Strategy: s, User: user, Durable: durable})
}

func (t *ProgramDisplayer) NoSession() {
	t.p.Send(MsgNoSession{})
}

func (t *ProgramDisplayer) SessionSaveFailed(err error) {
	t.p.Send(MsgSessionSaveFailed{Err: err})
}

func (t *ProgramDisplayer) AccessTokenRejected() {
	t.p.Send(MsgAccessTokenRejected{})
}

func (t *ProgramDisplayer) Refreshing() {
	t.p.Send(MsgRefreshing{})
}

func (t *ProgramDisplayer) RefreshOK() {
	t.p.Send(MsgRefreshOK{})
}

func (t *ProgramDisplayer) RefreshFailed(err error) {
	t.p.Send(MsgRefreshFailed{Err: err})
}

func (t *ProgramDisplayer) TokenRefreshedRetrying() {
	t.p.Send(MsgTokenRefreshedRetrying{})
}

func (t *ProgramDisplayer) LoginURLReady(url string) {
	t.p.Send(MsgLoginURLReady{URL: url})
}

func (t *ProgramDisplayer) SignedIn(user credential.User) {
	t.p.Send(MsgSignedIn{User: user})
}

func (t *ProgramDisplayer) SignedOut() {
	t.p.Send(MsgSignedOut{})
}

func (t *ProgramDisplayer) APICallOK(path string, status int) {
	t.p.Send(MsgAPICallOK{Path: path, Status: status})
}

func (t *ProgramDisplayer) APICallFailed(path string, err error) {
	t.p.Send(MsgAPICallFailed{Path: path, Err: err})
}

func (t *ProgramDisplayer) Done(user credential.User) {
	t.p.Send(MsgDone{User: user})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
