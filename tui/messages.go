package tui

import (
	"github.com/go-authgate/storefront/credential"
	"github.com/go-authgate/storefront/session"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgStrategyAttempted signals that a bootstrap strategy is being tried.
type MsgStrategyAttempted struct{ Strategy session.Strategy }

// MsgStrategyFailed signals that a bootstrap strategy did not yield a session.
type MsgStrategyFailed struct {
	Strategy session.Strategy
	Err      error
}

// MsgSessionRestored signals that bootstrap established a session.
type MsgSessionRestored struct {
	Strategy session.Strategy
	User     credential.User
	Durable  bool
}

// MsgNoSession signals that bootstrap found nothing to restore.
type MsgNoSession struct{}

// MsgSessionSaveFailed signals that the session could not be persisted.
type MsgSessionSaveFailed struct{ Err error }

// MsgAccessTokenRejected signals that the access token was rejected (401).
type MsgAccessTokenRejected struct{}

// MsgRefreshing signals that a token refresh is in progress.
type MsgRefreshing struct{}

// MsgRefreshOK signals that the token was refreshed successfully.
type MsgRefreshOK struct{}

// MsgRefreshFailed signals that token refresh failed and the session was dropped.
type MsgRefreshFailed struct{ Err error }

// MsgTokenRefreshedRetrying signals that the token was refreshed and a retry is starting.
type MsgTokenRefreshedRetrying struct{}

// MsgLoginURLReady signals that the user must finish login in a browser.
type MsgLoginURLReady struct{ URL string }

// MsgSignedIn signals a successful credential login or registration.
type MsgSignedIn struct{ User credential.User }

// MsgSignedOut signals that the session was cleared.
type MsgSignedOut struct{}

// MsgAPICallOK signals that an API call succeeded.
type MsgAPICallOK struct {
	Path   string
	Status int
}

// MsgAPICallFailed signals that an API call failed.
type MsgAPICallFailed struct {
	Path string
	Err  error
}

// MsgDone signals that the command finished.
type MsgDone struct{ User credential.User }

// MsgFatal signals a fatal error that should terminate the command.
type MsgFatal struct{ Err error }
