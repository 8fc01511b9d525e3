package session

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/go-authgate/storefront/apiclient"
	"github.com/go-authgate/storefront/credential"
	"github.com/go-authgate/storefront/line"
	"github.com/go-authgate/storefront/store"
)

// Result is the outcome of Login or Register. Error is a short message fit
// for display; raw transport errors are never exposed.
type Result struct {
	Success bool
	User    credential.User
	Error   string
}

// Login authenticates with email and password. A successful login
// supersedes a bootstrap still running.
func (m *Manager) Login(ctx context.Context, email, password string) Result {
	return m.authenticate(ctx, m.cfg.Endpoints.Login, map[string]string{
		"email":    email,
		"password": password,
	}, m.msgs.LoginFailed)
}

// Register creates an account from input and signs it in.
func (m *Manager) Register(ctx context.Context, input map[string]any) Result {
	return m.authenticate(ctx, m.cfg.Endpoints.Register, input, m.msgs.RegisterFailed)
}

func (m *Manager) authenticate(ctx context.Context, path string, body any, fallback string) Result {
	resp, err := m.client.Do(ctx, &apiclient.Request{
		Method:    http.MethodPost,
		Path:      path,
		Body:      body,
		NoRefresh: true,
	})
	if err != nil {
		var se *apiclient.StatusError
		if errors.As(err, &se) {
			if msg := credential.Parse(se.Body).Message; msg != "" {
				return Result{Error: msg}
			}
			return Result{Error: fallback}
		}
		m.logger.Warn("authentication request failed", zap.String("path", path), zap.Error(err))
		return Result{Error: m.msgs.Network}
	}

	creds := credential.Parse(resp.Body)
	if !creds.Success {
		if creds.Message != "" {
			return Result{Error: creds.Message}
		}
		return Result{Error: fallback}
	}
	if creds.User == nil {
		return Result{Error: m.msgs.InvalidResponse}
	}

	m.mu.Lock()
	m.supersedeLocked()
	m.persistLocked(ctx, creds.User, creds.Token)
	m.mu.Unlock()

	return Result{Success: true, User: creds.User}
}

// Logout tells the server to end the session, ignoring failures, then clears
// the local session unconditionally. A bootstrap still running is
// superseded.
func (m *Manager) Logout(ctx context.Context) {
	if _, err := m.client.Do(ctx, &apiclient.Request{
		Method:    http.MethodPost,
		Path:      m.cfg.Endpoints.Logout,
		NoRefresh: true,
	}); err != nil {
		m.logger.Debug("logout request failed", zap.Error(err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.supersedeLocked()
	m.user = nil
	m.token = ""

	err := m.store.Delete(context.WithoutCancel(ctx),
		store.KeyToken, store.KeyUser,
		store.LegacyKeyToken, store.LegacyKeyUser,
	)
	if err != nil {
		m.logger.Warn("failed to clear stored session", zap.Error(err))
		m.observer.SessionSaveFailed(err)
	}
}

// LoginWithLine builds the LINE authorize URL that returns to currentURL
// after login and navigates to it. The URL is returned even when navigation
// fails so it can be shown to the user.
func (m *Manager) LoginWithLine(ctx context.Context, currentURL string) (string, error) {
	if m.cfg.LineChannelID == "" {
		return "", ErrLineNotConfigured
	}
	authURL := line.LoginURL(m.cfg.LineChannelID, m.cfg.LineRedirectURI, currentURL)
	if err := m.navigator.Navigate(ctx, authURL); err != nil {
		return authURL, err
	}
	return authURL, nil
}
