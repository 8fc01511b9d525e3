// Package session owns the client-side credential state: it recovers a
// session on start-up through a fixed chain of strategies and exposes the
// login, register, logout and LINE login operations.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/go-authgate/storefront/apiclient"
	"github.com/go-authgate/storefront/browser"
	"github.com/go-authgate/storefront/credential"
	"github.com/go-authgate/storefront/store"
)

// DefaultBootstrapTimeout bounds one Bootstrap run.
const DefaultBootstrapTimeout = 15 * time.Second

var (
	// ErrSuperseded is returned by a Bootstrap run that was replaced by a
	// newer run or by Logout before it finished. Such a run writes nothing.
	ErrSuperseded = errors.New("session: bootstrap superseded")

	// ErrLineNotConfigured is returned by LoginWithLine without a channel id.
	ErrLineNotConfigured = errors.New("session: LINE channel id is not configured")
)

// Endpoints are the BFF paths the manager calls.
type Endpoints struct {
	Exchange string
	LineCode string
	Validate string
	Me       string
	Login    string
	Register string
	Logout   string
}

// DefaultEndpoints returns the storefront BFF routes.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Exchange: "/api/external/auth/exchange",
		LineCode: "/api/external/auth/line",
		Validate: "/api/external/auth/validate",
		Me:       "/api/auth/me",
		Login:    "/api/auth/login",
		Register: "/api/auth/register",
		Logout:   "/api/auth/logout",
	}
}

// Config configures a Manager. Zero fields take defaults.
type Config struct {
	Endpoints        Endpoints
	LineChannelID    string
	LineRedirectURI  string
	Locale           string
	BootstrapTimeout time.Duration
}

// State is a snapshot of the session.
type State struct {
	User    credential.User
	Token   string
	Loading bool
}

// Authenticated reports whether a user is present. A cookie-only session is
// authenticated without a token.
func (s State) Authenticated() bool { return s.User != nil }

// Observer receives bootstrap progress. tui.Displayer implements it.
type Observer interface {
	StrategyAttempted(s Strategy)
	StrategyFailed(s Strategy, err error)
	SessionSaveFailed(err error)
}

type nopObserver struct{}

func (nopObserver) StrategyAttempted(Strategy)     {}
func (nopObserver) StrategyFailed(Strategy, error) {}
func (nopObserver) SessionSaveFailed(error)        {}

// Navigator sends the user agent to a URL (a full-page redirect in a
// browser, an external browser for the CLI).
type Navigator interface {
	Navigate(ctx context.Context, url string) error
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, url string) error

// Navigate calls f.
func (f NavigatorFunc) Navigate(ctx context.Context, url string) error { return f(ctx, url) }

// BrowserNavigator opens URLs in the default browser.
var BrowserNavigator Navigator = NavigatorFunc(func(_ context.Context, url string) error {
	return browser.Open(url)
})

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithObserver reports bootstrap progress to o.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithNavigator overrides how LoginWithLine leaves the application.
func WithNavigator(n Navigator) Option {
	return func(m *Manager) {
		if n != nil {
			m.navigator = n
		}
	}
}

// WithClock overrides the time source used for temporary tokens.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager is safe for concurrent use.
type Manager struct {
	client    *apiclient.Client
	store     store.Store
	cfg       Config
	msgs      messages
	logger    *zap.Logger
	observer  Observer
	navigator Navigator
	now       func() time.Time

	mu         sync.Mutex
	user       credential.User
	token      string
	loading    bool
	generation uint64
	cancelRun  context.CancelFunc
}

// New returns a manager in the loading state. The manager drops its
// in-memory credentials whenever client gives up on a refresh.
func New(client *apiclient.Client, st store.Store, cfg Config, opts ...Option) *Manager {
	if cfg.Endpoints == (Endpoints{}) {
		cfg.Endpoints = DefaultEndpoints()
	}
	if cfg.BootstrapTimeout <= 0 {
		cfg.BootstrapTimeout = DefaultBootstrapTimeout
	}

	m := &Manager{
		client:    client,
		store:     st,
		cfg:       cfg,
		msgs:      messagesFor(cfg.Locale),
		logger:    zap.NewNop(),
		observer:  nopObserver{},
		navigator: BrowserNavigator,
		now:       time.Now,
		loading:   true,
	}
	for _, opt := range opts {
		opt(m)
	}
	client.NotifyCredentialsCleared(m.dropCredentials)
	return m
}

// State returns a snapshot of the session.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{User: m.user, Token: m.token, Loading: m.loading}
}

// IsAuthenticated reports whether a user is present.
func (m *Manager) IsAuthenticated() bool {
	return m.State().Authenticated()
}

// UpdateUser replaces the in-memory and persisted user. A bootstrap still
// running is superseded.
func (m *Manager) UpdateUser(ctx context.Context, u credential.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.supersedeLocked()
	m.user = u
	if u == nil {
		if err := m.store.Delete(ctx, store.KeyUser); err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		return nil
	}
	raw, err := u.Marshal()
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, store.KeyUser, raw); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// dropCredentials forgets the in-memory session after the client has
// cleared the persisted one.
func (m *Manager) dropCredentials() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user = nil
	m.token = ""
}

// persistLocked writes user and token to memory and the store. An empty
// token is removed. Store failures are reported but leave memory updated.
// m.mu must be held.
func (m *Manager) persistLocked(ctx context.Context, u credential.User, token string) {
	m.user = u
	m.token = token

	if err := m.writeStore(ctx, u, token); err != nil {
		m.logger.Warn("failed to persist session", zap.Error(err))
		m.observer.SessionSaveFailed(err)
	}
}

func (m *Manager) writeStore(ctx context.Context, u credential.User, token string) error {
	if u == nil {
		if err := m.store.Delete(ctx, store.KeyUser); err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
	} else {
		raw, err := u.Marshal()
		if err != nil {
			return err
		}
		if err := m.store.Set(ctx, store.KeyUser, raw); err != nil {
			return fmt.Errorf("save user: %w", err)
		}
	}

	if token == "" {
		if err := m.store.Delete(ctx, store.KeyToken); err != nil {
			return fmt.Errorf("delete token: %w", err)
		}
		return nil
	}
	if err := m.store.Set(ctx, store.KeyToken, token); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// storedSession reads the persisted token and user. A user that no longer
// decodes is treated as absent.
func (m *Manager) storedSession(ctx context.Context) (string, credential.User) {
	token, err := store.Lookup(ctx, m.store, store.KeyToken)
	if err != nil {
		m.logger.Warn("failed to read stored token", zap.Error(err))
	}
	raw, err := store.Lookup(ctx, m.store, store.KeyUser)
	if err != nil {
		m.logger.Warn("failed to read stored user", zap.Error(err))
	}
	u, err := credential.UnmarshalUser(raw)
	if err != nil {
		m.logger.Warn("discarding unreadable stored user", zap.Error(err))
	}
	return token, u
}

// migrateLegacy moves values from the older elearning_* keys to the
// canonical keys and removes the old ones.
func (m *Manager) migrateLegacy(ctx context.Context) {
	pairs := []struct{ from, to string }{
		{store.LegacyKeyToken, store.KeyToken},
		{store.LegacyKeyUser, store.KeyUser},
	}
	for _, p := range pairs {
		old, err := store.Lookup(ctx, m.store, p.from)
		if err != nil || old == "" {
			continue
		}
		current, err := store.Lookup(ctx, m.store, p.to)
		if err != nil {
			continue
		}
		if current == "" {
			if err := m.store.Set(ctx, p.to, old); err != nil {
				m.logger.Warn("failed to migrate legacy session key", zap.String("key", p.from), zap.Error(err))
				continue
			}
		}
		if err := m.store.Delete(ctx, p.from); err != nil {
			m.logger.Warn("failed to remove legacy session key", zap.String("key", p.from), zap.Error(err))
		}
	}
}
