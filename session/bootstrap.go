package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/go-authgate/storefront/apiclient"
	"github.com/go-authgate/storefront/credential"
)

// Strategy names the bootstrap branch that produced a session.
type Strategy string

// Bootstrap strategies in precedence order.
const (
	StrategyRedirect    Strategy = "redirect"
	StrategyOAuthCode   Strategy = "oauth_code"
	StrategyStoredToken Strategy = "stored_token"
	StrategyStoredUser  Strategy = "stored_user"
	StrategyCookie      Strategy = "server_cookie"
	StrategyNone        Strategy = "none"
)

// Query parameters consumed by bootstrap.
var (
	redirectParams = []string{"login_success", "user_id", "user_name", "line_id"}
	oauthParams    = []string{"code", "state"}
)

// BootstrapResult reports how the session was established.
type BootstrapResult struct {
	Strategy Strategy
	// Location is the input location minus the query parameters bootstrap
	// consumed. Callers replace the visible URL with it.
	Location *url.URL
	// Durable is false when the session rests on a temporary token.
	Durable bool
	User    credential.User
}

// Bootstrap establishes the session for a page load at location, trying the
// recovery strategies in precedence order. Starting a new Bootstrap cancels
// the previous one, which then returns ErrSuperseded without writing state.
// Recovery failures are absorbed: the result is StrategyNone with a nil
// error.
func (m *Manager) Bootstrap(ctx context.Context, location *url.URL) (*BootstrapResult, error) {
	ctx, run := m.beginRun(ctx)
	defer m.finishRun(run)

	res := &BootstrapResult{Strategy: StrategyNone, Location: cloneURL(location)}

	m.migrateLegacy(ctx)

	if err := m.bootstrap(ctx, run, res); err != nil {
		return nil, err
	}
	if !m.isCurrent(run) {
		return nil, ErrSuperseded
	}
	return res, nil
}

func (m *Manager) bootstrap(ctx context.Context, run uint64, res *BootstrapResult) error {
	q := res.Location.Query()

	if q.Get("login_success") == "true" && q.Get("user_id") != "" && q.Get("user_name") != "" {
		res.Location = stripQuery(res.Location, redirectParams...)
		return m.fromRedirect(ctx, run, res, q)
	}

	if code := q.Get("code"); code != "" {
		res.Location = stripQuery(res.Location, oauthParams...)
		done, err := m.fromOAuthCode(ctx, run, res, code)
		if done || err != nil || ctx.Err() != nil {
			return err
		}
	}

	token, stored := m.storedSession(ctx)

	if token != "" {
		done, err := m.fromStoredToken(ctx, run, res, token, stored)
		if done || err != nil {
			return err
		}
		// Validation rejected the token and removed the stored user.
		stored = nil
	}

	if stored != nil {
		m.observer.StrategyAttempted(StrategyStoredUser)
		if err := m.commit(ctx, run, stored, ""); err != nil {
			return err
		}
		res.Strategy = StrategyStoredUser
		res.User = stored
		return nil
	}

	return m.fromCookie(ctx, run, res)
}

func (m *Manager) fromRedirect(ctx context.Context, run uint64, res *BootstrapResult, q url.Values) error {
	m.observer.StrategyAttempted(StrategyRedirect)

	userID, lineID := q.Get("user_id"), q.Get("line_id")
	provisional := credential.User{"id": userID, "name": q.Get("user_name")}
	body := map[string]string{"user_id": userID}
	if lineID != "" {
		provisional["line_id"] = lineID
		body["line_id"] = lineID
	}

	res.Strategy = StrategyRedirect

	creds, err := m.call(ctx, http.MethodPost, m.cfg.Endpoints.Exchange, body)
	if err == nil && creds.Token != "" {
		u := creds.User
		if u == nil {
			u = provisional
		}
		if err := m.commit(ctx, run, u, creds.Token); err != nil {
			return err
		}
		res.User, res.Durable = u, true
		return nil
	}
	if err == nil {
		err = errors.New("exchange returned no token")
	}

	m.observer.StrategyFailed(StrategyRedirect, err)
	m.logger.Info("user id exchange failed, using temporary token",
		zap.String("user_id", userID), zap.Error(err))

	temp := fmt.Sprintf("temp_%s_%d", userID, m.now().UnixMilli())
	if err := m.commit(ctx, run, provisional, temp); err != nil {
		return err
	}
	res.User, res.Durable = provisional, false
	return nil
}

func (m *Manager) fromOAuthCode(ctx context.Context, run uint64, res *BootstrapResult, code string) (bool, error) {
	m.observer.StrategyAttempted(StrategyOAuthCode)

	creds, err := m.call(ctx, http.MethodPost, m.cfg.Endpoints.LineCode, map[string]string{
		"code":         code,
		"redirect_uri": m.cfg.LineRedirectURI,
	})
	if err == nil && creds.User == nil {
		err = errors.New("code exchange returned no user")
	}
	if err != nil {
		m.observer.StrategyFailed(StrategyOAuthCode, err)
		m.logger.Info("authorization code exchange failed", zap.Error(err))
		return false, nil
	}

	if err := m.commit(ctx, run, creds.User, creds.Token); err != nil {
		return true, err
	}
	res.Strategy = StrategyOAuthCode
	res.User, res.Durable = creds.User, creds.Token != ""
	return true, nil
}

func (m *Manager) fromStoredToken(
	ctx context.Context,
	run uint64,
	res *BootstrapResult,
	token string,
	stored credential.User,
) (bool, error) {
	m.observer.StrategyAttempted(StrategyStoredToken)

	creds, err := m.call(ctx, http.MethodPost, m.cfg.Endpoints.Validate, map[string]string{"token": token})
	if err == nil {
		u := creds.User
		if u == nil {
			u = stored
		}
		if u == nil {
			err = errors.New("validation returned no user")
		} else {
			if err := m.commit(ctx, run, u, token); err != nil {
				return true, err
			}
			res.Strategy = StrategyStoredToken
			res.User, res.Durable = u, true
			return true, nil
		}
	}

	m.observer.StrategyFailed(StrategyStoredToken, err)
	if ctx.Err() != nil {
		// Out of time or superseded; the token was never judged.
		return true, nil
	}
	m.logger.Info("stored token rejected", zap.Error(err))
	if err := m.commit(ctx, run, nil, ""); err != nil {
		return true, err
	}
	return false, nil
}

func (m *Manager) fromCookie(ctx context.Context, run uint64, res *BootstrapResult) error {
	m.observer.StrategyAttempted(StrategyCookie)

	creds, err := m.call(ctx, http.MethodGet, m.cfg.Endpoints.Me, nil)
	if err == nil && creds.User == nil {
		err = errors.New("no user in session")
	}
	if err != nil {
		m.observer.StrategyFailed(StrategyCookie, err)
		m.logger.Debug("no server session", zap.Error(err))
		return nil
	}

	if err := m.commit(ctx, run, creds.User, creds.Token); err != nil {
		return err
	}
	res.Strategy = StrategyCookie
	res.User, res.Durable = creds.User, true
	return nil
}

// call sends a bootstrap or login request without refresh recovery and
// normalizes the payload. An explicit success:false is an error.
func (m *Manager) call(ctx context.Context, method, path string, body any) (credential.Credentials, error) {
	resp, err := m.client.Do(ctx, &apiclient.Request{
		Method:    method,
		Path:      path,
		Body:      body,
		NoRefresh: true,
	})
	if err != nil {
		return credential.Credentials{}, err
	}
	creds := credential.Parse(resp.Body)
	if !creds.Success {
		msg := creds.Message
		if msg == "" {
			msg = "request was not successful"
		}
		return creds, errors.New(msg)
	}
	return creds, nil
}

// beginRun cancels any running bootstrap and starts a new generation.
func (m *Manager) beginRun(ctx context.Context) (context.Context, uint64) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.BootstrapTimeout)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelRun != nil {
		m.cancelRun()
	}
	m.generation++
	m.cancelRun = cancel
	m.loading = true
	return ctx, m.generation
}

// finishRun clears loading if run is still the current generation.
func (m *Manager) finishRun(run uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != run {
		return
	}
	m.loading = false
	if m.cancelRun != nil {
		m.cancelRun()
		m.cancelRun = nil
	}
}

// supersedeLocked invalidates the running bootstrap, if any. m.mu must be held.
func (m *Manager) supersedeLocked() {
	if m.cancelRun != nil {
		m.cancelRun()
		m.cancelRun = nil
	}
	m.generation++
	m.loading = false
}

func (m *Manager) isCurrent(run uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation == run
}

// commit applies a bootstrap outcome unless run has been superseded.
func (m *Manager) commit(ctx context.Context, run uint64, u credential.User, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != run {
		return ErrSuperseded
	}
	m.persistLocked(context.WithoutCancel(ctx), u, token)
	return nil
}

func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return &url.URL{}
	}
	cp := *u
	if u.User != nil {
		user := *u.User
		cp.User = &user
	}
	return &cp
}

// stripQuery returns u without the named query parameters.
func stripQuery(u *url.URL, keys ...string) *url.URL {
	cp := cloneURL(u)
	q := cp.Query()
	for _, k := range keys {
		q.Del(k)
	}
	cp.RawQuery = q.Encode()
	return cp
}
