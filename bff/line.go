package bff

import (
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/go-authgate/storefront/credential"
	"github.com/go-authgate/storefront/line"
)

// lineError is a LINE-side rejection that is safe to show to the user.
type lineError struct {
	message string
	cause   error
}

func (e *lineError) Error() string { return e.message + ": " + e.cause.Error() }
func (e *lineError) Unwrap() error { return e.cause }

// lineRedirectURI is the callback registered with the LINE channel.
func (s *Server) lineRedirectURI(r *http.Request) string {
	base := s.cfg.PublicBaseURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		base = scheme + "://" + r.Host
	}
	return base + s.cfg.LineCallbackPath
}

// exchangeLineCode turns a code into an app session. With a channel secret
// the BFF verifies the LINE ID token itself and asks the upstream for a
// session by LINE id; otherwise the upstream performs the exchange.
func (s *Server) exchangeLineCode(r *http.Request, req lineCodeRequest) (*reply, error) {
	ctx := r.Context()
	if s.exchanger == nil {
		payload, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}
		return s.upstream.callJSON(ctx, r, http.MethodPost, "/auth/line", payload)
	}

	profile, err := s.exchanger.Exchange(ctx, req.Code)
	if err != nil {
		return nil, &lineError{message: "LINE login could not be verified", cause: err}
	}
	payload, err := json.Marshal(map[string]string{
		"line_id":  profile.UserID,
		"name":     profile.Name,
		"picture":  profile.Picture,
		"email":    profile.Email,
		"id_token": profile.IDToken,
	})
	if err != nil {
		return nil, err
	}
	return s.upstream.callJSON(ctx, r, http.MethodPost, "/auth/line/exchange", payload)
}

// handleLineLogin redirects to the LINE authorize page, remembering
// returnUrl in the state.
func (s *Server) handleLineLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.LineChannelID == "" {
		writeError(w, http.StatusInternalServerError, "LINE login is not configured")
		return
	}
	returnURL := s.safeReturnURL(r.URL.Query().Get("returnUrl"))
	http.Redirect(w, r, line.LoginURL(s.cfg.LineChannelID, s.lineRedirectURI(r), returnURL), http.StatusFound)
}

// handleLineCallback completes a LINE login started by the browser. On
// success the session cookies are set and the browser returns to the page
// recorded in the state, carrying the login result in the query.
func (s *Server) handleLineCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	returnURL := s.safeReturnURL(line.DecodeState(q.Get("state")).ReturnURL)

	if e := q.Get("error"); e != "" {
		s.metrics.recordLogin("line", false)
		msg := q.Get("error_description")
		if msg == "" {
			msg = e
		}
		renderLoginError(w, http.StatusBadRequest, msg, returnURL)
		return
	}

	code := q.Get("code")
	if code == "" {
		renderLoginError(w, http.StatusBadRequest, "The login response did not include an authorization code.", returnURL)
		return
	}

	rep, err := s.exchangeLineCode(r, lineCodeRequest{Code: code, RedirectURI: s.lineRedirectURI(r)})
	if err != nil {
		s.metrics.recordLogin("line", false)
		s.metrics.UpstreamErrors.WithLabelValues(routeName(r)).Inc()
		s.logger.Error("LINE callback exchange failed",
			zap.String("request_id", RequestIDFrom(r.Context())), zap.Error(err))
		renderLoginError(w, http.StatusBadGateway, "We could not complete your LINE login. Please try again.", returnURL)
		return
	}

	creds := s.issueSession(w, rep, "line")
	if !rep.ok() || !creds.Success || creds.User == nil {
		msg := creds.Message
		if msg == "" {
			msg = "Your LINE account could not be signed in."
		}
		status := rep.Status
		if rep.ok() {
			status = http.StatusUnauthorized
		}
		renderLoginError(w, status, msg, returnURL)
		return
	}

	http.Redirect(w, r, withLoginResult(returnURL, creds.User), http.StatusFound)
}

// withLoginResult appends the login_success parameters the front-end
// bootstrap consumes.
func withLoginResult(returnURL string, u credential.User) string {
	target, err := url.Parse(returnURL)
	if err != nil {
		target = &url.URL{Path: "/"}
	}
	q := target.Query()
	q.Set("login_success", "true")
	q.Set("user_id", u.ID())
	q.Set("user_name", u.Name())
	if lineID, ok := u["line_id"].(string); ok && lineID != "" {
		q.Set("line_id", lineID)
	}
	target.RawQuery = q.Encode()
	return target.String()
}

// safeReturnURL keeps local paths and absolute URLs on trusted hosts; any
// other value becomes "/".
func (s *Server) safeReturnURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "/"
	}
	if u.Scheme == "" && u.Host == "" {
		if !strings.HasPrefix(u.Path, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
			return "/"
		}
		return u.String()
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "/"
	}
	if s.trustedRedirectHost(u.Host) {
		return u.String()
	}
	return "/"
}

func (s *Server) trustedRedirectHost(host string) bool {
	if s.cfg.PublicBaseURL != "" {
		if pub, err := url.Parse(s.cfg.PublicBaseURL); err == nil && strings.EqualFold(pub.Host, host) {
			return true
		}
	}
	return slices.ContainsFunc(s.cfg.AllowedRedirectHosts, func(h string) bool {
		return strings.EqualFold(strings.TrimSpace(h), host)
	})
}
