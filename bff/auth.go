package bff

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/go-authgate/storefront/credential"
)

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}
	return body, true
}

// relay writes an upstream reply back unchanged.
func relay(w http.ResponseWriter, rep *reply) {
	if rep.Body == nil {
		w.WriteHeader(rep.Status)
		return
	}
	writeRaw(w, rep.Status, rep.Body)
}

// handleCredentials forwards a credential-issuing POST and, on success,
// mirrors the resulting session into the BFF cookies.
func (s *Server) handleCredentials(upstreamPath, flow string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		if !json.Valid(body) {
			writeError(w, http.StatusBadRequest, "Request body must be JSON")
			return
		}

		rep, err := s.upstream.callJSON(r.Context(), r, http.MethodPost, upstreamPath, body)
		if err != nil {
			s.metrics.recordLogin(flow, false)
			s.upstreamFailed(w, r, err)
			return
		}

		s.issueSession(w, rep, flow)
		relay(w, rep)
	}
}

// issueSession sets the session cookies when rep carries a successful
// credential payload.
func (s *Server) issueSession(w http.ResponseWriter, rep *reply, flow string) credential.Credentials {
	var creds credential.Credentials
	if rep.JSON != nil {
		creds = credential.FromMap(rep.JSON)
	}
	ok := rep.ok() && rep.JSON != nil && creds.Success
	s.metrics.recordLogin(flow, ok)
	if ok {
		s.setSessionCookies(w, rep.Header, creds.Token)
	}
	return creds
}

// handlePassthrough forwards a JSON call and relays the reply as is.
func (s *Server) handlePassthrough(method, upstreamPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if method != http.MethodGet {
			var ok bool
			if body, ok = readBody(w, r); !ok {
				return
			}
		}
		rep, err := s.upstream.callJSON(r.Context(), r, method, upstreamPath, body)
		if err != nil {
			s.upstreamFailed(w, r, err)
			return
		}
		relay(w, rep)
	}
}

// handleLogout ends the upstream session best effort and always clears the
// BFF cookies.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if rep, err := s.upstream.callJSON(r.Context(), r, http.MethodPost, "/auth/logout", nil); err != nil {
		s.logger.Warn("upstream logout failed", zap.Error(err))
	} else if !rep.ok() {
		s.logger.Debug("upstream logout rejected", zap.Int("status", rep.Status))
	}
	s.clearSessionCookies(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Logged out"})
}

type refreshRequest struct {
	Token string `json:"token"`
}

// handleRefresh forwards a token refresh. Concurrent refreshes of the same
// token share one upstream call.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req refreshRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "Request body must be JSON")
			return
		}
	}
	if req.Token == "" {
		if c, err := r.Cookie(CookieJWT); err == nil {
			req.Token = c.Value
		}
	}
	if req.Token == "" {
		writeError(w, http.StatusUnauthorized, "No token to refresh")
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	// Waiters share this call, so it must outlive the first caller.
	ctx := context.WithoutCancel(r.Context())
	v, err, shared := s.refreshes.Do(req.Token, func() (any, error) {
		return s.upstream.callJSON(ctx, r, http.MethodPost, "/auth/refresh", payload)
	})
	if shared {
		s.metrics.RefreshShared.Inc()
	}
	if err != nil {
		s.upstreamFailed(w, r, err)
		return
	}

	rep := v.(*reply)
	if rep.ok() && rep.JSON != nil {
		if creds := credential.FromMap(rep.JSON); creds.Success && creds.Token != "" {
			s.setSessionCookies(w, rep.Header, creds.Token)
		}
	} else if rep.Status == http.StatusUnauthorized {
		s.clearSessionCookies(w)
	}
	relay(w, rep)
}

type lineCodeRequest struct {
	Code        string `json:"code"`
	RedirectURI string `json:"redirect_uri"`
}

// handleLineCode exchanges a LINE authorization code for an app session.
func (s *Server) handleLineCode(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req lineCodeRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	if req.RedirectURI == "" {
		req.RedirectURI = s.lineRedirectURI(r)
	}

	rep, err := s.exchangeLineCode(r, req)
	if err != nil {
		var le *lineError
		if errors.As(err, &le) {
			s.metrics.recordLogin("line", false)
			writeError(w, http.StatusUnauthorized, le.message)
			return
		}
		s.metrics.recordLogin("line", false)
		s.upstreamFailed(w, r, err)
		return
	}

	s.issueSession(w, rep, "line")
	relay(w, rep)
}
