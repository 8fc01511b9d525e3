package bff

import (
	"net/http"
	"net/url"
	"strings"
)

// Cookies the BFF keeps on its own domain.
const (
	CookieBackend = "backend_cookie"
	CookieJWT     = "jwt"

	cookieMaxAge = 7 * 24 * 60 * 60
)

func (s *Server) sessionCookie(name, value string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   cookieMaxAge,
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// setSessionCookies mirrors the upstream session onto the BFF domain: the
// upstream cookies wrapped in backend_cookie, the bearer token in jwt.
func (s *Server) setSessionCookies(w http.ResponseWriter, upstream http.Header, token string) {
	if wrapped := wrapSetCookies(upstream); wrapped != "" {
		http.SetCookie(w, s.sessionCookie(CookieBackend, wrapped))
	}
	if token != "" {
		http.SetCookie(w, s.sessionCookie(CookieJWT, token))
	}
}

func (s *Server) clearSessionCookies(w http.ResponseWriter) {
	for _, name := range []string{CookieBackend, CookieJWT} {
		c := s.sessionCookie(name, "")
		c.MaxAge = -1
		http.SetCookie(w, c)
	}
}

// wrapSetCookies reduces the upstream Set-Cookie headers to their
// name=value pairs and URL-encodes them into one cookie value.
func wrapSetCookies(h http.Header) string {
	var pairs []string
	for _, c := range (&http.Response{Header: h}).Cookies() {
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	if len(pairs) == 0 {
		return ""
	}
	return url.QueryEscape(strings.Join(pairs, "; "))
}

// unwrapBackendCookie returns the Cookie header to send upstream, if the
// browser holds a wrapped upstream session.
func unwrapBackendCookie(r *http.Request) string {
	c, err := r.Cookie(CookieBackend)
	if err != nil || c.Value == "" {
		return ""
	}
	v, err := url.QueryUnescape(c.Value)
	if err != nil {
		return ""
	}
	return v
}
