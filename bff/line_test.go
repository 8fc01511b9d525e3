package bff

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-authgate/storefront/line"
)

type fakeExchanger struct {
	profile *line.Profile
	err     error
	code    string
}

func (f *fakeExchanger) Exchange(_ context.Context, code string) (*line.Profile, error) {
	f.code = code
	return f.profile, f.err
}

func lineUpstream(t *testing.T, gotPath *string, gotBody *map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		*gotPath = r.URL.Path
		assert.NoError(t, json.NewDecoder(r.Body).Decode(gotBody))
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc"})
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"data": map[string]any{
				"user":  map[string]any{"id": "U1", "name": "Nok", "line_id": "Lx"},
				"token": "line-token",
			},
		})
	}
}

func TestLineCallback_RedirectsToDecodedReturnURL(t *testing.T) {
	var path string
	var body map[string]any
	_, h := newTestServer(t, Config{PublicBaseURL: "https://x"}, lineUpstream(t, &path, &body))

	// The state arrives encoded twice by an intermediary.
	state := url.QueryEscape(line.EncodeState("https://x/y?z=1"))
	rec := do(h, http.MethodGet, "/auth/line/callback?code=C1&state="+url.QueryEscape(state), "", nil)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/auth/line", path)
	assert.Equal(t, "C1", body["code"])
	assert.Equal(t, "https://x/auth/line/callback", body["redirect_uri"])

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "x", loc.Host)
	assert.Equal(t, "/y", loc.Path)
	q := loc.Query()
	assert.Equal(t, "1", q.Get("z"))
	assert.Equal(t, "true", q.Get("login_success"))
	assert.Equal(t, "U1", q.Get("user_id"))
	assert.Equal(t, "Nok", q.Get("user_name"))
	assert.Equal(t, "Lx", q.Get("line_id"))

	require.NotNil(t, cookieByName(rec, CookieJWT))
	assert.Equal(t, "line-token", cookieByName(rec, CookieJWT).Value)
	require.NotNil(t, cookieByName(rec, CookieBackend))
}

func TestLineCallback_UntrustedReturnURLGoesHome(t *testing.T) {
	var path string
	var body map[string]any
	_, h := newTestServer(t, Config{PublicBaseURL: "https://shop.example"}, lineUpstream(t, &path, &body))

	state := line.EncodeState("https://evil.example/steal")
	rec := do(h, http.MethodGet, "/auth/line/callback?code=C1&state="+url.QueryEscape(state), "", nil)

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Empty(t, loc.Host)
	assert.Equal(t, "/", loc.Path)
	assert.Equal(t, "true", loc.Query().Get("login_success"))
}

func TestLineCallback_ProviderErrorRendersPage(t *testing.T) {
	_, h := newTestServer(t, Config{}, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("upstream must not be called")
	}))

	rec := do(h, http.MethodGet, "/auth/line/callback?error=access_denied&error_description=User+cancelled", "", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "User cancelled")
	assert.Contains(t, rec.Body.String(), `href="/"`)
}

func TestLineCallback_UpstreamRejectionRendersPage(t *testing.T) {
	_, h := newTestServer(t, Config{}, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "Code expired"})
	}))

	rec := do(h, http.MethodGet, "/auth/line/callback?code=old", "", nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Code expired")
	assert.Nil(t, cookieByName(rec, CookieJWT))
}

func TestLineCallback_DirectExchange(t *testing.T) {
	var path string
	var body map[string]any
	ex := &fakeExchanger{profile: &line.Profile{UserID: "Lx", Name: "Nok", IDToken: "idt"}}
	_, h := newTestServer(t, Config{}, lineUpstream(t, &path, &body), WithExchanger(ex))

	rec := do(h, http.MethodGet, "/auth/line/callback?code=C2", "", nil)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "C2", ex.code)
	assert.Equal(t, "/auth/line/exchange", path)
	assert.Equal(t, "Lx", body["line_id"])
	assert.Equal(t, "idt", body["id_token"])
}

func TestLineCode_DirectExchangeFailureIsUnauthorized(t *testing.T) {
	ex := &fakeExchanger{err: errors.New("bad signature")}
	_, h := newTestServer(t, Config{}, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("upstream must not be called")
	}), WithExchanger(ex))

	rec := do(h, http.MethodPost, "/api/external/auth/line", `{"code":"C3"}`, nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotContains(t, rec.Body.String(), "bad signature")
}

func TestLineCode_RequiresCode(t *testing.T) {
	_, h := newTestServer(t, Config{}, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("upstream must not be called")
	}))

	rec := do(h, http.MethodPost, "/api/external/auth/line", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLineLogin_RedirectsToAuthorize(t *testing.T) {
	_, h := newTestServer(t, Config{
		LineChannelID: "1650000000",
		PublicBaseURL: "https://shop.example",
	}, nil)

	rec := do(h, http.MethodGet, "/auth/line/login?returnUrl=%2Fcourses%2F9", "", nil)

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "access.line.me", loc.Host)
	q := loc.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "1650000000", q.Get("client_id"))
	assert.Equal(t, "https://shop.example/auth/line/callback", q.Get("redirect_uri"))
	assert.Equal(t, "profile openid", q.Get("scope"))
	assert.Equal(t, "/courses/9", line.DecodeState(q.Get("state")).ReturnURL)
}

func TestLineLogin_NotConfigured(t *testing.T) {
	_, h := newTestServer(t, Config{}, nil)

	rec := do(h, http.MethodGet, "/auth/line/login", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSafeReturnURL(t *testing.T) {
	s := &Server{cfg: Config{
		PublicBaseURL:        "https://shop.example",
		AllowedRedirectHosts: []string{"learn.example"},
	}}

	tests := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/courses?id=1", "/courses?id=1"},
		{"https://shop.example/cart", "https://shop.example/cart"},
		{"https://LEARN.example/exam", "https://LEARN.example/exam"},
		{"https://evil.example/", "/"},
		{"//evil.example/", "/"},
		{"/\\evil.example", "/"},
		{"javascript:alert(1)", "/"},
		{"courses", "/"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, s.safeReturnURL(tt.in))
		})
	}
}

func TestLoginErrorPage_EscapesMessage(t *testing.T) {
	var buf strings.Builder
	require.NoError(t, loginErrorPage(`<script>alert(1)</script>`, "/courses?a=1&b=2").Render(&buf))

	page := buf.String()
	assert.True(t, strings.HasPrefix(page, "<!doctype html>"))
	assert.Contains(t, page, "<title>Login failed</title>")
	assert.Contains(t, page, "&lt;script&gt;")
	assert.NotContains(t, page, "<script>")
	assert.Contains(t, page, `href="/courses?a=1&amp;b=2"`)
}
