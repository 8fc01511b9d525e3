package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-authgate/storefront/apiclient"
	"github.com/go-authgate/storefront/store"
	"github.com/go-authgate/storefront/tui"
)

func TestFetchAll_SharesOneRefresh(t *testing.T) {
	const callers = 4
	var (
		refreshes atomic.Int32
		rejected  atomic.Int32
		release   = make(chan struct{})
		once      sync.Once
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == apiclient.DefaultRefreshPath {
			refreshes.Add(1)
			// Hold the refresh open so every rejected caller queues behind it.
			time.Sleep(200 * time.Millisecond)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"success":true,"token":"fresh"}`))
			return
		}
		if r.Header.Get("Authorization") != "Bearer fresh" {
			if rejected.Add(1) == callers {
				once.Do(func() { close(release) })
			}
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"success":false,"message":"expired"}`))
			return
		}
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}))
	defer srv.Close()

	st := store.NewMemory()
	if err := st.Set(context.Background(), store.KeyToken, "stale"); err != nil {
		t.Fatal(err)
	}
	client, err := apiclient.New(srv.URL, st)
	if err != nil {
		t.Fatalf("apiclient.New() error = %v", err)
	}

	paths := []string{"/api/a", "/api/b", "/api/c", "/api/d"}
	bodies, err := fetchAll(context.Background(), tui.NoopDisplayer{}, client, paths, 0)
	if err != nil {
		t.Fatalf("fetchAll() error = %v", err)
	}

	if got := refreshes.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	for i, p := range paths {
		if want := `{"path":"` + p + `"}`; string(bodies[i]) != want {
			t.Errorf("body[%d] = %s, want %s", i, bodies[i], want)
		}
	}
	if tok, _ := store.Lookup(context.Background(), st, store.KeyToken); tok != "fresh" {
		t.Errorf("stored token = %q, want fresh", tok)
	}
}

func TestFetchPath_ForwardsQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	client, err := apiclient.New(srv.URL, store.NewMemory())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := fetchPath(context.Background(), tui.NoopDisplayer{}, client, "api/proxy/courses?page=2"); err != nil {
		t.Fatalf("fetchPath() error = %v", err)
	}
	if gotQuery != "page=2" {
		t.Errorf("query = %q, want page=2", gotQuery)
	}
}

func TestFetchPath_ReportsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"success":false,"message":"members only"}`))
	}))
	defer srv.Close()

	client, err := apiclient.New(srv.URL, store.NewMemory())
	if err != nil {
		t.Fatal(err)
	}

	_, err = fetchPath(context.Background(), tui.NoopDisplayer{}, client, "/api/secret")
	if apiclient.StatusCode(err) != http.StatusForbidden {
		t.Fatalf("err = %v, want 403 status error", err)
	}
	if !strings.Contains(err.Error(), "members only") {
		t.Errorf("err = %v, want upstream message", err)
	}
}

func TestWriteBodies(t *testing.T) {
	var buf bytes.Buffer
	err := writeBodies(&buf, []string{"/a", "/b"}, [][]byte{[]byte(`{"a":1}`), []byte("b\n")})
	if err != nil {
		t.Fatal(err)
	}
	want := "==> /a <==\n{\"a\":1}\n\n==> /b <==\nb\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}

func TestReadPassword(t *testing.T) {
	tests := []struct {
		name    string
		flag    string
		env     string
		stdin   string
		want    string
		wantErr bool
	}{
		{"flag", "from-flag", "from-env", "from-stdin\n", "from-flag", false},
		{"env", "", "from-env", "from-stdin\n", "from-env", false},
		{"stdin", "", "", "from-stdin\r\n", "from-stdin", false},
		{"stdin without newline", "", "", "secret", "secret", false},
		{"missing", "", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flagPassword = tt.flag
			t.Cleanup(func() { flagPassword = "" })
			t.Setenv("STOREFRONT_PASSWORD", tt.env)

			got, err := readPassword(strings.NewReader(tt.stdin))
			if (err != nil) != tt.wantErr {
				t.Fatalf("readPassword() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("readPassword() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadClientConfig_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("SERVER_URL", "https://env.example.com")
	t.Setenv("SESSION_PROFILE", "env-profile")

	flagServerURL = "https://flag.example.com"
	t.Cleanup(func() { flagServerURL = "" })

	cfg, err := loadClientConfig()
	if err != nil {
		t.Fatalf("loadClientConfig() error = %v", err)
	}
	if cfg.ServerURL != "https://flag.example.com" {
		t.Errorf("ServerURL = %q, want flag value", cfg.ServerURL)
	}
	if cfg.SessionProfile != "env-profile" {
		t.Errorf("SessionProfile = %q, want env value", cfg.SessionProfile)
	}
}

func TestLoadClientConfig_RejectsBadURL(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("SERVER_URL", "ftp://example.com")

	if _, err := loadClientConfig(); err == nil {
		t.Fatal("expected invalid SERVER_URL error")
	}
}
