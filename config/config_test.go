package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/go-authgate/storefront/bff"
	"github.com/go-authgate/storefront/session"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONFIG_FILE", "LISTEN_ADDR", "API_BASE_URL", "PUBLIC_BASE_URL", "COOKIE_SECURE",
		"LINE_CHANNEL_ID", "LINE_CHANNEL_SECRET", "LINE_CALLBACK_PATH",
		"ALLOWED_REDIRECT_HOSTS", "FILE_ALLOWED_HOSTS", "FILE_MAX_BUFFER_BYTES",
		"UPSTREAM_TIMEOUT", "UPSTREAM_RETRIES", "RATE_LIMIT_AUTH", "LOG_LEVEL", "LOG_FORMAT",
		"SERVER_URL", "SESSION_FILE", "SESSION_STORE", "SESSION_PROFILE",
		"LINE_REDIRECT_URI", "LOCALE", "BOOTSTRAP_TIMEOUT", "REFRESH_TIMEOUT",
	} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "storefront.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadServerDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadServer("")
	if err != nil {
		t.Fatalf("LoadServer() error = %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.LineCallbackPath != bff.DefaultLineCallbackPath {
		t.Errorf("LineCallbackPath = %q", cfg.LineCallbackPath)
	}
	if cfg.UpstreamRetries != bff.DefaultUpstreamRetries {
		t.Errorf("UpstreamRetries = %d", cfg.UpstreamRetries)
	}
	if cfg.FileMaxBufferBytes != bff.DefaultFileMaxBufferBytes {
		t.Errorf("FileMaxBufferBytes = %d", cfg.FileMaxBufferBytes)
	}
	if cfg.RateLimitAuth != bff.DefaultRateLimitAuth {
		t.Errorf("RateLimitAuth = %v", cfg.RateLimitAuth)
	}
	if cfg.APIBaseURL != "" {
		t.Errorf("APIBaseURL = %q, want empty", cfg.APIBaseURL)
	}
}

func TestLoadServerPrecedence(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  listen_addr: ":9000"
  api_base_url: "https://file.example.com/api"
  upstream_timeout: 5s
  upstream_retries: 0
  allowed_redirect_hosts: ["shop.example.com"]
`)
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("API_BASE_URL", "https://env.example.com/api/")
	t.Setenv("FILE_ALLOWED_HOSTS", " cdn.example.com , ,media.example.com")
	t.Setenv("COOKIE_SECURE", "true")
	t.Setenv("UPSTREAM_RETRIES", "not-a-number")

	cfg, err := LoadServer("")
	if err != nil {
		t.Fatalf("LoadServer() error = %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q, want file value", cfg.ListenAddr)
	}
	if cfg.APIBaseURL != "https://env.example.com/api" {
		t.Errorf("APIBaseURL = %q, want env value without trailing slash", cfg.APIBaseURL)
	}
	if cfg.UpstreamTimeout != 5*time.Second {
		t.Errorf("UpstreamTimeout = %v", cfg.UpstreamTimeout)
	}
	if cfg.UpstreamRetries != 0 {
		t.Errorf("UpstreamRetries = %d, want file value 0", cfg.UpstreamRetries)
	}
	if !cfg.CookieSecure {
		t.Error("CookieSecure = false")
	}
	if want := []string{"shop.example.com"}; !reflect.DeepEqual(cfg.AllowedRedirectHosts, want) {
		t.Errorf("AllowedRedirectHosts = %v", cfg.AllowedRedirectHosts)
	}
	if want := []string{"cdn.example.com", "media.example.com"}; !reflect.DeepEqual(cfg.FileAllowedHosts, want) {
		t.Errorf("FileAllowedHosts = %v", cfg.FileAllowedHosts)
	}

	b := cfg.BFF()
	if b.APIBaseURL != cfg.APIBaseURL || b.UpstreamTimeout != cfg.UpstreamTimeout {
		t.Errorf("BFF() = %+v", b)
	}
}

func TestLoadServerBadFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_FILE", writeConfig(t, "server: [unclosed"))
	if _, err := LoadServer(""); err == nil {
		t.Fatal("expected parse error")
	}

	if _, err := LoadServer(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected read error")
	}
}

func TestServerValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Server)
		wantErr bool
	}{
		{"defaults", func(*Server) {}, false},
		{"bad api url", func(s *Server) { s.APIBaseURL = "ftp://x" }, true},
		{"bad public url", func(s *Server) { s.PublicBaseURL = "not a url" }, true},
		{"secret without id", func(s *Server) { s.LineChannelSecret = "s" }, true},
		{"rate too high", func(s *Server) { s.RateLimitAuth = 20000 }, true},
		{"negative retries", func(s *Server) { s.UpstreamRetries = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := defaults().Server
			tt.mutate(&s)
			if err := s.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadClient(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_FILE", writeConfig(t, `
client:
  session_profile: work
  locale: en
`))
	t.Setenv("SERVER_URL", "https://shop.example.com/")
	t.Setenv("BOOTSTRAP_TIMEOUT", "3")
	t.Setenv("REFRESH_TIMEOUT", "1500ms")

	cfg, err := LoadClient("")
	if err != nil {
		t.Fatalf("LoadClient() error = %v", err)
	}
	if cfg.ServerURL != "https://shop.example.com" {
		t.Errorf("ServerURL = %q", cfg.ServerURL)
	}
	if cfg.SessionProfile != "work" || cfg.Locale != "en" {
		t.Errorf("profile/locale = %q/%q", cfg.SessionProfile, cfg.Locale)
	}
	if cfg.SessionFile != DefaultSessionFile {
		t.Errorf("SessionFile = %q", cfg.SessionFile)
	}
	if cfg.BootstrapTimeout != 3*time.Second {
		t.Errorf("BootstrapTimeout = %v", cfg.BootstrapTimeout)
	}
	if cfg.RefreshTimeout != 1500*time.Millisecond {
		t.Errorf("RefreshTimeout = %v", cfg.RefreshTimeout)
	}
	if cfg.Insecure() {
		t.Error("https server reported insecure")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	sc := cfg.Session()
	if sc.Locale != "en" || sc.BootstrapTimeout != 3*time.Second {
		t.Errorf("Session() = %+v", sc)
	}
	if sc.Endpoints != session.DefaultEndpoints() {
		t.Errorf("Session().Endpoints = %+v", sc.Endpoints)
	}
}

func TestGetConfig(t *testing.T) {
	t.Setenv("STOREFRONT_TEST_KEY", "from-env")

	tests := []struct {
		name   string
		flag   string
		envKey string
		def    string
		want   string
	}{
		{"flag wins", "from-flag", "STOREFRONT_TEST_KEY", "def", "from-flag"},
		{"env over default", "", "STOREFRONT_TEST_KEY", "def", "from-env"},
		{"default", "", "STOREFRONT_UNSET_KEY", "def", "def"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetConfig(tt.flag, tt.envKey, tt.def); got != tt.want {
				t.Errorf("GetConfig() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateServerURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid https", "https://example.com", false},
		{"valid http with port", "http://localhost:3000", false},
		{"empty", "", true},
		{"no scheme", "example.com", true},
		{"bad scheme", "ftp://example.com", true},
		{"no host", "http://", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateServerURL(tt.url); (err != nil) != tt.wantErr {
				t.Errorf("ValidateServerURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}
