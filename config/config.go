// Package config resolves server and CLI settings. Precedence, lowest first:
// built-in defaults, the YAML file named by CONFIG_FILE, environment
// variables (a .env file is loaded first), then command-line flags applied
// by the caller.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/go-authgate/storefront/apiclient"
	"github.com/go-authgate/storefront/bff"
	"github.com/go-authgate/storefront/session"
)

const (
	DefaultListenAddr  = ":3000"
	DefaultServerURL   = "http://localhost:3000"
	DefaultSessionFile = ".storefront-session.json"
	DefaultProfile     = "default"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "json"
	maxRateLimitAuth   = 10000
	envConfigFile      = "CONFIG_FILE"
)

// Server configures the `serve` command.
type Server struct {
	ListenAddr           string        `yaml:"listen_addr"`
	APIBaseURL           string        `yaml:"api_base_url"`
	PublicBaseURL        string        `yaml:"public_base_url"`
	CookieSecure         bool          `yaml:"cookie_secure"`
	LineChannelID        string        `yaml:"line_channel_id"`
	LineChannelSecret    string        `yaml:"line_channel_secret"`
	LineCallbackPath     string        `yaml:"line_callback_path"`
	AllowedRedirectHosts []string      `yaml:"allowed_redirect_hosts"`
	FileAllowedHosts     []string      `yaml:"file_allowed_hosts"`
	FileMaxBufferBytes   int64         `yaml:"file_max_buffer_bytes"`
	UpstreamTimeout      time.Duration `yaml:"upstream_timeout"`
	UpstreamRetries      int           `yaml:"upstream_retries"`
	RateLimitAuth        float64       `yaml:"rate_limit_auth"`
	LogLevel             string        `yaml:"log_level"`
	LogFormat            string        `yaml:"log_format"`
}

// Client configures the session commands.
type Client struct {
	ServerURL        string        `yaml:"server_url"`
	SessionFile      string        `yaml:"session_file"`
	SessionStore     string        `yaml:"session_store"`
	SessionProfile   string        `yaml:"session_profile"`
	LineChannelID    string        `yaml:"line_channel_id"`
	LineRedirectURI  string        `yaml:"line_redirect_uri"`
	Locale           string        `yaml:"locale"`
	BootstrapTimeout time.Duration `yaml:"bootstrap_timeout"`
	RefreshTimeout   time.Duration `yaml:"refresh_timeout"`
}

type file struct {
	Server Server `yaml:"server"`
	Client Client `yaml:"client"`
}

// LoadEnv reads .env from the working directory if it exists.
func LoadEnv() {
	_ = godotenv.Load()
}

// LoadServer returns the server settings from defaults, file and
// environment. An empty path falls back to CONFIG_FILE.
func LoadServer(path string) (*Server, error) {
	f := defaults()
	if err := readFile(GetConfig(path, envConfigFile, ""), f); err != nil {
		return nil, err
	}
	cfg := f.Server

	cfg.ListenAddr = getEnv("LISTEN_ADDR", cfg.ListenAddr)
	cfg.APIBaseURL = strings.TrimRight(getEnv("API_BASE_URL", cfg.APIBaseURL), "/")
	cfg.PublicBaseURL = strings.TrimRight(getEnv("PUBLIC_BASE_URL", cfg.PublicBaseURL), "/")
	cfg.CookieSecure = getEnvBool("COOKIE_SECURE", cfg.CookieSecure)
	cfg.LineChannelID = getEnv("LINE_CHANNEL_ID", cfg.LineChannelID)
	cfg.LineChannelSecret = getEnv("LINE_CHANNEL_SECRET", cfg.LineChannelSecret)
	cfg.LineCallbackPath = getEnv("LINE_CALLBACK_PATH", cfg.LineCallbackPath)
	cfg.AllowedRedirectHosts = getEnvStringList("ALLOWED_REDIRECT_HOSTS", cfg.AllowedRedirectHosts)
	cfg.FileAllowedHosts = getEnvStringList("FILE_ALLOWED_HOSTS", cfg.FileAllowedHosts)
	cfg.FileMaxBufferBytes = getEnvInt64("FILE_MAX_BUFFER_BYTES", cfg.FileMaxBufferBytes)
	cfg.UpstreamTimeout = getEnvDuration("UPSTREAM_TIMEOUT", cfg.UpstreamTimeout)
	cfg.UpstreamRetries = getEnvInt("UPSTREAM_RETRIES", cfg.UpstreamRetries)
	cfg.RateLimitAuth = getEnvFloat("RATE_LIMIT_AUTH", cfg.RateLimitAuth)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)

	return &cfg, nil
}

// Validate checks values that cannot be defaulted.
func (s *Server) Validate() error {
	if s.APIBaseURL != "" {
		if err := ValidateServerURL(s.APIBaseURL); err != nil {
			return fmt.Errorf("API_BASE_URL: %w", err)
		}
	}
	if s.PublicBaseURL != "" {
		if err := ValidateServerURL(s.PublicBaseURL); err != nil {
			return fmt.Errorf("PUBLIC_BASE_URL: %w", err)
		}
	}
	if s.LineChannelSecret != "" && s.LineChannelID == "" {
		return errors.New("LINE_CHANNEL_SECRET requires LINE_CHANNEL_ID")
	}
	if s.RateLimitAuth < 0 || s.RateLimitAuth > maxRateLimitAuth {
		return fmt.Errorf("RATE_LIMIT_AUTH must be between 0 and %d, got %v",
			maxRateLimitAuth, s.RateLimitAuth)
	}
	if s.UpstreamRetries < 0 {
		return fmt.Errorf("UPSTREAM_RETRIES must not be negative, got %d", s.UpstreamRetries)
	}
	return nil
}

// BFF maps the settings onto the HTTP server configuration.
func (s *Server) BFF() bff.Config {
	return bff.Config{
		ListenAddr:           s.ListenAddr,
		APIBaseURL:           s.APIBaseURL,
		PublicBaseURL:        s.PublicBaseURL,
		CookieSecure:         s.CookieSecure,
		LineChannelID:        s.LineChannelID,
		LineChannelSecret:    s.LineChannelSecret,
		LineCallbackPath:     s.LineCallbackPath,
		AllowedRedirectHosts: s.AllowedRedirectHosts,
		FileAllowedHosts:     s.FileAllowedHosts,
		FileMaxBufferBytes:   s.FileMaxBufferBytes,
		UpstreamTimeout:      s.UpstreamTimeout,
		UpstreamRetries:      s.UpstreamRetries,
		RateLimitAuth:        s.RateLimitAuth,
	}
}

// LoadClient returns the CLI session settings from defaults, file and
// environment. An empty path falls back to CONFIG_FILE.
func LoadClient(path string) (*Client, error) {
	f := defaults()
	if err := readFile(GetConfig(path, envConfigFile, ""), f); err != nil {
		return nil, err
	}
	cfg := f.Client

	cfg.ServerURL = strings.TrimRight(getEnv("SERVER_URL", cfg.ServerURL), "/")
	cfg.SessionFile = getEnv("SESSION_FILE", cfg.SessionFile)
	cfg.SessionStore = getEnv("SESSION_STORE", cfg.SessionStore)
	cfg.SessionProfile = getEnv("SESSION_PROFILE", cfg.SessionProfile)
	cfg.LineChannelID = getEnv("LINE_CHANNEL_ID", cfg.LineChannelID)
	cfg.LineRedirectURI = getEnv("LINE_REDIRECT_URI", cfg.LineRedirectURI)
	cfg.Locale = getEnv("LOCALE", cfg.Locale)
	cfg.BootstrapTimeout = getEnvDuration("BOOTSTRAP_TIMEOUT", cfg.BootstrapTimeout)
	cfg.RefreshTimeout = getEnvDuration("REFRESH_TIMEOUT", cfg.RefreshTimeout)

	return &cfg, nil
}

// Validate checks the server URL.
func (c *Client) Validate() error {
	if err := ValidateServerURL(c.ServerURL); err != nil {
		return fmt.Errorf("SERVER_URL: %w", err)
	}
	return nil
}

// Session maps the settings onto the session manager configuration.
func (c *Client) Session() session.Config {
	return session.Config{
		Endpoints:        session.DefaultEndpoints(),
		LineChannelID:    c.LineChannelID,
		LineRedirectURI:  c.LineRedirectURI,
		Locale:           c.Locale,
		BootstrapTimeout: c.BootstrapTimeout,
	}
}

// Insecure reports whether credentials would travel over plain HTTP.
func (c *Client) Insecure() bool {
	return strings.HasPrefix(strings.ToLower(c.ServerURL), "http://")
}

func defaults() *file {
	return &file{
		Server: Server{
			ListenAddr:         DefaultListenAddr,
			LineCallbackPath:   bff.DefaultLineCallbackPath,
			FileMaxBufferBytes: bff.DefaultFileMaxBufferBytes,
			UpstreamTimeout:    bff.DefaultUpstreamTimeout,
			UpstreamRetries:    bff.DefaultUpstreamRetries,
			RateLimitAuth:      bff.DefaultRateLimitAuth,
			LogLevel:           DefaultLogLevel,
			LogFormat:          DefaultLogFormat,
		},
		Client: Client{
			ServerURL:        DefaultServerURL,
			SessionFile:      DefaultSessionFile,
			SessionProfile:   DefaultProfile,
			Locale:           session.DefaultLocale,
			BootstrapTimeout: session.DefaultBootstrapTimeout,
			RefreshTimeout:   apiclient.DefaultRefreshTimeout,
		},
	}
}

// readFile overlays the YAML file at path onto f. Keys absent from the
// file keep their current values.
func readFile(path string, f *file) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, f); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// GetConfig resolves a string setting: flag, then environment, then
// default.
func GetConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

// ValidateServerURL validates that the server URL is properly formatted.
func ValidateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("30s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvStringList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
