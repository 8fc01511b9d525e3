// Package apiclient is the credentialed HTTP client used against the BFF.
// It attaches the stored bearer token to every call and recovers from an
// expired token by running a single refresh that concurrent callers share.
package apiclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/go-authgate/storefront/credential"
	"github.com/go-authgate/storefront/logging"
	"github.com/go-authgate/storefront/store"
)

// Defaults.
const (
	DefaultRefreshPath    = "/api/auth/refresh"
	DefaultRefreshTimeout = 10 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

// Observer receives refresh-cycle events. tui.Displayer implements it.
type Observer interface {
	AccessTokenRejected()
	Refreshing()
	RefreshOK()
	RefreshFailed(err error)
	TokenRefreshedRetrying()
}

type nopObserver struct{}

func (nopObserver) AccessTokenRejected()    {}
func (nopObserver) Refreshing()             {}
func (nopObserver) RefreshOK()              {}
func (nopObserver) RefreshFailed(error)     {}
func (nopObserver) TokenRefreshedRetrying() {}

// Request describes one call relative to the client's base URL. Body, when
// non-nil, is sent as JSON; a []byte body is sent verbatim.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   any

	// NoRefresh skips 401 recovery. Login, register and the session
	// bootstrap calls use it so that a rejected credential is reported
	// instead of triggering a refresh.
	NoRefresh bool

	retried bool
}

func (r *Request) replay() *Request {
	cp := *r
	cp.retried = true
	return &cp
}

// Response is a fully read 2xx response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("invalid response from server: %w", err)
	}
	return nil
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	msg := credential.Parse(e.Body).Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, msg)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// Client is safe for concurrent use. The refresh state (in-flight flag and
// waiter queue) belongs to the instance; construct one per application.
type Client struct {
	baseURL        string
	retrying       *retry.Client
	direct         *http.Client
	store          store.Store
	observer       Observer
	logger         *zap.Logger
	refreshPath    string
	refreshTimeout time.Duration
	onCleared      []func()

	mu         sync.Mutex
	refreshing bool
	waiters    []chan error
}

// Option configures a Client.
type Option func(*Client)

// WithObserver reports refresh-cycle events to o.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithLogger sets the debug logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRefreshPath overrides the refresh endpoint.
func WithRefreshPath(p string) Option {
	return func(c *Client) { c.refreshPath = p }
}

// WithRefreshTimeout bounds each refresh call.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.refreshTimeout = d
		}
	}
}

// OnCredentialsCleared registers fn to run whenever an irrecoverable 401
// wipes the stored credentials.
func OnCredentialsCleared(fn func()) Option {
	return func(c *Client) { c.onCleared = append(c.onCleared, fn) }
}

// New returns a client for baseURL that reads and writes the bearer token in
// st. Cookies set by the server are kept for the client's lifetime.
func New(baseURL string, st store.Store, opts ...Option) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	httpClient := &http.Client{
		Jar:     jar,
		Timeout: defaultRequestTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		direct:         httpClient,
		store:          st,
		observer:       nopObserver{},
		logger:         zap.NewNop(),
		refreshPath:    DefaultRefreshPath,
		refreshTimeout: DefaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.retrying, err = retry.NewClient(
		retry.WithHTTPClient(httpClient),
		retry.WithLogger(logging.Retry(c.logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("create retry client: %w", err)
	}
	return c, nil
}

// NotifyCredentialsCleared registers fn after construction. It has the same
// effect as the OnCredentialsCleared option.
func (c *Client) NotifyCredentialsCleared(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCleared = append(c.onCleared, fn)
}

// BaseURL returns the server the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Get is shorthand for a GET request.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, Path: path})
}

// Post is shorthand for a JSON POST request.
func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPost, Path: path, Body: body})
}

// Do sends req. A 401 on a request that has not been replayed yet starts
// (or joins) a refresh cycle; every request is replayed at most once.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.send(ctx, req)
	if err == nil {
		return resp, nil
	}
	if StatusCode(err) != http.StatusUnauthorized || req.retried || req.NoRefresh {
		return nil, err
	}
	return c.recoverUnauthorized(ctx, req, err)
}

func (c *Client) recoverUnauthorized(ctx context.Context, req *Request, cause error) (*Response, error) {
	if req.Path == c.refreshPath {
		// The refresh credential itself was rejected.
		c.fail(ctx, cause)
		return nil, cause
	}

	c.observer.AccessTokenRejected()

	c.mu.Lock()
	if c.refreshing {
		wait := make(chan error, 1)
		c.waiters = append(c.waiters, wait)
		c.mu.Unlock()

		select {
		case err := <-wait:
			if err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return c.Do(ctx, req.replay())
	}
	c.refreshing = true
	c.mu.Unlock()

	token, err := store.Lookup(ctx, c.store, store.KeyToken)
	if err != nil || token == "" {
		c.logger.Debug("no stored token to refresh", zap.Error(err))
		c.fail(ctx, cause)
		return nil, cause
	}

	c.observer.Refreshing()
	if err := c.refresh(ctx, token); err != nil {
		c.observer.RefreshFailed(err)
		c.fail(ctx, err)
		return nil, err
	}
	c.observer.RefreshOK()
	c.settle(nil)

	c.observer.TokenRefreshedRetrying()
	return c.Do(ctx, req.replay())
}

// refresh posts the current token to the refresh endpoint and stores the
// replacement. It is detached from the caller's cancellation because other
// callers may be waiting on its outcome.
func (c *Client) refresh(ctx context.Context, token string) error {
	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
	defer cancel()

	resp, err := c.send(refreshCtx, &Request{
		Method: http.MethodPost,
		Path:   c.refreshPath,
		Body:   map[string]string{"token": token},
	})
	if err != nil {
		return err
	}

	creds := credential.Parse(resp.Body)
	if !creds.Success || creds.Token == "" {
		return &StatusError{
			Method:     http.MethodPost,
			Path:       c.refreshPath,
			StatusCode: http.StatusUnauthorized,
			Body:       resp.Body,
		}
	}
	if err := c.store.Set(ctx, store.KeyToken, creds.Token); err != nil {
		return fmt.Errorf("persist refreshed token: %w", err)
	}
	return nil
}

// fail clears stored credentials and rejects every waiter with err.
func (c *Client) fail(ctx context.Context, err error) {
	if clearErr := c.store.Delete(context.WithoutCancel(ctx), store.KeyToken, store.KeyUser); clearErr != nil {
		c.logger.Warn("failed to clear stored credentials", zap.Error(clearErr))
	}
	c.mu.Lock()
	hooks := append([]func(){}, c.onCleared...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	c.settle(err)
}

// settle ends the refresh cycle and releases waiters in arrival order.
func (c *Client) settle(err error) {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.refreshing = false
	c.mu.Unlock()

	for _, w := range waiters {
		w <- err
	}
}

func (c *Client) send(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := c.newHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, httpReq)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, fmt.Errorf("request canceled")
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("request timed out")
		}
		return nil, fmt.Errorf("cannot connect to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug("api call",
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.Int("status", resp.StatusCode),
		zap.Bool("replay", req.retried),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Method:     req.Method,
			Path:       req.Path,
			StatusCode: resp.StatusCode,
			Body:       body,
		}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// do retries only idempotent methods. A POST is sent once so that a
// transient 5xx surfaces to the caller instead of replaying a login,
// register or refresh.
func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.Method == http.MethodGet || req.Method == http.MethodHead {
		return c.retrying.DoWithContext(ctx, req)
	}
	return c.direct.Do(req)
}

func (c *Client) newHTTPRequest(ctx context.Context, req *Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	target := c.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	isJSON := false
	switch b := req.Body.(type) {
	case nil:
	case []byte:
		body = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(data)
		isJSON = true
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if isJSON {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")

	token, err := store.Lookup(ctx, c.store, store.KeyToken)
	if err != nil {
		c.logger.Debug("token lookup failed", zap.Error(err))
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	return httpReq, nil
}
