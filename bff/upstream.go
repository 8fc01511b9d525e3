package bff

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"go.uber.org/zap"

	"github.com/go-authgate/storefront/logging"
)

// errNotJSON marks an upstream body that should have been JSON but was not.
var errNotJSON = errors.New("upstream returned a non-JSON body")

// decodeJSON unmarshals a single JSON value, keeping numbers as
// json.Number so ids beyond 2^53 survive a round trip.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

// Request headers relayed to the upstream API.
var forwardedHeaders = []string{
	"Content-Type",
	"Accept",
	"Accept-Language",
	"Range",
	"If-Range",
	"User-Agent",
}

// Upstream is the API host the BFF fronts. Idempotent calls go through a
// retrying client; everything else is sent once. File downloads use a
// client without an overall deadline so long bodies can stream.
type Upstream struct {
	base      *url.URL
	retrying  *retry.Client
	direct    *http.Client
	streaming *retry.Client
}

// NewUpstream returns an upstream for baseURL. timeout bounds JSON calls
// end to end and file calls until the response headers arrive.
func NewUpstream(baseURL string, timeout time.Duration, retries int, logger *zap.Logger) (*Upstream, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid upstream base URL %q", baseURL)
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	// Redirects are relayed to the caller, not followed.
	noRedirect := func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	direct := &http.Client{
		Timeout:       timeout,
		Transport:     transport,
		CheckRedirect: noRedirect,
	}
	stream := &http.Client{
		Transport:     transport,
		CheckRedirect: noRedirect,
	}

	rlog := logging.Retry(logger)
	retrying, err := retry.NewClient(
		retry.WithHTTPClient(direct),
		retry.WithMaxRetries(retries),
		retry.WithLogger(rlog),
	)
	if err != nil {
		return nil, fmt.Errorf("create retry client: %w", err)
	}
	streaming, err := retry.NewClient(
		retry.WithHTTPClient(stream),
		retry.WithMaxRetries(retries),
		retry.WithLogger(rlog),
	)
	if err != nil {
		return nil, fmt.Errorf("create streaming client: %w", err)
	}

	return &Upstream{base: base, retrying: retrying, direct: direct, streaming: streaming}, nil
}

// Host returns the upstream host[:port].
func (u *Upstream) Host() string { return u.base.Host }

// URL resolves path against the upstream base, keeping any base path.
func (u *Upstream) URL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return u.base.String() + path
}

// Origin returns scheme://host of the upstream.
func (u *Upstream) Origin() string {
	return u.base.Scheme + "://" + u.base.Host
}

// Do sends method target with the credentials carried by in, then applies
// header overrides. body may be nil. The caller closes the response body.
func (u *Upstream) Do(
	ctx context.Context,
	in *http.Request,
	method, target string,
	body io.Reader,
	header http.Header,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}
	forwardCredentials(in, req)
	for k, vs := range header {
		req.Header[k] = vs
	}

	if method == http.MethodGet || method == http.MethodHead {
		return u.retrying.DoWithContext(ctx, req)
	}
	return u.direct.Do(req)
}

// Stream fetches a file with GET or HEAD. Only the caller's context ends the
// transfer once headers have arrived. The caller closes the response body.
func (u *Upstream) Stream(ctx context.Context, in *http.Request, method, target string, header http.Header) (*http.Response, error) {
	if method != http.MethodGet && method != http.MethodHead {
		return nil, fmt.Errorf("stream: unsupported method %s", method)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}
	forwardCredentials(in, req)
	for k, vs := range header {
		req.Header[k] = vs
	}
	return u.streaming.DoWithContext(ctx, req)
}

// forwardCredentials copies the browser's credentials and content headers
// onto an upstream request. The wrapped upstream cookie takes precedence
// over the raw Cookie header, and the jwt cookie stands in for a missing
// Authorization header.
func forwardCredentials(in, out *http.Request) {
	if in == nil {
		return
	}
	for _, h := range forwardedHeaders {
		if v := in.Header.Get(h); v != "" {
			out.Header.Set(h, v)
		}
	}
	if id := RequestIDFrom(in.Context()); id != "" {
		out.Header.Set("X-Request-ID", id)
	}

	if cookie := unwrapBackendCookie(in); cookie != "" {
		out.Header.Set("Cookie", cookie)
	} else if raw := in.Header.Get("Cookie"); raw != "" {
		out.Header.Set("Cookie", raw)
	}

	if auth := in.Header.Get("Authorization"); auth != "" {
		out.Header.Set("Authorization", auth)
	} else if c, err := in.Cookie(CookieJWT); err == nil && c.Value != "" {
		out.Header.Set("Authorization", "Bearer "+c.Value)
	}
}

// reply is a fully read upstream JSON response.
type reply struct {
	Status int
	Header http.Header
	Body   []byte
	JSON   map[string]any
}

func (r *reply) ok() bool { return r.Status >= 200 && r.Status <= 299 }

// callJSON sends a JSON request and reads a JSON response. An empty body is
// accepted; anything else that does not decode to an object is errNotJSON.
func (u *Upstream) callJSON(ctx context.Context, in *http.Request, method, path string, payload []byte) (*reply, error) {
	header := http.Header{"Accept": {"application/json"}}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
		header.Set("Content-Type", "application/json")
	}
	resp, err := u.Do(ctx, in, method, u.URL(path), body, header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONBody))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	rep := &reply{Status: resp.StatusCode, Header: resp.Header, Body: data}
	if len(strings.TrimSpace(string(data))) == 0 {
		rep.Body = nil
		return rep, nil
	}
	if err := decodeJSON(data, &rep.JSON); err != nil {
		return nil, fmt.Errorf("%w (status %d)", errNotJSON, resp.StatusCode)
	}
	return rep, nil
}
