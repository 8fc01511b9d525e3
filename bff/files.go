package bff

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const defaultFilename = "file.pdf"

// Response headers relayed from the upstream file response.
var relayedFileHeaders = []string{
	"Content-Range",
	"Accept-Ranges",
	"ETag",
	"Last-Modified",
	"Content-Length",
	"Content-Type",
}

// handleFile proxies a binary file with Range support:
//
//	GET /api/files/pdf?url=<location>&filename=<name>&download=1&debug=1
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	raw := strings.TrimSpace(q.Get("url"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	target, err := s.fileTarget(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	filename := q.Get("filename")
	if strings.TrimSpace(filename) == "" {
		filename = defaultFilename
	}
	disposition := "inline"
	if q.Get("download") == "1" || q.Get("download") == "true" {
		disposition = "attachment"
	}

	resp, err := s.upstream.Stream(r.Context(), r, r.Method, target, http.Header{"Accept": {"*/*"}})
	if err != nil {
		s.upstreamFailed(w, r, err)
		return
	}
	defer resp.Body.Close()

	buffer := resp.Header.Get("Content-Length") == "" && needsBufferedDownload(r.UserAgent())

	if q.Get("debug") == "1" {
		s.writeFileDebug(w, r, target, resp, buffer, disposition, filename)
		return
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		s.metrics.FileResponses.WithLabelValues("error", strconv.Itoa(resp.StatusCode)).Inc()
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			w.Header().Set("Content-Range", cr)
		}
		writeError(w, resp.StatusCode, fmt.Sprintf("Upstream returned %d", resp.StatusCode))
		return
	default:
		s.upstreamFailed(w, r, fmt.Errorf("file upstream status %d", resp.StatusCode))
		return
	}

	for _, h := range relayedFileHeaders {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/pdf")
	}
	w.Header().Set("Content-Disposition", contentDisposition(disposition, filename))
	w.Header().Set("Cache-Control", "private, max-age=300")

	if buffer {
		s.writeBuffered(w, r, resp)
		return
	}

	s.metrics.FileResponses.WithLabelValues("stream", strconv.Itoa(resp.StatusCode)).Inc()
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Debug("file stream interrupted",
			zap.String("request_id", RequestIDFrom(r.Context())), zap.Error(err))
	}
}

// writeBuffered reads the whole body so it can be served with an explicit
// length.
func (s *Server) writeBuffered(w http.ResponseWriter, r *http.Request, resp *http.Response) {
	limit := s.cfg.FileMaxBufferBytes
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		s.upstreamFailed(w, r, fmt.Errorf("buffer file: %w", err))
		return
	}
	if int64(len(data)) > limit {
		w.Header().Del("Content-Disposition")
		s.upstreamFailed(w, r, fmt.Errorf("file exceeds buffer limit of %d bytes", limit))
		return
	}

	s.metrics.FileResponses.WithLabelValues("buffered", strconv.Itoa(resp.StatusCode)).Inc()
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = io.Copy(w, bytes.NewReader(data))
	}
}

type fileDebug struct {
	Target        string            `json:"target"`
	Status        int               `json:"status"`
	Range         string            `json:"range,omitempty"`
	UserAgent     string            `json:"userAgent"`
	Buffered      bool              `json:"buffered"`
	Disposition   string            `json:"contentDisposition"`
	MaxBufferSize int64             `json:"maxBufferBytes"`
	Headers       map[string]string `json:"headers"`
}

func (s *Server) writeFileDebug(
	w http.ResponseWriter,
	r *http.Request,
	target string,
	resp *http.Response,
	buffered bool,
	disposition, filename string,
) {
	headers := make(map[string]string, len(relayedFileHeaders))
	for _, h := range relayedFileHeaders {
		if v := resp.Header.Get(h); v != "" {
			headers[strings.ToLower(h)] = v
		}
	}
	writeJSON(w, http.StatusOK, fileDebug{
		Target:        redactQuery(target),
		Status:        resp.StatusCode,
		Range:         r.Header.Get("Range"),
		UserAgent:     r.UserAgent(),
		Buffered:      buffered,
		Disposition:   contentDisposition(disposition, filename),
		MaxBufferSize: s.cfg.FileMaxBufferBytes,
		Headers:       headers,
	})
}

// fileTarget resolves the url parameter. Relative locations are taken from
// the upstream; absolute ones must point at the upstream host or an
// allowed file host.
func (s *Server) fileTarget(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url")
	}
	if u.Scheme == "" && u.Host == "" {
		if strings.HasPrefix(raw, "//") {
			return "", fmt.Errorf("invalid url")
		}
		return s.upstream.Origin() + "/" + strings.TrimLeft(u.RequestURI(), "/"), nil
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme")
	}
	if strings.EqualFold(u.Host, s.upstream.Host()) {
		return u.String(), nil
	}
	allowed := slices.ContainsFunc(s.cfg.FileAllowedHosts, func(h string) bool {
		return strings.EqualFold(strings.TrimSpace(h), u.Host)
	})
	if !allowed {
		return "", fmt.Errorf("url host is not allowed")
	}
	return u.String(), nil
}

// needsBufferedDownload reports user agents that mishandle streamed
// downloads without a Content-Length: iOS Safari and the LINE in-app
// browser.
func needsBufferedDownload(ua string) bool {
	if strings.Contains(ua, " Line/") {
		return true
	}
	ios := strings.Contains(ua, "iPhone") || strings.Contains(ua, "iPad") || strings.Contains(ua, "iPod")
	if !ios || !strings.Contains(ua, "Safari") {
		return false
	}
	for _, other := range []string{"CriOS", "FxiOS", "EdgiOS"} {
		if strings.Contains(ua, other) {
			return false
		}
	}
	return true
}

// contentDisposition builds a header with an ASCII filename for old
// clients and an RFC 5987 filename* for everyone else.
func contentDisposition(disposition, filename string) string {
	return fmt.Sprintf(`%s; filename="%s"; filename*=UTF-8''%s`,
		disposition, asciiFilename(filename), encodeRFC5987(filename))
}

func asciiFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '"' || r == '\\' || r == '/' || r == ';':
			b.WriteByte('_')
		case r < 0x20 || r == 0x7f:
		case r > 0x7e:
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	stem, ext := out, ""
	if i := strings.LastIndexByte(out, '.'); i > 0 {
		stem, ext = out[:i], out[i:]
	}
	if strings.Trim(stem, "_. ") == "" {
		if ext == "" || strings.Trim(ext, "_.") == "" {
			ext = ".pdf"
		}
		return "file" + ext
	}
	return out
}

// encodeRFC5987 percent-encodes every byte outside attr-char.
func encodeRFC5987(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAttrChar(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isAttrChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}

// redactQuery drops query strings, which often carry signed credentials,
// from diagnostic output.
func redactQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.RawQuery != "" {
		u.RawQuery = "redacted"
	}
	return u.String()
}
