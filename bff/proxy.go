package bff

import (
	"bytes"
	"io"
	"net/http"
	"strings"
)

// coverImageKeys are the catalog fields that hold cover image locations.
var coverImageKeys = map[string]bool{
	"cover_image":     true,
	"coverImage":      true,
	"cover_image_url": true,
	"coverImageUrl":   true,
	"thumbnail":       true,
	"image_url":       true,
}

// handleProxy forwards /api/proxy/<path> to the same path upstream and
// relays the JSON reply with cover image locations made absolute.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/proxy")
	target := s.upstream.URL(path)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		data, ok := readBody(w, r)
		if !ok {
			return
		}
		body = bytes.NewReader(data)
	}

	resp, err := s.upstream.Do(r.Context(), r, r.Method, target, body, http.Header{"Accept": {"application/json"}})
	if err != nil {
		s.upstreamFailed(w, r, err)
		return
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONBody))
	if err != nil {
		s.upstreamFailed(w, r, err)
		return
	}
	if len(bytes.TrimSpace(data)) == 0 {
		w.WriteHeader(resp.StatusCode)
		return
	}

	var payload any
	if err := decodeJSON(data, &payload); err != nil {
		s.upstreamFailed(w, r, errNotJSON)
		return
	}
	writeJSON(w, resp.StatusCode, normalizeCoverImages(payload, s.assetBase()))
}

// assetBase is where relative media paths live: the upstream origin plus
// its base path without a trailing /api.
func (s *Server) assetBase() string {
	base := strings.TrimRight(s.upstream.URL(""), "/")
	return strings.TrimSuffix(base, "/api")
}

// normalizeCoverImages walks v and rewrites relative cover image paths to
// absolute URLs under base.
func normalizeCoverImages(v any, base string) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if s, ok := val.(string); ok && coverImageKeys[k] {
				t[k] = absoluteMedia(s, base)
				continue
			}
			t[k] = normalizeCoverImages(val, base)
		}
		return t
	case []any:
		for i := range t {
			t[i] = normalizeCoverImages(t[i], base)
		}
		return t
	default:
		return v
	}
}

func absoluteMedia(p, base string) string {
	p = strings.TrimSpace(p)
	switch {
	case p == "":
		return p
	case strings.HasPrefix(p, "http://"), strings.HasPrefix(p, "https://"),
		strings.HasPrefix(p, "data:"), strings.HasPrefix(p, "blob:"):
		return p
	case strings.HasPrefix(p, "//"):
		return "https:" + p
	}
	return base + "/" + strings.TrimLeft(p, "/")
}
