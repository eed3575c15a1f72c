package waf

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/wudi/edgegate/internal/config"
)

type positional int

const (
	posExactly positional = iota
	posStartsWith
	posEndsWith
	posContains
)

type transform func(string) string

// byteMatch compares one request component against a fixed string after
// applying text transformations.
type byteMatch struct {
	field      func(*http.Request) string
	position   positional
	search     string
	transforms []transform
}

func newByteMatch(cfg config.ByteMatchConfig) (*byteMatch, error) {
	m := &byteMatch{}

	field := strings.ToLower(cfg.Field)
	switch {
	case field == "uri_path":
		m.field = func(r *http.Request) string { return r.URL.Path }
	case field == "query_string":
		m.field = func(r *http.Request) string { return r.URL.RawQuery }
	case field == "method":
		m.field = func(r *http.Request) string { return r.Method }
	case strings.HasPrefix(field, "header:"):
		name := http.CanonicalHeaderKey(strings.TrimSpace(cfg.Field[len("header:"):]))
		if name == "" {
			return nil, fmt.Errorf("byte_match: empty header name")
		}
		if name == "Host" {
			m.field = func(r *http.Request) string { return r.Host }
		} else {
			m.field = func(r *http.Request) string { return r.Header.Get(name) }
		}
	default:
		return nil, fmt.Errorf("byte_match: unsupported field %q", cfg.Field)
	}

	switch strings.ToLower(cfg.PositionalConstraint) {
	case "exactly":
		m.position = posExactly
	case "starts_with":
		m.position = posStartsWith
	case "ends_with":
		m.position = posEndsWith
	case "", "contains":
		m.position = posContains
	default:
		return nil, fmt.Errorf("byte_match: unsupported positional_constraint %q", cfg.PositionalConstraint)
	}

	if cfg.SearchString == "" {
		return nil, fmt.Errorf("byte_match: search_string is required")
	}
	m.search = cfg.SearchString

	for _, t := range cfg.Transforms {
		switch strings.ToLower(t) {
		case "lowercase":
			m.transforms = append(m.transforms, strings.ToLower)
		case "url_decode":
			m.transforms = append(m.transforms, urlDecode)
		case "none":
		default:
			return nil, fmt.Errorf("byte_match: unsupported transform %q", t)
		}
	}
	return m, nil
}

func (m *byteMatch) Match(req *Request) bool {
	v := m.field(req.Request)
	for _, t := range m.transforms {
		v = t(v)
	}
	switch m.position {
	case posExactly:
		return v == m.search
	case posStartsWith:
		return strings.HasPrefix(v, m.search)
	case posEndsWith:
		return strings.HasSuffix(v, m.search)
	default:
		return strings.Contains(v, m.search)
	}
}

func urlDecode(s string) string {
	if d, err := url.PathUnescape(s); err == nil {
		return d
	}
	return s
}
