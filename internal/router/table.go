// Package router holds the cache behavior table: an ordered, immutable list of
// path patterns mapping requests to an origin and a forwarding policy.
package router

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wudi/edgegate/internal/config"
	edgeerrors "github.com/wudi/edgegate/internal/errors"
	"github.com/wudi/edgegate/internal/origin"
)

// ViewerProtocolPolicy decides how plain-HTTP viewer requests are handled.
type ViewerProtocolPolicy int

const (
	AllowAll ViewerProtocolPolicy = iota
	RedirectToHTTPS
	HTTPSOnly
)

func (p ViewerProtocolPolicy) String() string {
	switch p {
	case RedirectToHTTPS:
		return "redirect-to-https"
	case HTTPSOnly:
		return "https-only"
	default:
		return "allow-all"
	}
}

// CookieForwarding selects which cookies reach the origin and the cache key.
type CookieForwarding int

const (
	CookiesNone CookieForwarding = iota
	CookiesAll
	CookiesWhitelist
)

func (c CookieForwarding) String() string {
	switch c {
	case CookiesAll:
		return "all"
	case CookiesWhitelist:
		return "whitelist"
	default:
		return "none"
	}
}

// CookiePolicy is the cookie forwarding policy of a behavior. Names is sorted
// and only used for whitelist forwarding.
type CookiePolicy struct {
	Forward CookieForwarding
	Names   []string
}

func (c CookiePolicy) allows(name string) bool {
	switch c.Forward {
	case CookiesAll:
		return true
	case CookiesWhitelist:
		i := sort.SearchStrings(c.Names, name)
		return i < len(c.Names) && c.Names[i] == name
	default:
		return false
	}
}

// TTL bounds how long responses may be cached.
type TTL struct {
	Min     time.Duration
	Default time.Duration
	Max     time.Duration
}

// Behavior is one validated entry of the table. Behaviors are immutable.
type Behavior struct {
	Pattern              string
	OriginID             string
	AllowedMethods       MethodSet
	CachedMethods        MethodSet
	ForwardQueryString   bool
	Cookies              CookiePolicy
	ViewerProtocolPolicy ViewerProtocolPolicy
	TTL                  TTL

	isDefault bool
	compiled  pattern
}

// IsDefault reports whether this is the catch-all behavior.
func (b *Behavior) IsDefault() bool { return b.isDefault }

// Matches reports whether path is selected by this behavior's pattern. The
// default behavior matches every path.
func (b *Behavior) Matches(path string) bool {
	if b.isDefault {
		return true
	}
	return b.compiled.match(splitPath(path))
}

// Resolution is the outcome of routing a request.
type Resolution struct {
	Behavior *Behavior
	Origin   origin.Origin
}

// Table is the ordered cache behavior table. Non-default behaviors are
// evaluated in declaration order, then the default. Safe for concurrent use.
type Table struct {
	behaviors []*Behavior
	def       *Behavior
	origins   map[string]origin.Origin
}

// NewTable validates behaviors against the known origins and builds a table.
// Either every behavior is valid and a table is returned, or nothing is.
func NewTable(behaviors []config.BehaviorConfig, origins map[string]origin.Origin) (*Table, error) {
	t := &Table{origins: make(map[string]origin.Origin, len(origins))}
	for id, o := range origins {
		t.origins[id] = o
	}

	seen := make(map[string]struct{}, len(behaviors))
	for i, bc := range behaviors {
		b, err := newBehavior(bc)
		if err != nil {
			return nil, fmt.Errorf("behavior %d: %w", i, err)
		}
		if _, ok := t.origins[b.OriginID]; !ok {
			return nil, fmt.Errorf("behavior %d (%s): unknown origin %q", i, b.Pattern, b.OriginID)
		}
		if b.isDefault {
			if t.def != nil {
				return nil, fmt.Errorf("behavior %d: multiple default behaviors", i)
			}
			t.def = b
			continue
		}
		if _, dup := seen[b.Pattern]; dup {
			return nil, fmt.Errorf("behavior %d: duplicate pattern %q", i, b.Pattern)
		}
		seen[b.Pattern] = struct{}{}
		t.behaviors = append(t.behaviors, b)
	}
	if t.def == nil {
		return nil, fmt.Errorf("no default behavior (pattern %q)", DefaultPattern)
	}
	return t, nil
}

func newBehavior(bc config.BehaviorConfig) (*Behavior, error) {
	b := &Behavior{
		Pattern:            strings.TrimSpace(bc.Pattern),
		OriginID:           bc.Origin,
		ForwardQueryString: bc.ForwardQueryString,
		TTL:                TTL{Min: bc.TTL.Min, Default: bc.TTL.Default, Max: bc.TTL.Max},
	}

	if isDefaultPattern(b.Pattern) {
		b.Pattern = DefaultPattern
		b.isDefault = true
	} else {
		p, err := compilePattern(b.Pattern)
		if err != nil {
			return nil, err
		}
		b.compiled = p
	}

	var err error
	if b.AllowedMethods, err = ParseMethods(bc.AllowedMethods); err != nil {
		return nil, fmt.Errorf("%s: allowed_methods: %w", b.Pattern, err)
	}
	if b.AllowedMethods == 0 {
		return nil, fmt.Errorf("%s: allowed_methods must not be empty", b.Pattern)
	}
	if b.CachedMethods, err = ParseMethods(bc.CachedMethods); err != nil {
		return nil, fmt.Errorf("%s: cached_methods: %w", b.Pattern, err)
	}
	if !b.CachedMethods.SubsetOf(b.AllowedMethods) {
		return nil, fmt.Errorf("%s: cached_methods (%s) must be a subset of allowed_methods (%s)",
			b.Pattern, b.CachedMethods, b.AllowedMethods)
	}

	switch strings.ToLower(bc.Cookies.Forward) {
	case "", "none":
		b.Cookies.Forward = CookiesNone
	case "all":
		b.Cookies.Forward = CookiesAll
	case "whitelist":
		if len(bc.Cookies.Names) == 0 {
			return nil, fmt.Errorf("%s: cookie whitelist is empty", b.Pattern)
		}
		b.Cookies.Forward = CookiesWhitelist
		b.Cookies.Names = append([]string(nil), bc.Cookies.Names...)
		sort.Strings(b.Cookies.Names)
	default:
		return nil, fmt.Errorf("%s: invalid cookie forwarding %q", b.Pattern, bc.Cookies.Forward)
	}

	switch strings.ToLower(bc.ViewerProtocolPolicy) {
	case "", "allow-all":
		b.ViewerProtocolPolicy = AllowAll
	case "redirect-to-https":
		b.ViewerProtocolPolicy = RedirectToHTTPS
	case "https-only":
		b.ViewerProtocolPolicy = HTTPSOnly
	default:
		return nil, fmt.Errorf("%s: invalid viewer_protocol_policy %q", b.Pattern, bc.ViewerProtocolPolicy)
	}

	if b.TTL.Max > 0 && (b.TTL.Min > b.TTL.Max || b.TTL.Default > b.TTL.Max) {
		return nil, fmt.Errorf("%s: ttl min/default exceed max", b.Pattern)
	}
	return b, nil
}

// Match returns the behavior selected for path. It never returns nil.
func (t *Table) Match(path string) *Behavior {
	segs := splitPath(path)
	for _, b := range t.behaviors {
		if b.compiled.match(segs) {
			return b
		}
	}
	return t.def
}

// Resolve selects the behavior for path and checks method against it. A
// disallowed method does not fall through to later behaviors.
func (t *Table) Resolve(path, method string) (Resolution, error) {
	b := t.Match(path)
	if !b.AllowedMethods.Has(method) {
		return Resolution{}, &MethodNotAllowedError{Method: method, Behavior: b}
	}
	o, ok := t.origins[b.OriginID]
	if !ok {
		return Resolution{}, edgeerrors.ErrNoMatchingOrigin.WithDetails(b.OriginID)
	}
	return Resolution{Behavior: b, Origin: o}, nil
}

// Behaviors returns the table in evaluation order, default last.
func (t *Table) Behaviors() []*Behavior {
	out := make([]*Behavior, 0, len(t.behaviors)+1)
	out = append(out, t.behaviors...)
	return append(out, t.def)
}

// Origin returns the origin registered under id.
func (t *Table) Origin(id string) (origin.Origin, bool) {
	o, ok := t.origins[id]
	return o, ok
}

// MethodNotAllowedError is returned by Resolve when the selected behavior
// does not accept the request method.
type MethodNotAllowedError struct {
	Method   string
	Behavior *Behavior
}

func (e *MethodNotAllowedError) Error() string {
	return fmt.Sprintf("method %s not allowed by behavior %s", e.Method, e.Behavior.Pattern)
}

// Unwrap lets errors.Is match edgeerrors.ErrMethodNotAllowed.
func (e *MethodNotAllowedError) Unwrap() error { return edgeerrors.ErrMethodNotAllowed }

// Allow is the value of the Allow response header.
func (e *MethodNotAllowedError) Allow() string { return e.Behavior.AllowedMethods.String() }
