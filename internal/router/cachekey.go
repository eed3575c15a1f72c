package router

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// CacheKey identifies a cacheable response. Two requests share a key exactly
// when they select the same behavior and forward the same path, query,
// cookies and viewer protocol.
type CacheKey struct {
	Behavior string
	Path     string
	Query    string
	Cookies  string
	Protocol string
}

// CacheKey derives the key for r under b. scheme is the viewer protocol.
func (b *Behavior) CacheKey(r *http.Request, scheme string) CacheKey {
	k := CacheKey{
		Behavior: b.Pattern,
		Path:     r.URL.EscapedPath(),
		Protocol: scheme,
	}
	if b.ForwardQueryString {
		k.Query = r.URL.RawQuery
	}
	k.Cookies = b.cookieSubset(r.Cookies())
	return k
}

// cookieSubset renders the forwarded cookies sorted by name.
func (b *Behavior) cookieSubset(cookies []*http.Cookie) string {
	if b.Cookies.Forward == CookiesNone || len(cookies) == 0 {
		return ""
	}
	kept := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if b.Cookies.allows(c.Name) {
			kept = append(kept, c)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Name < kept[j].Name })
	parts := make([]string, len(kept))
	for i, c := range kept {
		parts[i] = c.Name + "=" + c.Value
	}
	return strings.Join(parts, "; ")
}

// String is the canonical form. Fields are length-prefixed so no field value
// can forge a separator.
func (k CacheKey) String() string {
	var sb strings.Builder
	for _, f := range [...]string{k.Behavior, k.Path, k.Query, k.Cookies, k.Protocol} {
		sb.WriteString(strconv.Itoa(len(f)))
		sb.WriteByte(':')
		sb.WriteString(f)
		sb.WriteByte('|')
	}
	return sb.String()
}

// Digest is the 64-bit xxhash of the canonical form.
func (k CacheKey) Digest() uint64 {
	return xxhash.Sum64String(k.String())
}

// Hex renders the digest for use as a storage key.
func (k CacheKey) Hex() string {
	return strconv.FormatUint(k.Digest(), 16)
}
