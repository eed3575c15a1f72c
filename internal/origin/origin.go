// Package origin implements the backends the edge dispatches to. The router
// depends only on the Origin interface; the two variants are a blob-backed
// static origin and a dynamic origin reached over HTTPS or as a function.
package origin

import (
	"context"
	"net/http"
)

// Kind distinguishes static object origins from dynamic compute origins.
type Kind int

const (
	KindStatic Kind = iota
	KindDynamic
)

func (k Kind) String() string {
	switch k {
	case KindStatic:
		return "static"
	case KindDynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// Origin answers a forwarded HTTP request. Implementations must be safe for
// concurrent use. A returned error means the origin could not be reached; an
// HTTP error status is a successful Fetch.
type Origin interface {
	ID() string
	Kind() Kind
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// RootObjecter is implemented by origins that substitute a default object for
// requests to "/".
type RootObjecter interface {
	DefaultRootObject() string
}

// Closer is implemented by origins holding resources (buckets, clients).
type Closer interface {
	Close() error
}
