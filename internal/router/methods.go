package router

import (
	"fmt"
	"net/http"
	"strings"
)

// MethodSet is a compact set of HTTP methods.
type MethodSet uint8

const (
	methodGET MethodSet = 1 << iota
	methodHEAD
	methodOPTIONS
	methodPUT
	methodPOST
	methodPATCH
	methodDELETE
)

// canonical order used for Allow headers and dumps
var methodOrder = []struct {
	name string
	bit  MethodSet
}{
	{http.MethodGet, methodGET},
	{http.MethodHead, methodHEAD},
	{http.MethodOptions, methodOPTIONS},
	{http.MethodPut, methodPUT},
	{http.MethodPost, methodPOST},
	{http.MethodPatch, methodPATCH},
	{http.MethodDelete, methodDELETE},
}

func methodBit(method string) MethodSet {
	for _, m := range methodOrder {
		if m.name == method {
			return m.bit
		}
	}
	return 0
}

// ParseMethods builds a set from method names. Unknown names are an error.
func ParseMethods(names []string) (MethodSet, error) {
	var s MethodSet
	for _, n := range names {
		bit := methodBit(strings.ToUpper(strings.TrimSpace(n)))
		if bit == 0 {
			return 0, fmt.Errorf("unsupported method %q", n)
		}
		s |= bit
	}
	return s, nil
}

// Has reports whether method is in the set.
func (s MethodSet) Has(method string) bool {
	bit := methodBit(method)
	return bit != 0 && s&bit != 0
}

// SubsetOf reports whether every method of s is also in o.
func (s MethodSet) SubsetOf(o MethodSet) bool {
	return s&^o == 0
}

// Methods returns the members in canonical order.
func (s MethodSet) Methods() []string {
	out := make([]string, 0, len(methodOrder))
	for _, m := range methodOrder {
		if s&m.bit != 0 {
			out = append(out, m.name)
		}
	}
	return out
}

// String renders the set as an Allow header value.
func (s MethodSet) String() string {
	return strings.Join(s.Methods(), ", ")
}
