package router

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultPattern is the catch-all pattern carried by exactly one behavior.
const DefaultPattern = "*"

type segmentKind uint8

const (
	segLiteral segmentKind = iota
	segGlob                // glob within a single segment, e.g. "*.css"
	segAny                 // "*": one or more whole segments
)

type segment struct {
	kind  segmentKind
	value string
}

// pattern is a compiled path-segment glob.
type pattern struct {
	raw      string
	segments []segment
}

// isDefaultPattern reports whether p names the default behavior.
func isDefaultPattern(p string) bool {
	p = strings.TrimSpace(p)
	return p == DefaultPattern || strings.EqualFold(p, "default")
}

func compilePattern(raw string) (pattern, error) {
	if !strings.HasPrefix(raw, "/") {
		return pattern{}, fmt.Errorf("pattern %q must start with '/'", raw)
	}
	p := pattern{raw: raw}
	for _, s := range splitPath(raw) {
		switch {
		case s == "*":
			p.segments = append(p.segments, segment{kind: segAny})
		case strings.ContainsAny(s, "*?["):
			if !doublestar.ValidatePattern(s) {
				return pattern{}, fmt.Errorf("pattern %q: invalid glob segment %q", raw, s)
			}
			p.segments = append(p.segments, segment{kind: segGlob, value: s})
		default:
			p.segments = append(p.segments, segment{kind: segLiteral, value: s})
		}
	}
	if len(p.segments) == 0 {
		return pattern{}, fmt.Errorf("pattern %q has no segments", raw)
	}
	return p, nil
}

// splitPath splits a path into its non-empty segments.
func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (p pattern) match(segs []string) bool {
	return p.matchFrom(0, segs)
}

func (p pattern) matchFrom(pi int, segs []string) bool {
	if pi == len(p.segments) {
		return len(segs) == 0
	}
	seg := p.segments[pi]
	switch seg.kind {
	case segAny:
		// consume n >= 1 segments
		for n := 1; n <= len(segs); n++ {
			if p.matchFrom(pi+1, segs[n:]) {
				return true
			}
		}
		return false
	case segGlob:
		if len(segs) == 0 {
			return false
		}
		ok, err := doublestar.Match(seg.value, segs[0])
		return err == nil && ok && p.matchFrom(pi+1, segs[1:])
	default:
		return len(segs) > 0 && segs[0] == seg.value && p.matchFrom(pi+1, segs[1:])
	}
}
