// Package router selects an upstream for a repository path using glob-style
// patterns. Deliberately hand-rolled rather than regex or a third-party glob
// library: matching cost must be bounded by a global iteration cap, which is
// easiest to guarantee with an explicit recursive-descent matcher (spec §4.5).
package router

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
)

// ErrIterationLimitExceeded is returned when matching a pattern against a
// path would exceed the global iteration cap.
var ErrIterationLimitExceeded = errors.New("router: pattern iteration limit exceeded")

// maxIterations bounds the total recursive-descent work per Match call,
// preventing a pathological pattern (many adjacent "**") from causing
// superlinear blowup (spec §4.5).
const maxIterations = 10000

// partKind distinguishes the three kinds of compiled pattern segment.
type partKind int

const (
	partLiteral partKind = iota
	partOne              // "*": single path segment
	partMany             // "**": zero or more path segments
)

type part struct {
	kind    partKind
	literal string // only meaningful when kind == partLiteral
}

// Pattern is a compiled route pattern, ready for repeated matching.
type Pattern struct {
	raw   string
	parts []part
}

// Compile parses a pattern like "library/**" or "*/official-*" into a
// sequence of literal/one/many parts (spec §4.5).
func Compile(pattern string) Pattern {
	var parts []part
	i := 0
	for i < len(pattern) {
		switch {
		case strings.HasPrefix(pattern[i:], "**"):
			parts = append(parts, part{kind: partMany})
			i += 2
		case pattern[i] == '*':
			parts = append(parts, part{kind: partOne})
			i++
		default:
			j := i
			for j < len(pattern) && pattern[j] != '*' {
				j++
			}
			parts = append(parts, part{kind: partLiteral, literal: pattern[i:j]})
			i = j
		}
	}
	return Pattern{raw: pattern, parts: parts}
}

// String returns the original, uncompiled pattern text.
func (p Pattern) String() string { return p.raw }

// Match reports whether path satisfies the compiled pattern. Matching is
// recursive descent over parts and path positions, bounded by
// maxIterations total steps.
func (p Pattern) Match(path string) (bool, error) {
	iterations := 0
	ok, err := matchParts(p.parts, path, &iterations)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func matchParts(parts []part, path string, iterations *int) (bool, error) {
	*iterations++
	if *iterations > maxIterations {
		return false, ErrIterationLimitExceeded
	}

	if len(parts) == 0 {
		return path == "", nil
	}

	head := parts[0]
	switch head.kind {
	case partLiteral:
		if !strings.HasPrefix(path, head.literal) {
			return false, nil
		}
		return matchParts(parts[1:], path[len(head.literal):], iterations)

	case partOne:
		end := strings.IndexByte(path, '/')
		if end < 0 {
			end = len(path)
		}
		// "*" must consume at least one character of the segment? Spec
		// doesn't require non-empty; allow zero-length matches for "*foo".
		for consumed := end; consumed >= 0; consumed-- {
			*iterations++
			if *iterations > maxIterations {
				return false, ErrIterationLimitExceeded
			}
			ok, err := matchParts(parts[1:], path[consumed:], iterations)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case partMany:
		for consumed := 0; consumed <= len(path); consumed++ {
			*iterations++
			if *iterations > maxIterations {
				return false, ErrIterationLimitExceeded
			}
			ok, err := matchParts(parts[1:], path[consumed:], iterations)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	return false, nil
}

// Route binds a compiled pattern to an upstream name and priority
// (spec §4.5: "(upstream_name, pattern, priority)").
type Route struct {
	UpstreamName string
	Pattern      Pattern
	Priority     int
}

// Match is the result of a successful route selection (spec §4.5).
type Match struct {
	Pattern      string
	Priority     int
	UpstreamName string
}

// Router holds a priority-sorted set of compiled routes.
type Router struct {
	routes []Route
}

// RouteSpec is an uncompiled route, as read from configuration.
type RouteSpec struct {
	UpstreamName string
	Pattern      string
	Priority     int
}

// New compiles entries and sorts them by priority ascending (smaller wins).
func New(entries []RouteSpec) *Router {
	routes := make([]Route, 0, len(entries))
	for _, e := range entries {
		routes = append(routes, Route{
			UpstreamName: e.UpstreamName,
			Pattern:      Compile(e.Pattern),
			Priority:     e.Priority,
		})
	}
	sort.SliceStable(routes, func(i, j int) bool { return routes[i].Priority < routes[j].Priority })
	return &Router{routes: routes}
}

// Select returns the first route (in priority order) whose pattern matches
// repoPath, or (Match{}, false) if none match (spec §4.5).
func (r *Router) Select(repoPath string) (Match, bool) {
	for _, route := range r.routes {
		ok, err := route.Pattern.Match(repoPath)
		if err != nil {
			// A pattern that blows the iteration cap is treated as a
			// non-match rather than aborting the whole selection (spec §8).
			slog.Warn("router: pattern exceeded iteration cap, skipping", "pattern", route.Pattern.String(), "upstream", route.UpstreamName)
			continue
		}
		if ok {
			return Match{Pattern: route.Pattern.String(), Priority: route.Priority, UpstreamName: route.UpstreamName}, true
		}
	}
	return Match{}, false
}
