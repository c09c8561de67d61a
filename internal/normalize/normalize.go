// Package normalize collapses high-cardinality URL paths into stable
// endpoint patterns.
//
// "/users/42/profile" and "/users/97/profile" both normalize to
// "/users/{id}/profile", so learned behavior accumulates per route
// template instead of per concrete resource.
package normalize

import (
	"regexp"
	"strings"
)

var (
	uuidRe    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	numericRe = regexp.MustCompile(`^[0-9]+$`)
	hexRe     = regexp.MustCompile(`^[0-9a-fA-F]{16,}$`)
	base64Re  = regexp.MustCompile(`^[A-Za-z0-9+/_-]{20,}={0,2}$`)
	slugRe    = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+){2,}$`)
	alphaRe   = regexp.MustCompile(`[a-zA-Z]`)
	digitRe   = regexp.MustCompile(`[0-9]`)
	alnumRe   = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
)

// Placeholders produced by Path. Segments already equal to one of these
// pass through untouched, which makes Path idempotent.
const (
	segID    = "{id}"
	segHash  = "{hash}"
	segToken = "{token}"
	segSlug  = "{slug}"
)

// Path returns the canonical pattern for a raw request path. The result
// always starts with "/". Identical inputs always produce identical outputs.
func Path(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "/"
	}
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}

	parts := strings.Split(strings.Trim(raw, "/"), "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		out = append(out, normalizeSegment(p))
	}
	return "/" + strings.Join(out, "/")
}

// normalizeSegment applies the replacement rules to a single path segment,
// most specific first.
func normalizeSegment(s string) string {
	switch s {
	case segID, segHash, segToken, segSlug:
		return s
	}

	switch {
	case uuidRe.MatchString(s):
		return segID
	case numericRe.MatchString(s):
		return segID
	case hexRe.MatchString(s) && !strings.Contains(s, "-"):
		return segHash
	case len(s) >= 20 && base64Re.MatchString(s) && mixedClasses(s):
		return segToken
	case len(s) > 8 && slugRe.MatchString(s):
		return segSlug
	case len(s) >= 6 && len(s) <= 12 && alnumRe.MatchString(s) &&
		alphaRe.MatchString(s) && digitRe.MatchString(s):
		// Opaque short identifiers like "a1b2c3". Shorter mixed segments
		// ("v2", "api") are legitimate route words and survive verbatim.
		return segID
	}
	return s
}

// mixedClasses reports whether s draws from more than one character class,
// which separates base64-ish tokens from long plain words.
func mixedClasses(s string) bool {
	var upper, lower, digit, other bool
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= '0' && r <= '9':
			digit = true
		default:
			other = true
		}
	}
	n := 0
	for _, b := range []bool{upper, lower, digit, other} {
		if b {
			n++
		}
	}
	return n >= 2
}
