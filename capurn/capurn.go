// Package capurn provides the minimal capability-URN matching collaborator
// the transport layer needs: given a requested URN and a registered URN,
// decide whether the registration accepts the request, and rank candidate
// registrations by specificity so the most specific match wins ties.
//
// This is deliberately not a URN grammar or conformance engine — it treats
// a cap URN as an opaque string plus a ";"-separated tag list, matches by
// exact equality, and breaks ties by tag count. A real grammar-aware
// matcher can be substituted by implementing Matcher.
package capurn

import "strings"

// Matcher decides whether a registered capability accepts a requested one,
// and orders registrations by how specific they are.
type Matcher interface {
	// Accepts reports whether registered can serve requested.
	Accepts(requested, registered string) bool
	// Specificity returns a relative specificity score; higher wins when
	// more than one registration accepts the same request.
	Specificity(urn string) int
}

// ExactMatcher is the default Matcher: a registration accepts a request
// only when the URNs are byte-identical. Specificity is the number of
// ";"-separated tags in the URN, so "cap:in=media:;out=media:;op=transcode"
// (3 tags) outranks "cap:in=media:;out=media:" (2 tags).
type ExactMatcher struct{}

// Accepts implements Matcher.
func (ExactMatcher) Accepts(requested, registered string) bool {
	return requested == registered
}

// Specificity implements Matcher.
func (ExactMatcher) Specificity(urn string) int {
	return strings.Count(urn, ";") + 1
}

// Best returns the index of the most specific entry in candidates that
// accepts requested, or -1 if none do. Ties are broken by the earliest
// entry in candidates.
func Best(m Matcher, requested string, candidates []string) int {
	best := -1
	bestSpecificity := -1
	for i, c := range candidates {
		if !m.Accepts(requested, c) {
			continue
		}
		s := m.Specificity(c)
		if s > bestSpecificity {
			best = i
			bestSpecificity = s
		}
	}
	return best
}
