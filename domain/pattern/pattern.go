// Package pattern compiles action-id patterns (exact strings, prefix
// wildcards like "ticket.*", suffix wildcards like "*.delete", and the full
// wildcard "*") into a matcher (a map lookup for exact patterns, a linear
// scan of the prefix and suffix patterns), and ranks matches by specificity when more than one pattern matches the same action ID.
package pattern

import "strings"

// Kind identifies how a compiled pattern matches.
type Kind int

const (
	// KindExact matches the action ID verbatim.
	KindExact Kind = iota
	// KindPrefix matches "prefix.*" against any action ID starting with prefix+".".
	KindPrefix
	// KindSuffix matches "*.suffix" against any action ID ending with "."+suffix.
	KindSuffix
	// KindFull matches "*" against every action ID.
	KindFull
)

// Pattern is a single compiled action-id pattern.
type Pattern struct {
	Raw  string
	Kind Kind
	// Stem is the prefix (KindPrefix) or suffix (KindSuffix) text with the
	// wildcard and its separating dot stripped off. Empty for KindExact/KindFull.
	Stem string
}

// Compile parses a raw pattern string into a Pattern. It never errors: any
// string not recognized as a wildcard form compiles to an exact match.
func Compile(raw string) Pattern {
	if raw == "*" {
		return Pattern{Raw: raw, Kind: KindFull}
	}
	if strings.HasSuffix(raw, ".*") {
		return Pattern{Raw: raw, Kind: KindPrefix, Stem: strings.TrimSuffix(raw, ".*")}
	}
	if strings.HasPrefix(raw, "*.") {
		return Pattern{Raw: raw, Kind: KindSuffix, Stem: strings.TrimPrefix(raw, "*.")}
	}
	return Pattern{Raw: raw, Kind: KindExact}
}

// Matches reports whether the pattern matches the given action ID.
func (p Pattern) Matches(actionID string) bool {
	switch p.Kind {
	case KindFull:
		return true
	case KindExact:
		return p.Raw == actionID
	case KindPrefix:
		return actionID == p.Stem || strings.HasPrefix(actionID, p.Stem+".")
	case KindSuffix:
		return actionID == p.Stem || strings.HasSuffix(actionID, "."+p.Stem)
	default:
		return false
	}
}

// Specificity ranks a pattern kind from most to least specific, for
// resolving ties when multiple patterns match the same action ID. Exact
// matches outrank every wildcard; a prefix wildcard ("ticket.*") always
// outranks a suffix wildcard ("*.delete") regardless of stem length, since a
// prefix constrains the action's capability namespace while a suffix only
// constrains its verb; within the same wildcard kind, a longer stem is more
// specific than a shorter one. The full wildcard is always least specific.
func (p Pattern) Specificity() int {
	const prefixBand = 500_000
	switch p.Kind {
	case KindExact:
		return 1_000_000
	case KindPrefix:
		return prefixBand + len(p.Stem)
	case KindSuffix:
		return len(p.Stem)
	default: // KindFull
		return 0
	}
}

// Matcher compiles a set of patterns into separate exact/prefix/suffix
// buckets and a full-wildcard flag, so a lookup for a concrete action ID
// never has to scan every registered pattern: an exact-match map lookup and
// at most len(prefixStems)+len(suffixStems) additional prefix/suffix checks
// against each pattern's own stem.
type Matcher struct {
	exact  map[string]Pattern
	prefix []Pattern
	suffix []Pattern
	full   *Pattern
}

// NewMatcher compiles raw into a Matcher.
func NewMatcher(raw []string) *Matcher {
	m := &Matcher{exact: make(map[string]Pattern)}
	for _, r := range raw {
		p := Compile(r)
		switch p.Kind {
		case KindExact:
			m.exact[p.Raw] = p
		case KindPrefix:
			m.prefix = append(m.prefix, p)
		case KindSuffix:
			m.suffix = append(m.suffix, p)
		case KindFull:
			full := p
			m.full = &full
		}
	}
	return m
}

// Match returns every compiled pattern that matches actionID, most specific
// first. An empty result means no pattern in the set matches.
func (m *Matcher) Match(actionID string) []Pattern {
	var matched []Pattern

	if p, ok := m.exact[actionID]; ok {
		matched = append(matched, p)
	}
	for _, p := range m.prefix {
		if p.Matches(actionID) {
			matched = append(matched, p)
		}
	}
	for _, p := range m.suffix {
		if p.Matches(actionID) {
			matched = append(matched, p)
		}
	}
	if m.full != nil {
		matched = append(matched, *m.full)
	}

	sortBySpecificity(matched)
	return matched
}

// MatchBest returns the single most specific pattern matching actionID, and
// false if nothing matches.
func (m *Matcher) MatchBest(actionID string) (Pattern, bool) {
	matched := m.Match(actionID)
	if len(matched) == 0 {
		return Pattern{}, false
	}
	return matched[0], true
}

func sortBySpecificity(patterns []Pattern) {
	// Insertion sort: pattern sets per policy are small (typically single
	// digits), so this avoids pulling in sort.Slice's closure overhead for
	// what is almost always a 1-3 element slice.
	for i := 1; i < len(patterns); i++ {
		for j := i; j > 0 && patterns[j].Specificity() > patterns[j-1].Specificity(); j-- {
			patterns[j], patterns[j-1] = patterns[j-1], patterns[j]
		}
	}
}
