package rule

import (
	"fmt"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
)

type DomainMethod int

const (
	MethodKeyword DomainMethod = iota
	MethodSuffix
	MethodMatch
)

func ParseDomainMethod(s string) (DomainMethod, error) {
	switch s {
	case "keyword", "Keyword":
		return MethodKeyword, nil
	case "suffix", "Suffix":
		return MethodSuffix, nil
	case "match", "Match":
		return MethodMatch, nil
	default:
		return 0, fmt.Errorf("rule: unknown domain method %q", s)
	}
}

// DomainMatcher is a compiled Aho-Corasick domain matcher. Every pattern is
// reversed before insertion (and, if it carries a "+." or-subdomain prefix,
// the prefix is stripped and the pattern is tagged) so that suffix/subdomain
// decisions become prefix/exact decisions on the reversed query text, which
// Aho-Corasick's start-position semantics handle directly.
type DomainMatcher struct {
	method DomainMethod
	trie   *ahocorasick.Trie
	tagged map[string]bool // reversed, de-plussed pattern -> was "+."-prefixed
}

func NewDomainMatcher(method DomainMethod, patterns []string) (*DomainMatcher, error) {
	tagged := make(map[string]bool, len(patterns))
	reversed := make([]string, 0, len(patterns))
	for _, p := range patterns {
		t := false
		if len(p) >= 2 && p[0] == '+' && p[1] == '.' {
			t = true
			p = p[2:]
		}
		rev := reverseString(p)
		tagged[rev] = tagged[rev] || t
		reversed = append(reversed, rev)
	}
	trie := ahocorasick.NewTrieBuilder().AddStrings(reversed).Build()
	return &DomainMatcher{method: method, trie: trie, tagged: tagged}, nil
}

func reverseString(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}

// Match implements leftmost-longest "first hit decides" selection: among
// all Aho-Corasick matches found in the reversed query, the one with the
// smallest start (and, among ties, the greatest length) is examined; its
// method-specific condition is the final answer — there is no fallback to
// a second-best match.
func (m *DomainMatcher) Match(mc MatchContext) bool {
	domain, ok := mc.domain()
	if !ok || domain == "" {
		return false
	}
	revQuery := reverseString(domain)
	qlen := len(revQuery)

	matches := m.trie.MatchString(revQuery)
	if len(matches) == 0 {
		return false
	}

	best := matches[0]
	bestStart := best.Pos()
	bestLen := len(best.MatchString())
	for _, cand := range matches[1:] {
		start := cand.Pos()
		length := len(cand.MatchString())
		if start < bestStart || (start == bestStart && length > bestLen) {
			best, bestStart, bestLen = cand, start, length
		}
	}

	start := int(bestStart)
	end := start + bestLen
	isTagged := m.tagged[best.MatchString()]

	switch m.method {
	case MethodKeyword:
		return true
	case MethodSuffix:
		// A suffix of the original domain is a prefix of the reversed
		// query, so suffix matching requires a pattern anchored at the
		// start of the reversed text, independent of where it ends.
		return start == 0
	case MethodMatch:
		if start == 0 && end == qlen {
			return true
		}
		if isTagged && start == 0 && end < qlen && revQuery[end] == '.' {
			return true
		}
		return false
	default:
		return false
	}
}
