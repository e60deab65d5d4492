package rule_test

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netgraphd/netgraphd/address"
	"github.com/netgraphd/netgraphd/rule"
)

func mustIP(s string) netip.Addr { return netip.MustParseAddr(s) }

func matchCtx(domain string) rule.MatchContext {
	return rule.MatchContext{Dest: address.FromDomain(domain, 443)}
}

// referenceMatch is a linear-scan reference implementation of single-
// pattern domain matcher semantics, used to verify the Aho-Corasick
// compiled matcher agrees with a naive implementation on every case.
func referenceMatch(method rule.DomainMethod, pattern, domain string) bool {
	tagged := strings.HasPrefix(pattern, "+.")
	bare := strings.TrimPrefix(pattern, "+.")

	switch method {
	case rule.MethodKeyword:
		return strings.Contains(domain, bare)
	case rule.MethodSuffix:
		return strings.HasSuffix(domain, bare)
	case rule.MethodMatch:
		if domain == bare {
			return true
		}
		if tagged && strings.HasSuffix(domain, "."+bare) {
			return true
		}
		return false
	default:
		return false
	}
}

func TestDomainMatcherParity(t *testing.T) {
	cases := []struct {
		method  rule.DomainMethod
		pattern string
		domains []string
	}{
		{rule.MethodKeyword, "google", []string{"maps.google.com", "www.example.com", "googleplex.com"}},
		{rule.MethodSuffix, "com", []string{"example.com", "example.cn", "a.b.com"}},
		{rule.MethodSuffix, "+.com", []string{"example.com", "sub.example.com", "example.cn"}},
		{rule.MethodMatch, "example.com", []string{"example.com", "www.example.com", "example.com.evil.com"}},
		{rule.MethodMatch, "+.google.com", []string{"google.com", "maps.google.com", "evilgoogle.com", "a.maps.google.com"}},
	}

	for _, tc := range cases {
		m, err := rule.NewDomainMatcher(tc.method, []string{tc.pattern})
		require.NoError(t, err)
		for _, d := range tc.domains {
			want := referenceMatch(tc.method, tc.pattern, d)
			got := m.Match(matchCtx(d))
			require.Equalf(t, want, got, "method=%v pattern=%q domain=%q", tc.method, tc.pattern, d)
		}
	}
}

// TestDomainMatcherSuffixWithPlus verifies "example.com" and
// "sub.example.com" both match Suffix{"+.com"}; "example.cn" does not.
func TestDomainMatcherSuffixWithPlus(t *testing.T) {
	m, err := rule.NewDomainMatcher(rule.MethodSuffix, []string{"+.com"})
	require.NoError(t, err)
	require.True(t, m.Match(matchCtx("example.com")))
	require.True(t, m.Match(matchCtx("sub.example.com")))
	require.False(t, m.Match(matchCtx("example.cn")))
}

func TestDomainMatcherMatchExactAndSubdomain(t *testing.T) {
	m, err := rule.NewDomainMatcher(rule.MethodMatch, []string{"+.google.com"})
	require.NoError(t, err)
	require.True(t, m.Match(matchCtx("google.com")))
	require.True(t, m.Match(matchCtx("maps.google.com")))
	require.False(t, m.Match(matchCtx("evilgoogle.com")))
	require.False(t, m.Match(matchCtx("example.com")))
}

func TestDomainMatcherPrefersSniffedDomain(t *testing.T) {
	m, err := rule.NewDomainMatcher(rule.MethodMatch, []string{"+.baidu.com"})
	require.NoError(t, err)
	mc := rule.MatchContext{
		Dest:          address.FromIP(mustIP("220.181.38.148"), 80),
		SniffedDomain: "baidu.com",
		HasSniffed:    true,
	}
	require.True(t, m.Match(mc))
}
