package address_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netgraphd/netgraphd/address"
)

func TestParseIPv4(t *testing.T) {
	a, err := address.Parse("1.2.3.4:80")
	require.NoError(t, err)
	require.Equal(t, address.V4, a.Kind())
	ip, ok := a.IP()
	require.True(t, ok)
	require.Equal(t, netip.MustParseAddr("1.2.3.4"), ip)
	require.Equal(t, uint16(80), a.Port())
	require.Equal(t, "1.2.3.4:80", a.String())
}

func TestParseIPv6Brackets(t *testing.T) {
	a, err := address.Parse("[::1]:53")
	require.NoError(t, err)
	require.Equal(t, address.V6, a.Kind())
	require.Equal(t, "[::1]:53", a.String())
}

func TestParseDomain(t *testing.T) {
	a, err := address.Parse("example.com:443")
	require.NoError(t, err)
	require.Equal(t, address.Domain, a.Kind())
	name, ok := a.DomainName()
	require.True(t, ok)
	require.Equal(t, "example.com", name)
	_, ok = a.IP()
	require.False(t, ok)
}

func TestParseInvalid(t *testing.T) {
	_, err := address.Parse("not-a-hostport")
	require.Error(t, err)
}

func TestToAnyAddrPortPreservesFamily(t *testing.T) {
	v4, err := address.Parse("93.184.216.34:80")
	require.NoError(t, err)
	require.True(t, v4.ToAnyAddrPort().Addr().Is4())

	v6, err := address.Parse("[2606:2800:220:1:248:1893:25c8:1946]:80")
	require.NoError(t, err)
	require.True(t, v6.ToAnyAddrPort().Addr().Is6())

	dom := address.FromDomain("example.com", 80)
	require.True(t, dom.ToAnyAddrPort().Addr().Is6())
}

func TestResolveUsesLookupOnlyForDomains(t *testing.T) {
	called := false
	lookup := func(host string) ([]netip.Addr, error) {
		called = true
		require.Equal(t, "example.com", host)
		return []netip.Addr{netip.MustParseAddr("203.0.113.1")}, nil
	}

	ipAddr := address.FromIP(netip.MustParseAddr("10.0.0.1"), 80)
	ip, err := ipAddr.Resolve(lookup)
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("10.0.0.1"), ip)
	require.False(t, called)

	domAddr := address.FromDomain("example.com", 80)
	ip, err = domAddr.Resolve(lookup)
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("203.0.113.1"), ip)
	require.True(t, called)
}

func TestWithPort(t *testing.T) {
	a := address.FromIP(netip.MustParseAddr("10.0.0.1"), 80)
	b := a.WithPort(443)
	require.Equal(t, uint16(80), a.Port())
	require.Equal(t, uint16(443), b.Port())
}
