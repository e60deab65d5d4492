// Package address implements the tagged Address variant: an IPv4 socket
// address, an IPv6 socket address, or an unresolved domain+port, along with
// parsing from the usual "host:port" text form.
package address

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

type Kind int

const (
	V4 Kind = iota
	V6
	Domain
)

// Address is a destination: either a concrete IPv4/IPv6 socket address or an
// unresolved domain name with a port. Zero value is not valid; use Parse or
// one of the constructors.
type Address struct {
	kind   Kind
	ip     netip.Addr // valid when kind != Domain
	domain string     // valid when kind == Domain
	port   uint16
}

func FromIP(ip netip.Addr, port uint16) Address {
	ip = ip.Unmap()
	k := V4
	if ip.Is6() {
		k = V6
	}
	return Address{kind: k, ip: ip, port: port}
}

func FromDomain(domain string, port uint16) Address {
	return Address{kind: Domain, domain: domain, port: port}
}

// Parse accepts "host:port" with IPv6 bracket syntax, e.g. "[::1]:53",
// "1.2.3.4:80", or "example.com:443".
func Parse(hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, fmt.Errorf("address: parse %q: %w", hostport, err)
	}
	portN, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("address: parse port %q: %w", portStr, err)
	}
	port := uint16(portN)

	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	if ip, err := netip.ParseAddr(host); err == nil {
		return FromIP(ip, port), nil
	}
	return FromDomain(host, port), nil
}

func (a Address) Kind() Kind { return a.kind }
func (a Address) Port() uint16 { return a.port }

// IP returns the address's IP and true if this is not a Domain address.
func (a Address) IP() (netip.Addr, bool) {
	if a.kind == Domain {
		return netip.Addr{}, false
	}
	return a.ip, true
}

// DomainName returns the domain name and true if this is a Domain address.
func (a Address) DomainName() (string, bool) {
	if a.kind != Domain {
		return "", false
	}
	return a.domain, true
}

func (a Address) String() string {
	switch a.kind {
	case V4:
		return net.JoinHostPort(a.ip.String(), strconv.Itoa(int(a.port)))
	case V6:
		return net.JoinHostPort(a.ip.String(), strconv.Itoa(int(a.port)))
	default:
		return net.JoinHostPort(a.domain, strconv.Itoa(int(a.port)))
	}
}

// ToAnyAddrPort returns a family-preserving wildcard bind address: 0.0.0.0
// for V4, [::] for V6, and [::] for Domain (dual-stack default).
func (a Address) ToAnyAddrPort() netip.AddrPort {
	switch a.kind {
	case V4:
		return netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
	default:
		return netip.AddrPortFrom(netip.IPv6Unspecified(), 0)
	}
}

// Resolve returns a concrete IP address, calling lookup for Domain
// addresses. lookup is typically a Net's lookup_host operation.
func (a Address) Resolve(lookup func(host string) ([]netip.Addr, error)) (netip.Addr, error) {
	if ip, ok := a.IP(); ok {
		return ip, nil
	}
	ips, err := lookup(a.domain)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(ips) == 0 {
		return netip.Addr{}, fmt.Errorf("address: lookup %q: no results", a.domain)
	}
	return ips[0], nil
}

// WithPort returns a copy of a with the port replaced.
func (a Address) WithPort(port uint16) Address {
	a.port = port
	return a
}
