package iputil

import (
	"net"
)

// IPValidator is the interface for validating an ip address and version.
type IPValidator interface {
	// IsValid returns true when an IP address is determined to be valid.
	IsValid(net.IP, IPVersion) bool
}

// PublicNetworkIPValidator validates an ip address which is not contained in
// the list of known forbidden networks.
type PublicNetworkIPValidator struct {
	IPv4ForbiddenNetworks []net.IPNet
	IPv6ForbiddenNetworks []net.IPNet
}

// IsValid implements the IPValidator interface.
func (v PublicNetworkIPValidator) IsValid(ip net.IP, ver IPVersion) bool {
	var forbiddenNetworks []net.IPNet
	switch ver {
	case IPv4:
		forbiddenNetworks = v.IPv4ForbiddenNetworks
	case IPv6:
		forbiddenNetworks = v.IPv6ForbiddenNetworks
	default:
		return false
	}

	for _, ipNet := range forbiddenNetworks {
		if ipNet.Contains(ip) {
			return false
		}
	}

	return true
}

// DefaultIPv4ForbiddenNetworks returns the IPv4 ranges an upstream fetch must
// never target: private, loopback, link-local (cloud metadata endpoints
// included), carrier-grade NAT, multicast and reserved space.
func DefaultIPv4ForbiddenNetworks() []net.IPNet {
	return mustParseNetworks(
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"100.64.0.0/10",
		"224.0.0.0/4",
		"240.0.0.0/4",
	)
}

// DefaultIPv6ForbiddenNetworks returns the IPv6 ranges an upstream fetch must
// never target: loopback, link-local, unique-local and multicast space.
func DefaultIPv6ForbiddenNetworks() []net.IPNet {
	return mustParseNetworks(
		"::1/128",
		"fe80::/10",
		"fc00::/7",
		"ff00::/8",
	)
}

func mustParseNetworks(cidrs ...string) []net.IPNet {
	networks := make([]net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("iputil: invalid builtin network " + cidr)
		}
		networks = append(networks, *ipNet)
	}
	return networks
}
