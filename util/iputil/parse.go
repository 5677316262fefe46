package iputil

import (
	"net"
)

// IPVersion is the numeric version of an ip address.
type IPVersion int

const (
	// IPvUnknown is an unknown or invalid ip address version.
	IPvUnknown IPVersion = 0

	// IPv4 is the ip address version 4.
	IPv4 IPVersion = 4

	// IPv6 is the ip address version 6.
	IPv6 IPVersion = 6
)

// ParseIP parses a string into an ip address and version, returning nil and
// IPvUnknown when the string is not a valid ip address literal.
func ParseIP(ip string) (net.IP, IPVersion) {
	ipParsed := net.ParseIP(ip)
	if ipParsed == nil {
		return nil, IPvUnknown
	}

	if ipParsed.To4() != nil {
		return ipParsed, IPv4
	}

	return ipParsed, IPv6
}
