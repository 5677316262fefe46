// Package validate decides whether a candidate upstream URL is safe to
// contact. A URL is validated only once both the syntactic/policy checks and
// the DNS address safety check pass.
package validate

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/asaskevich/govalidator"

	"github.com/openvast/unwrap-server/config"
	"github.com/openvast/unwrap-server/errortypes"
	"github.com/openvast/unwrap-server/util/iputil"
)

// AddressLookuper resolves a hostname to its addresses. *net.Resolver
// satisfies it; tests substitute a canned lookup.
type AddressLookuper interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Validator performs endpoint validation with SSRF-safe address checks.
type Validator struct {
	Lookuper    AddressLookuper
	IPValidator iputil.IPValidator

	// AllowedHosts restricts upstream hosts to an exact-match set when
	// non-nil. Entries may carry a port.
	AllowedHosts map[string]struct{}

	// AllowHTTP permits plain http schemes, for local tag servers in tests.
	AllowHTTP bool
}

// New builds a Validator from the process configuration, resolving through
// the system resolver.
func New(cfg *config.Configuration) *Validator {
	return &Validator{
		Lookuper: net.DefaultResolver,
		IPValidator: iputil.PublicNetworkIPValidator{
			IPv4ForbiddenNetworks: cfg.RequestValidation.IPv4ForbiddenNetworksParsed,
			IPv6ForbiddenNetworks: cfg.RequestValidation.IPv6ForbiddenNetworksParsed,
		},
		AllowedHosts: cfg.Upstream.AllowedHosts(),
	}
}

// CheckHostAddresses resolves host and verifies every address is publicly
// routable. IP literal hosts are rejected outright so a caller cannot bypass
// resolution, and results are never cached: each validation re-resolves,
// keeping a rebinding attacker from splitting the check from the use via a
// stale cache entry.
func (v *Validator) CheckHostAddresses(ctx context.Context, host string) ([]net.IP, error) {
	if ip, _ := iputil.ParseIP(host); ip != nil {
		return nil, &errortypes.Security{Message: fmt.Sprintf("IP literal host not allowed: %s", host)}
	}

	addrs, err := v.Lookuper.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, &errortypes.Network{Message: fmt.Sprintf("DNS resolution failed for %s: %v", host, err)}
	}
	if len(addrs) == 0 {
		return nil, &errortypes.Network{Message: fmt.Sprintf("hostname %s resolved to no addresses", host)}
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		ip, ver := normalizeIP(addr.IP)
		if !v.IPValidator.IsValid(ip, ver) {
			return nil, &errortypes.Security{Message: fmt.Sprintf("hostname %s resolves to forbidden address %s", host, addr.IP)}
		}
		ips = append(ips, addr.IP)
	}
	return ips, nil
}

// ValidateEndpoint runs the full check sequence on a candidate URL: syntax,
// scheme, credentials, allowlist, then DNS address safety. The returned URL
// is parsed and safe to fetch.
func (v *Validator) ValidateEndpoint(ctx context.Context, rawURL string) (*url.URL, error) {
	if !govalidator.IsRequestURL(rawURL) {
		return nil, &errortypes.BadEndpoint{Message: fmt.Sprintf("malformed endpoint URL: %s", rawURL)}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &errortypes.BadEndpoint{Message: fmt.Sprintf("malformed endpoint URL: %s", rawURL)}
	}

	if u.Scheme != "https" && !(v.AllowHTTP && u.Scheme == "http") {
		return nil, &errortypes.BadEndpoint{Message: fmt.Sprintf("endpoint scheme must be https, got %q", u.Scheme)}
	}

	if u.User != nil {
		return nil, &errortypes.BadEndpoint{Message: "endpoint URL must not contain credentials"}
	}

	if v.AllowedHosts != nil {
		host := strings.ToLower(u.Host)
		hostname := strings.ToLower(u.Hostname())
		if _, ok := v.AllowedHosts[host]; !ok {
			if _, ok := v.AllowedHosts[hostname]; !ok {
				return nil, &errortypes.BadEndpoint{Message: fmt.Sprintf("endpoint host %s is not allowlisted", u.Hostname())}
			}
		}
	}

	if _, err := v.CheckHostAddresses(ctx, u.Hostname()); err != nil {
		return nil, err
	}

	return u, nil
}

// normalizeIP maps the resolver output into the (ip, version) form the
// network classifier expects. 4-in-6 mapped addresses classify as IPv4 so a
// ::ffff: prefix cannot smuggle a private v4 target past the v6 lists.
func normalizeIP(ip net.IP) (net.IP, iputil.IPVersion) {
	if v4 := ip.To4(); v4 != nil {
		return v4, iputil.IPv4
	}
	return ip, iputil.IPv6
}
