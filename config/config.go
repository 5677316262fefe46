package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/viper"

	"github.com/openvast/unwrap-server/util/iputil"
)

// Configuration is built once at process start and passed explicitly to each
// component. Recognized environment variables are bound in SetupViper.
type Configuration struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	AdminPort  int    `mapstructure:"admin_port"`
	EnableGzip bool   `mapstructure:"enable_gzip"`
	Debug      bool   `mapstructure:"debug"`

	Unwrap   Unwrap   `mapstructure:"unwrap"`
	Upstream Upstream `mapstructure:"upstream"`

	RequestValidation RequestValidation `mapstructure:"request_validation"`

	StatusResponse string `mapstructure:"status_response"`
}

// Unwrap holds the wrapper resolution settings.
type Unwrap struct {
	// MaxDepth bounds the number of wrapper hops followed before the chain
	// is abandoned.
	MaxDepth int `mapstructure:"max_depth"`
	// TimeoutMS is the cumulative deadline for one resolution, spanning
	// every hop of the chain.
	TimeoutMS int `mapstructure:"timeout_ms"`
	// CacheTTLMS is how long a resolved document stays servable from cache.
	CacheTTLMS int `mapstructure:"cache_ttl_ms"`
	// MaxBodyBytes caps the size of any fetched VAST body.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
	// MaxRedirects caps HTTP 3xx hops inside a single fetch.
	MaxRedirects int `mapstructure:"max_redirects"`
	// DedupImpressions drops duplicate Impression URLs during the merge.
	// Off by default so duplicates stay visible for auditing.
	DedupImpressions bool `mapstructure:"imp_dedup"`
}

// Upstream holds the bid endpoint selection settings.
type Upstream struct {
	// DefaultEndpoint is used when the request does not name an endpoint.
	DefaultEndpoint string `mapstructure:"default_endpoint"`
	// TimeoutMS is the deadline for the forwarded bid request.
	TimeoutMS int `mapstructure:"timeout_ms"`
	// EndpointAllowlist is a comma-separated list of hostnames the proxy
	// may forward to. Empty means any (publicly routable) host.
	EndpointAllowlist string `mapstructure:"endpoint_allowlist"`
}

// RequestValidation holds the forbidden network configuration for outbound
// fetches. The defaults cover private, loopback, link-local, CGNAT,
// multicast and reserved space; operators may append to them.
type RequestValidation struct {
	IPv4ForbiddenNetworks       []string    `mapstructure:"ipv4_forbidden_networks"`
	IPv4ForbiddenNetworksParsed []net.IPNet `mapstructure:"-"`

	IPv6ForbiddenNetworks       []string    `mapstructure:"ipv6_forbidden_networks"`
	IPv6ForbiddenNetworksParsed []net.IPNet `mapstructure:"-"`
}

// Parse validates the operator-supplied CIDRs and appends them to the builtin
// forbidden networks.
func (rv *RequestValidation) Parse() []error {
	var errs []error

	rv.IPv4ForbiddenNetworksParsed = iputil.DefaultIPv4ForbiddenNetworks()
	for _, v := range rv.IPv4ForbiddenNetworks {
		_, ipNet, err := net.ParseCIDR(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid value request_validation.ipv4_forbidden_networks: %s", v))
			continue
		}
		rv.IPv4ForbiddenNetworksParsed = append(rv.IPv4ForbiddenNetworksParsed, *ipNet)
	}

	rv.IPv6ForbiddenNetworksParsed = iputil.DefaultIPv6ForbiddenNetworks()
	for _, v := range rv.IPv6ForbiddenNetworks {
		_, ipNet, err := net.ParseCIDR(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid value request_validation.ipv6_forbidden_networks: %s", v))
			continue
		}
		rv.IPv6ForbiddenNetworksParsed = append(rv.IPv6ForbiddenNetworksParsed, *ipNet)
	}

	return errs
}

// DefaultRequestValidation returns a RequestValidation carrying only the
// builtin forbidden networks, already parsed.
func DefaultRequestValidation() RequestValidation {
	rv := RequestValidation{}
	rv.Parse()
	return rv
}

// AllowedHosts splits the configured allowlist into the set of hostnames the
// endpoint validator accepts. Nil when no allowlist is configured.
func (cfg *Upstream) AllowedHosts() map[string]struct{} {
	if strings.TrimSpace(cfg.EndpointAllowlist) == "" {
		return nil
	}
	hosts := make(map[string]struct{})
	for _, h := range strings.Split(cfg.EndpointAllowlist, ",") {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			hosts[h] = struct{}{}
		}
	}
	return hosts
}

// ResolveTimeout returns the cumulative wrapper resolution deadline.
func (cfg *Unwrap) ResolveTimeout() time.Duration {
	return time.Duration(cfg.TimeoutMS) * time.Millisecond
}

// CacheTTL returns the resolution cache entry lifetime.
func (cfg *Unwrap) CacheTTL() time.Duration {
	return time.Duration(cfg.CacheTTLMS) * time.Millisecond
}

// Timeout returns the upstream exchange deadline.
func (cfg *Upstream) Timeout() time.Duration {
	return time.Duration(cfg.TimeoutMS) * time.Millisecond
}

func (cfg *Configuration) validate() []error {
	var errs []error
	if cfg.Unwrap.MaxDepth < 1 {
		errs = append(errs, fmt.Errorf("unwrap.max_depth must be positive. Got %d", cfg.Unwrap.MaxDepth))
	}
	if cfg.Unwrap.TimeoutMS < 1 {
		errs = append(errs, fmt.Errorf("unwrap.timeout_ms must be positive. Got %d", cfg.Unwrap.TimeoutMS))
	}
	if cfg.Unwrap.MaxBodyBytes < 1 {
		errs = append(errs, fmt.Errorf("unwrap.max_body_bytes must be positive. Got %d", cfg.Unwrap.MaxBodyBytes))
	}
	if cfg.Unwrap.MaxRedirects < 0 {
		errs = append(errs, fmt.Errorf("unwrap.max_redirects must be nonnegative. Got %d", cfg.Unwrap.MaxRedirects))
	}
	if cfg.Upstream.TimeoutMS < 1 {
		errs = append(errs, fmt.Errorf("upstream.timeout_ms must be positive. Got %d", cfg.Upstream.TimeoutMS))
	}
	errs = append(errs, cfg.RequestValidation.Parse()...)
	return errs
}

// New unmarshals and validates the configuration held by v.
func New(v *viper.Viper) (*Configuration, error) {
	var c Configuration
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("viper failed to unmarshal app config: %v", err)
	}

	if errs := c.validate(); len(errs) > 0 {
		for _, err := range errs {
			glog.Errorf("Invalid config: %v", err)
		}
		return nil, errs[0]
	}

	return &c, nil
}

// SetupViper sets the default values and environment bindings for every
// recognized option. A config file named <filename>.{yaml,json,toml} in the
// working directory or /etc/unwrap-server overrides the defaults; the
// documented environment variables override both.
func SetupViper(v *viper.Viper, filename string) {
	if filename != "" {
		v.SetConfigName(filename)
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/unwrap-server")
	}

	v.SetDefault("host", "")
	v.SetDefault("port", 8000)
	v.SetDefault("admin_port", 6060)
	v.SetDefault("enable_gzip", false)
	v.SetDefault("debug", false)
	v.SetDefault("status_response", "")

	v.SetDefault("unwrap.max_depth", 8)
	v.SetDefault("unwrap.timeout_ms", 2500)
	v.SetDefault("unwrap.cache_ttl_ms", 60000)
	v.SetDefault("unwrap.max_body_bytes", 1500000)
	v.SetDefault("unwrap.max_redirects", 3)
	v.SetDefault("unwrap.imp_dedup", false)

	v.SetDefault("upstream.default_endpoint", "")
	v.SetDefault("upstream.timeout_ms", 8000)
	v.SetDefault("upstream.endpoint_allowlist", "")

	v.SetDefault("request_validation.ipv4_forbidden_networks", []string{})
	v.SetDefault("request_validation.ipv6_forbidden_networks", []string{})

	// Operational environment names predate the structured config keys, so
	// they are bound one by one rather than via a key replacer.
	v.BindEnv("unwrap.max_depth", "MAX_DEPTH")
	v.BindEnv("unwrap.timeout_ms", "TIMEOUT_MS")
	v.BindEnv("unwrap.cache_ttl_ms", "CACHE_TTL_MS")
	v.BindEnv("unwrap.max_body_bytes", "MAX_BODY_BYTES")
	v.BindEnv("unwrap.imp_dedup", "IMP_DEDUP")
	v.BindEnv("upstream.timeout_ms", "UPSTREAM_TIMEOUT_MS")
	v.BindEnv("upstream.default_endpoint", "DEFAULT_BID_ENDPOINT")
	v.BindEnv("upstream.endpoint_allowlist", "BID_ENDPOINT_ALLOWLIST")
	v.BindEnv("debug", "DEBUG")
	v.BindEnv("port", "PORT")
	v.BindEnv("admin_port", "ADMIN_PORT")

	if filename != "" {
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				glog.Warningf("Error reading config file %s: %v", filename, err)
			}
		}
	}
}
