package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	ErrPrivateIP     = errors.New("URL resolves to private IP address")
	ErrUntrustedHost = errors.New("URL host is not trusted")
	ErrInvalidScheme = errors.New("only HTTPS URLs are allowed")
)

// DefaultImageHosts are the CDNs the supported providers serve images from.
var DefaultImageHosts = []string{
	"oaidalleapiprodscus.blob.core.windows.net",
	"dalleprodsec.blob.core.windows.net",
	"imgen.x.ai",
}

// URLValidator decides whether an image URL returned by a provider is safe
// to download. In Strict mode only AllowedHosts and their subdomains pass.
type URLValidator struct {
	AllowedHosts []string
	Strict       bool

	// LookupIP resolves host names; nil uses net.LookupIP.
	LookupIP func(host string) ([]net.IP, error)
}

func NewURLValidator(strict bool, hosts ...string) *URLValidator {
	if len(hosts) == 0 {
		hosts = DefaultImageHosts
	}
	return &URLValidator{AllowedHosts: hosts, Strict: strict}
}

func (v *URLValidator) Validate(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "https" {
		return ErrInvalidScheme
	}

	host := parsed.Hostname()
	if v.Strict && !v.isAllowedHost(host) {
		return ErrUntrustedHost
	}
	return v.validateHostIP(host)
}

func (v *URLValidator) isAllowedHost(host string) bool {
	host = strings.ToLower(host)
	for _, allowed := range v.AllowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func (v *URLValidator) validateHostIP(host string) error {
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return ErrPrivateIP
		}
		return nil
	}

	lookup := v.LookupIP
	if lookup == nil {
		lookup = net.LookupIP
	}
	ips, err := lookup(host)
	if err != nil {
		// The download itself will fail; nothing to protect against here.
		return nil
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return ErrPrivateIP
		}
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() || ip.IsUnspecified() {
		return true
	}

	if ip4 := ip.To4(); ip4 != nil {
		switch {
		case ip4[0] == 0:
			return true
		case ip4[0] == 100 && ip4[1] >= 64 && ip4[1] <= 127: // CGNAT
			return true
		case ip4[0] == 192 && ip4[1] == 0 && (ip4[2] == 0 || ip4[2] == 2):
			return true
		case ip4[0] == 198 && ip4[1] == 51 && ip4[2] == 100:
			return true
		case ip4[0] == 203 && ip4[1] == 0 && ip4[2] == 113:
			return true
		case ip4[0] >= 224: // multicast and reserved
			return true
		}
	}
	return false
}
