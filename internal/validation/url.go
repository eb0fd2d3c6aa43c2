package validation

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// BaseURLValidator checks the upstream site URL taken from configuration
type BaseURLValidator struct {
	// AllowLocalhost determines if localhost URLs are permitted
	AllowLocalhost bool
	// AllowPrivateIPs determines if private IP addresses are permitted
	AllowPrivateIPs bool
	// MaxLength is the maximum allowed URL length
	MaxLength int
}

// NewBaseURLValidator creates a new validator with secure defaults
func NewBaseURLValidator() *BaseURLValidator {
	return &BaseURLValidator{
		AllowLocalhost:  false,
		AllowPrivateIPs: false,
		MaxLength:       2048,
	}
}

// NewPermissiveBaseURLValidator allows local mirrors and test servers
func NewPermissiveBaseURLValidator() *BaseURLValidator {
	return &BaseURLValidator{
		AllowLocalhost:  true,
		AllowPrivateIPs: true,
		MaxLength:       2048,
	}
}

// ValidateAndNormalize validates a base URL and returns it without a
// trailing slash, query or fragment.
func (v *BaseURLValidator) ValidateAndNormalize(input string) (string, error) {
	input = strings.TrimSpace(input)

	if input == "" {
		return "", fmt.Errorf("URL cannot be empty")
	}
	if len(input) > v.MaxLength {
		return "", fmt.Errorf("URL too long (max %d characters)", v.MaxLength)
	}

	if strings.ContainsAny(input, "<>\"'` ") {
		return "", fmt.Errorf("URL contains invalid characters")
	}

	// Add protocol if missing (default to HTTPS)
	if !strings.Contains(input, "://") {
		input = "https://" + input
	}

	parsedURL, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("invalid URL format: %w", err)
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return "", fmt.Errorf("URL must use http or https protocol")
	}
	if parsedURL.Host == "" {
		return "", fmt.Errorf("URL must have a valid hostname")
	}
	if parsedURL.User != nil {
		return "", fmt.Errorf("URL must not carry credentials")
	}

	if err := v.validateHostSecurity(parsedURL.Host); err != nil {
		return "", err
	}

	if strings.Contains(parsedURL.Path, "..") {
		return "", fmt.Errorf("directory traversal patterns not allowed in URL path")
	}

	parsedURL.RawQuery = ""
	parsedURL.Fragment = ""
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")
	parsedURL.RawPath = ""

	return parsedURL.String(), nil
}

func (v *BaseURLValidator) validateHostSecurity(host string) error {
	hostname := host
	if strings.Contains(host, ":") {
		var err error
		hostname, _, err = net.SplitHostPort(host)
		if err != nil {
			return fmt.Errorf("invalid host format: %w", err)
		}
	}

	if !v.AllowLocalhost && isLocalhost(hostname) {
		return fmt.Errorf("localhost URLs are not permitted")
	}

	if !v.AllowPrivateIPs {
		if ip := net.ParseIP(hostname); ip != nil && isPrivateIP(ip) {
			return fmt.Errorf("private IP addresses are not permitted")
		}
	}

	if isUnroutable(hostname) {
		return fmt.Errorf("unroutable hostname %q", hostname)
	}

	return nil
}

// isLocalhost checks if a hostname refers to localhost
func isLocalhost(hostname string) bool {
	return hostname == "localhost" ||
		hostname == "127.0.0.1" ||
		hostname == "::1" ||
		strings.HasSuffix(hostname, ".localhost")
}

var privateBlocks = func() []*net.IPNet {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16", // Link-local
		"127.0.0.0/8",    // Loopback
		"fc00::/7",       // Unique local
		"fe80::/10",      // Link-local
		"::1/128",
	}
	blocks := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, block, err := net.ParseCIDR(cidr)
		if err == nil {
			blocks = append(blocks, block)
		}
	}
	return blocks
}()

// isPrivateIP checks if an IP address is in a private range
func isPrivateIP(ip net.IP) bool {
	for _, block := range privateBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

func isUnroutable(hostname string) bool {
	switch strings.ToLower(hostname) {
	case "0.0.0.0", "255.255.255.255", "::":
		return true
	}
	return false
}
