// Package networking provides the shared HTTP plumbing for outbound
// provider calls: client construction with sane timeouts, response size
// limits, and endpoint URL validation.
package networking

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Scheme constants for endpoint validation.
const (
	HttpScheme  = "http"
	HttpsScheme = "https"
)

// MaxResponseSize is the maximum allowed response size for HTTP requests
// to identity providers, to prevent DoS via oversized bodies.
const MaxResponseSize = 1024 * 1024 // 1MB

// HTTPClient is the interface for making HTTP requests.
// Satisfied by *http.Client; tests substitute recording implementations.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultClient returns an HTTP client with the timeouts used for all
// provider-facing calls (discovery, JWKS, token, userinfo).
func DefaultClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
		},
	}
}

// IsLocalhost checks if the host is a loopback address, with or without a port.
func IsLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// ValidateEndpointURL checks that an endpoint is an absolute HTTPS URL.
// HTTP is allowed only for loopback hosts, for local development.
func ValidateEndpointURL(endpoint string) error {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("URL must be absolute with scheme and host: %s", endpoint)
	}

	switch parsed.Scheme {
	case HttpsScheme:
		return nil
	case HttpScheme:
		if IsLocalhost(parsed.Host) {
			return nil
		}
		return fmt.Errorf("endpoint must use HTTPS: %s", endpoint)
	default:
		return fmt.Errorf("unsupported URL scheme %q: %s", parsed.Scheme, endpoint)
	}
}
