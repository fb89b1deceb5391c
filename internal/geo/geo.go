// Package geo is the LocationLookup capability: a best-effort IP-to-location
// resolver used to annotate credentials and devices. Failures degrade to a
// placeholder; nothing in the auth path depends on a successful lookup.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Unknown is stored when a lookup fails or is disabled.
const Unknown = "Location not found"

// Lookup resolves an IP address to a human-readable location.
type Lookup interface {
	Locate(ctx context.Context, ip string) string
}

// HTTPLookup queries a JSON geolocation endpoint. The endpoint URL is
// configuration; the IP is appended as a path segment.
type HTTPLookup struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewHTTPLookup creates the lookup client.
func NewHTTPLookup(baseURL string, logger zerolog.Logger) *HTTPLookup {
	return &HTTPLookup{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
		log:     logger.With().Str("component", "geo").Logger(),
	}
}

// Locate resolves ip, returning Unknown on any failure.
func (l *HTTPLookup) Locate(ctx context.Context, ip string) string {
	if ip == "" || isPrivate(ip) {
		return Unknown
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/"+ip, nil)
	if err != nil {
		return Unknown
	}
	resp, err := l.client.Do(req)
	if err != nil {
		l.log.Debug().Err(err).Msg("Geolocation lookup failed")
		return Unknown
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Unknown
	}

	var body struct {
		City    string `json:"city"`
		Region  string `json:"regionName"`
		Country string `json:"country"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Unknown
	}

	parts := make([]string, 0, 3)
	for _, p := range []string{body.City, body.Region, body.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return Unknown
	}
	return strings.Join(parts, ", ")
}

// Noop is the lookup used when no endpoint is configured.
type Noop struct{}

// Locate always returns Unknown.
func (Noop) Locate(context.Context, string) string { return Unknown }

// isPrivate filters loopback and RFC 1918 addresses, which no public
// geolocation service can resolve.
func isPrivate(ip string) bool {
	for _, prefix := range []string{"127.", "10.", "192.168.", "172.16.", "172.17.", "172.18.",
		"172.19.", "172.20.", "172.21.", "172.22.", "172.23.", "172.24.", "172.25.", "172.26.",
		"172.27.", "172.28.", "172.29.", "172.30.", "172.31.", "::1", "fc", "fd"} {
		if strings.HasPrefix(ip, prefix) {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer for logging the configured mode.
func (l *HTTPLookup) String() string { return fmt.Sprintf("geo lookup via %s", l.baseURL) }
