// ABOUTME: Resolves the tenant slug for a request from an override or the Host header
// ABOUTME: Pure string logic; never fails and falls back to the default tenant

package tenant

import (
	"net"
	"net/http"
	"strings"
)

// DefaultSlug is the tenant used when the host carries no tenant subdomain
const DefaultSlug = "default"

// OverrideHeader and OverrideQuery carry an explicit tenant choice
const (
	OverrideHeader = "X-Tenant"
	OverrideQuery  = "tenant"
)

// reservedLabels are leftmost host labels that never name a tenant
var reservedLabels = map[string]bool{
	"www":   true,
	"app":   true,
	"admin": true,
	"api":   true,
}

// Resolve returns the tenant slug for a request.
// A non-empty override is returned unchanged. Otherwise the host (port stripped, lower-cased)
// names a tenant when it has at least three labels and the leftmost label is
// not reserved, e.g. "acme.example.com" -> "acme". Everything else resolves
// to DefaultSlug.
func Resolve(host, override string) string {
	if override != "" {
		return override
	}

	host = strings.ToLower(strings.TrimSpace(stripPort(host)))
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return DefaultSlug
	}

	labels := strings.Split(host, ".")
	if len(labels) < 3 {
		return DefaultSlug
	}
	first := labels[0]
	if first == "" || reservedLabels[first] || isNumeric(first) {
		return DefaultSlug
	}
	return first
}

// FromRequest resolves the tenant for r using the X-Tenant header, then the
// tenant query parameter, then the Host header.
func FromRequest(r *http.Request) string {
	override := r.Header.Get(OverrideHeader)
	if override == "" {
		override = r.URL.Query().Get(OverrideQuery)
	}
	return Resolve(r.Host, override)
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// isNumeric reports whether s is all digits; used to keep IPv4 hosts on the default tenant.
func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
