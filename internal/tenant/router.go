package tenant

import (
	"net/http"
	"strings"
)

// Resolution is the outcome of tenant extraction across all sources.
type Resolution struct {
	TenantID        string
	HasConflict     bool
	ConflictDetails map[string]string
}

// reservedQuerySegments are /admin/query sub-routes that are global
// operations, not tenant ids.
var reservedQuerySegments = map[string]bool{
	"tenants": true, "instances": true, "metrics": true, "eventlog": true,
}

// ExtractTenantID pulls the tenant identifier from the header, the URL path
// and the host subdomain. When more than one source yields a value and the
// normalized values differ, the request is flagged as a conflict and must be
// refused; agreeing sources (or a single source) are authoritative.
func ExtractTenantID(r *http.Request) Resolution {
	header := normalize(r.Header.Get("X-Tenant-Id"))
	path := extractFromPath(r.URL.Path)
	sub := extractFromHost(r.Host)

	sources := map[string]string{}
	if header != "" {
		sources["headerTenant"] = header
	}
	if path != "" {
		sources["pathTenant"] = path
	}
	if sub != "" {
		sources["subdomainTenant"] = sub
	}

	var winner string
	for _, v := range sources {
		if winner == "" {
			winner = v
			continue
		}
		if v != winner {
			return Resolution{HasConflict: true, ConflictDetails: sources}
		}
	}
	return Resolution{TenantID: winner}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// extractFromPath matches the tenant-scoped route shapes. /admin/query/<seg>
// only counts when <seg> is not one of the reserved global query routes.
func extractFromPath(path string) string {
	for _, prefix := range []string{"/api/v1/tenants/", "/admin/tenants/"} {
		if rest, ok := strings.CutPrefix(path, prefix); ok {
			return normalize(firstSegment(rest))
		}
	}
	if rest, ok := strings.CutPrefix(path, "/admin/query/"); ok {
		seg := firstSegment(rest)
		if !reservedQuerySegments[normalize(seg)] {
			return normalize(seg)
		}
	}
	return ""
}

func firstSegment(rest string) string {
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}

// extractFromHost takes the first label of hosts with at least three labels,
// skipping the generic www/api fronts.
func extractFromHost(host string) string {
	if host == "" {
		return ""
	}
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	labels := strings.Split(host, ".")
	if len(labels) < 3 {
		return ""
	}
	first := normalize(labels[0])
	if first == "www" || first == "api" {
		return ""
	}
	return first
}
