// Package versioning negotiates the admin API version from request
// headers. The JSON-RPC surface carries its own envelope version, so
// only the REST endpoints consult this.
package versioning

import (
	"context"
	"net/http"
	"strings"
)

// Version is a negotiated admin API version.
type Version int

const (
	// V1 is the current admin API.
	V1 Version = 1
	// V2 is reserved for breaking changes.
	V2 Version = 2

	// DefaultVersion applies when the client names no version.
	DefaultVersion = V1
)

// String renders "v1", "v2"; out-of-range values collapse to v1.
func (v Version) String() string {
	if v <= 0 {
		return "v1"
	}
	return "v" + string(rune('0'+v))
}

type contextKey string

const versionContextKey contextKey = "admin-api-version"

// FromContext retrieves the negotiated version, defaulting to V1.
func FromContext(ctx context.Context) Version {
	if v, ok := ctx.Value(versionContextKey).(Version); ok {
		return v
	}
	return DefaultVersion
}

// WithVersion stamps the negotiated version onto the context.
func WithVersion(ctx context.Context, version Version) context.Context {
	return context.WithValue(ctx, versionContextKey, version)
}

// Negotiation resolves the requested version and echoes it back on the
// response. Recognized forms, highest priority first:
//
//	X-API-Version: 2
//	Accept: application/vnd.creditrail.v2+json
//	Accept: application/json; version=2
func Negotiation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		version := negotiateVersion(r)
		w.Header().Set("X-API-Version", version.String())
		w.Header().Set("Vary", "Accept, X-API-Version")
		next.ServeHTTP(w, r.WithContext(WithVersion(r.Context(), version)))
	})
}

func negotiateVersion(r *http.Request) Version {
	if header := r.Header.Get("X-API-Version"); header != "" {
		if v := parseVersionString(header); v > 0 {
			return v
		}
	}

	accept := r.Header.Get("Accept")
	if strings.Contains(accept, "application/vnd.creditrail.") {
		for _, part := range strings.Split(accept, ".") {
			candidate := strings.Split(part, "+")[0]
			if strings.HasPrefix(strings.ToLower(candidate), "v") {
				if v := parseVersionString(candidate); v > 0 {
					return v
				}
			}
		}
	}

	if strings.Contains(accept, "version=") {
		parts := strings.Split(accept, "version=")
		if len(parts) > 1 {
			candidate := strings.TrimSpace(strings.Split(parts[1], ";")[0])
			if v := parseVersionString(candidate); v > 0 {
				return v
			}
		}
	}

	return DefaultVersion
}

// parseVersionString accepts "2", "v2" and "V2"; unknown values yield 0.
func parseVersionString(s string) Version {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "v")
	switch s {
	case "1":
		return V1
	case "2":
		return V2
	default:
		return 0
	}
}

// DeprecationWarning marks responses served to a sunsetting version
// with RFC 8594 headers, giving clients notice ahead of removal.
type DeprecationWarning struct {
	version Version
	sunset  string // RFC 3339 removal date, optional
	message string
}

// NewDeprecationWarning builds a warning for one deprecated version.
func NewDeprecationWarning(version Version, sunset, message string) *DeprecationWarning {
	return &DeprecationWarning{version: version, sunset: sunset, message: message}
}

// Middleware stamps the headers when the request negotiated the
// deprecated version.
func (d *DeprecationWarning) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) == d.version {
			w.Header().Set("Deprecation", "true")
			if d.sunset != "" {
				w.Header().Set("Sunset", d.sunset)
			}
			if d.message != "" {
				w.Header().Set("Warning", `299 - "Deprecated API Version: `+d.message+`"`)
			}
		}
		next.ServeHTTP(w, r)
	})
}
