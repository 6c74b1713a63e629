package server

import "net/http"

const (
	defaultContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'"
	defaultFrameOptions          = "DENY"
	defaultReferrerPolicy        = "no-referrer"
	defaultPermissionsPolicy     = "camera=(), microphone=(), geolocation=()"
	defaultContentTypeOptions    = "nosniff"
)

// SecurityConfig controls the hardening headers set on every response.
// Zero-valued fields fall back to defaults suited to a JSON API; set a field
// to "-" to omit the header.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameOptions          string
	ReferrerPolicy        string
	PermissionsPolicy     string
	ContentTypeOptions    string
}

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	cfg.ContentSecurityPolicy = headerValue(cfg.ContentSecurityPolicy, defaultContentSecurityPolicy)
	cfg.FrameOptions = headerValue(cfg.FrameOptions, defaultFrameOptions)
	cfg.ReferrerPolicy = headerValue(cfg.ReferrerPolicy, defaultReferrerPolicy)
	cfg.PermissionsPolicy = headerValue(cfg.PermissionsPolicy, defaultPermissionsPolicy)
	cfg.ContentTypeOptions = headerValue(cfg.ContentTypeOptions, defaultContentTypeOptions)
	return cfg
}

func headerValue(configured, fallback string) string {
	switch configured {
	case "":
		return fallback
	case "-":
		return ""
	default:
		return configured
	}
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	effective := cfg.withDefaults()
	headers := [][2]string{
		{"Content-Security-Policy", effective.ContentSecurityPolicy},
		{"X-Frame-Options", effective.FrameOptions},
		{"X-Content-Type-Options", effective.ContentTypeOptions},
		{"Referrer-Policy", effective.ReferrerPolicy},
		{"Permissions-Policy", effective.PermissionsPolicy},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, header := range headers {
			if header[1] != "" {
				w.Header().Set(header[0], header[1])
			}
		}
		next.ServeHTTP(w, r)
	})
}
