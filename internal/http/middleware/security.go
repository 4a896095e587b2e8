// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides SecurityHeaders, a hardening middleware that attaches a
// conservative set of HTTP security headers for the admin API running behind a
// reverse proxy. It supports HSTS (when traffic is HTTPS end-to-end), cache
// controls for deal data, a lock-down CSP for JSON routes, and browser
// feature policies.
//
// Design notes:
//   - JSON routes get CSP default-src 'none'; the Swagger UI prefix is exempt
//     because it serves its own scripts and styles
//   - API routes listed in RevalidatePrefixes are marked private and must be
//     revalidated, which keeps the pipeline ETag useful while preventing
//     shared caches from holding deal data
//   - HSTS is opt-in and only applied when the request is actually HTTPS
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// SecurityOptions configures HTTP security headers emitted by SecurityHeaders.
type SecurityOptions struct {
	// EnableHSTS emits Strict-Transport-Security for HTTPS requests (never
	// for plain HTTP). Enable only when traffic is HTTPS end-to-end.
	EnableHSTS bool
	// HSTSMaxAge is the HSTS lifetime; 180 days when not positive.
	HSTSMaxAge time.Duration
	// NoStore adds Cache-Control: no-store (plus legacy Pragma/Expires) to
	// every response. It takes precedence over RevalidatePrefixes.
	NoStore bool
	// RevalidatePrefixes are path prefixes whose responses get
	// Cache-Control: private, no-cache.
	RevalidatePrefixes []string
	// EnablePolicy sends Permissions-Policy, X-Permitted-Cross-Domain-Policies
	// and a restrictive Content-Security-Policy.
	EnablePolicy bool
	// DocsPrefix is exempt from the CSP, e.g. "/swagger".
	DocsPrefix string
}

// SecurityHeaders returns a Gin middleware that adds security headers to
// each response.
//
// Always set: X-Content-Type-Options: nosniff, X-Frame-Options: DENY and
// Referrer-Policy: no-referrer. When X-Request-ID is already on the response
// it is exposed to browser clients via Access-Control-Expose-Headers.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := int(opt.HSTSMaxAge.Seconds())
	if maxAge <= 0 {
		maxAge = int((180 * 24 * time.Hour).Seconds())
	}
	hsts := "max-age=" + strconv.Itoa(maxAge) + "; includeSubDomains; preload"

	return func(c *gin.Context) {
		h := c.Writer.Header()
		path := c.Request.URL.Path

		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		if opt.EnablePolicy {
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")
			h.Set("X-Permitted-Cross-Domain-Policies", "none")
			if opt.DocsPrefix == "" || !strings.HasPrefix(path, opt.DocsPrefix) {
				h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			}
		}

		switch {
		case opt.NoStore:
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
		case hasAnyPrefix(path, opt.RevalidatePrefixes):
			h.Set("Cache-Control", "private, no-cache")
		}

		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}

		if rid := h.Get("X-Request-ID"); rid != "" {
			const hdr = "Access-Control-Expose-Headers"
			cur := h.Get(hdr)
			if cur == "" {
				h.Set(hdr, "X-Request-ID")
			} else if !strings.Contains(cur, "X-Request-ID") {
				h.Set(hdr, cur+", X-Request-ID")
			}
		}

		c.Next()
	}
}

// isHTTPS reports whether the incoming request used HTTPS either directly
// (r.TLS != nil) or via a reverse proxy that set X-Forwarded-Proto: https.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
