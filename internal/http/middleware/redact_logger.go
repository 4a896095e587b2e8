// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements RedactingLogger, the access logger mounted by the
// router. It scrubs obvious PII from request metadata before emitting logs:
// deal records carry partner e-mail addresses and phone numbers, and admin
// clients authenticate with an API key that must never reach log storage.
//
// Behavior:
//   - Never logs request or response bodies
//   - Redacts common identifiers (emails, phone numbers, UUIDs)
//   - Masks sensitive headers (Authorization, Cookie, Set-Cookie, plus custom)
//     and sensitive query parameters (api_key, token, plus custom)
//   - Attaches a request-scoped logger retrievable with LoggerFrom
//   - Logs probe traffic (health checks, metric scrapes) at debug level
//
// Usage:
//
//	r := gin.New()
//	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
//	    MaskHeaders: []string{"X-API-Key"},
//	    QuietPaths:  []string{"/health", "/metrics"},
//	}))
package middleware

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RedactOptions configures additional scrub behavior for RedactingLogger.
type RedactOptions struct {
	// MaskHeaders are extra header names whose values are replaced with
	// "[REDACTED]". Matching is case-insensitive and merged with
	// Authorization, Cookie and Set-Cookie.
	MaskHeaders []string
	// MaskQuery are extra query parameter names whose values are replaced
	// with "[REDACTED]", merged with api_key and token.
	MaskQuery []string
	// QuietPaths are exact request paths logged at debug instead of info
	// when the response is successful.
	QuietPaths []string
}

// maxQueryLog caps the logged query string in bytes.
const maxQueryLog = 2048

var (
	// UUIDs are redacted before phone numbers so the phone pattern does not
	// match the digit/hyphen segments of a UUID.
	uuidRE  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	// Digits only, e.g. "+1 212-555-1212", "212 555 1212", "(212) 555-1212".
	phoneRE = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

// redactPII replaces identifiers in s. Order matters: IDs, email, phone.
func redactPII(s string) string {
	if s == "" {
		return s
	}
	s = uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
}

// lowerSet builds a case-insensitive lookup from defaults plus extras.
func lowerSet(defaults []string, extra []string) map[string]struct{} {
	out := make(map[string]struct{}, len(defaults)+len(extra))
	for _, v := range append(append([]string{}, defaults...), extra...) {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}

// scrubQuery masks secret parameters and redacts PII in the rest. A query
// that fails to parse is redacted as a raw string. Oversized queries are cut
// to maxQueryLog bytes first.
func scrubQuery(raw string, mask map[string]struct{}) string {
	if raw == "" {
		return ""
	}
	if len(raw) > maxQueryLog {
		raw = raw[:maxQueryLog]
	}
	vals, err := url.ParseQuery(raw)
	if err != nil {
		return redactPII(raw)
	}
	masked := false
	for k := range vals {
		if _, ok := mask[strings.ToLower(k)]; ok {
			vals[k] = []string{"[REDACTED]"}
			masked = true
		}
	}
	if !masked {
		return redactPII(raw)
	}
	out, _ := url.QueryUnescape(vals.Encode())
	return redactPII(out)
}

// RedactingLogger returns a Gin middleware that logs HTTP requests and
// responses with sensitive values scrubbed. It logs at info by default, warn
// for 4xx and error for 5xx responses.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	maskHeaders := lowerSet([]string{"authorization", "cookie", "set-cookie"}, opts.MaskHeaders)
	maskQuery := lowerSet([]string{"api_key", "token"}, opts.MaskQuery)
	quiet := make(map[string]struct{}, len(opts.QuietPaths))
	for _, p := range opts.QuietPaths {
		quiet[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		safeQuery := scrubQuery(c.Request.URL.RawQuery, maskQuery)

		safeHeaders := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := maskHeaders[strings.ToLower(k)]; ok {
				safeHeaders[k] = "[REDACTED]"
				continue
			}
			safeHeaders[k] = redactPII(strings.Join(vv, ", "))
		}

		reqID := func() string {
			if rid := c.Writer.Header().Get(requestIDHeader); rid != "" {
				return rid
			}
			return c.GetHeader(requestIDHeader)
		}

		// handlers log through this; APIKeyAuth adds client_id
		scoped := log.With().
			Str("request_id", reqID()).
			Str("method", c.Request.Method).
			Str("path", path).
			Logger()
		c.Set(loggerKey, &scoped)

		c.Next()

		status := c.Writer.Status()
		cid, _ := c.Get(ClientIDKey)

		var ev *zerolog.Event
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		default:
			if _, ok := quiet[c.Request.URL.Path]; ok {
				ev = log.Debug()
			} else {
				ev = log.Info()
			}
		}

		ev.
			Str("request_id", reqID()).
			Str("client_id", asString(cid)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", safeQuery).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", safeHeaders).
			Msg("http_request")
	}
}
