package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRequestID_MintsOrEchoes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	var seen string
	r.GET("/pipeline", func(c *gin.Context) {
		v, _ := c.Get(requestIDKey)
		seen = asString(v)
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/pipeline", nil))
	minted := w.Header().Get(requestIDHeader)
	if minted == "" || minted != seen {
		t.Fatalf("minted id header=%q context=%q", minted, seen)
	}

	for _, name := range []string{requestIDHeader, strings.ToLower(requestIDHeader)} {
		w = httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/pipeline", nil)
		req.Header.Set(name, "deal-req-7")
		r.ServeHTTP(w, req)
		if got := w.Header().Get(requestIDHeader); got != "deal-req-7" || seen != "deal-req-7" {
			t.Fatalf("%s: header=%q context=%q", name, got, seen)
		}
	}
}

func TestRecovery_EnvelopeAndScopedLog(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := withCapturedLogger(t)

	r := gin.New()
	r.Use(RequestID(), RedactingLogger(RedactOptions{}), Recovery(), APIKeyAuth("secret"))
	r.PUT("/pipeline/:id/stage", func(c *gin.Context) { panic("stage table missing") })

	req := httptest.NewRequest(http.MethodPut, "/pipeline/7/stage", nil)
	req.Header.Set(requestIDHeader, "rid-panic")
	req.Header.Set("X-API-Key", "secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d; want 500", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != "operation_failed" || body["request_id"] != "rid-panic" {
		t.Fatalf("body = %v", body)
	}
	if strings.Contains(w.Body.String(), "stage table missing") {
		t.Fatalf("panic value leaked to client: %s", w.Body.String())
	}

	var panicLine string
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, "panic recovered") {
			panicLine = line
		}
	}
	for _, want := range []string{`"client_id":"admin"`, `"request_id":"rid-panic"`, `"path":"/pipeline/:id/stage"`, `"stack"`} {
		if !strings.Contains(panicLine, want) {
			t.Fatalf("panic log missing %s: %s", want, panicLine)
		}
	}
	if n := strings.Count(panicLine, `"request_id"`); n != 1 {
		t.Fatalf("request_id logged %d times: %s", n, panicLine)
	}
}

func TestRecovery_WithoutScopedLoggerTagsRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := withCapturedLogger(t)

	r := gin.New()
	r.Use(RequestID(), Recovery())
	r.GET("/deals", func(c *gin.Context) { panic("boom") })

	req := httptest.NewRequest(http.MethodGet, "/deals", nil)
	req.Header.Set(requestIDHeader, "rid-bare")
	r.ServeHTTP(httptest.NewRecorder(), req)

	if !strings.Contains(buf.String(), `"request_id":"rid-bare"`) {
		t.Fatalf("expected request_id on panic log: %s", buf.String())
	}
}

func TestRecovery_AfterWriteKeepsBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := withCapturedLogger(t)

	r := gin.New()
	r.Use(RequestID(), Recovery())
	r.GET("/autoupdate/log", func(c *gin.Context) {
		c.String(http.StatusOK, "partial")
		panic("late")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/autoupdate/log", nil))

	if w.Body.String() != "partial" || strings.Contains(w.Header().Get("Content-Type"), "json") {
		t.Fatalf("envelope written after partial response: ct=%q body=%q", w.Header().Get("Content-Type"), w.Body.String())
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Fatalf("expected panic log: %s", buf.String())
	}
}

func TestLoggerFrom_Fallback(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := withCapturedLogger(t)

	r := gin.New()
	r.Use(RequestID())
	r.GET("/issuers", func(c *gin.Context) {
		LoggerFrom(c).Info().Msg("no scope")
		c.Status(http.StatusOK)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/issuers", nil))

	out := buf.String()
	if !strings.Contains(out, `"message":"no scope"`) || strings.Contains(out, `"request_id"`) {
		t.Fatalf("fallback logger output: %s", out)
	}
}

func TestAsString(t *testing.T) {
	if asString("x") != "x" || asString(7) != "" || asString(nil) != "" {
		t.Fatalf("asString mismatch")
	}
}
