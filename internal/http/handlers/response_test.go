package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tbourn/dealflow-admin/internal/services"
)

func Test_fail_500_LogsAndBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	// capture logs from LoggerFrom(c)
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	// simulate RequestID + request-scoped logger
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("X-Request-ID", "rid-500")
		c.Set("logger", &logger)
		c.Next()
	})

	r.GET("/boom", func(c *gin.Context) {
		fail(c, http.StatusInternalServerError, "internal_error", "kaboom")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp.RequestID != "rid-500" || resp.Code != "internal_error" || resp.Message != "kaboom" {
		t.Fatalf("unexpected body: %+v", resp)
	}

	// ensure something was logged at error level
	if !strings.Contains(buf.String(), `"level":"error"`) {
		t.Fatalf("expected error log, got: %s", buf.String())
	}
}

func Test_Fail_404_And_SuccessHelpers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	// set request id for envelope
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("X-Request-ID", "rid-404")
		c.Next()
	})

	// exported Fail (4xx path)
	r.GET("/missing", func(c *gin.Context) {
		Fail(c, http.StatusNotFound, "not_found", "nope")
	})

	// ok helper
	r.GET("/ok", func(c *gin.Context) {
		ok(c, http.StatusCreated, gin.H{"ok": true, "n": 1})
	})

	// noContent helper
	r.DELETE("/gone", func(c *gin.Context) {
		noContent(c)
	})

	// 404
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d", w.Code)
	}
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("json 404: %v", err)
	}
	if er.RequestID != "rid-404" || er.Code != "not_found" || er.Message != "nope" {
		t.Fatalf("unexpected 404 body: %+v", er)
	}

	// ok (201)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/ok", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d", w.Code)
	}
	var okBody map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &okBody); err != nil {
		t.Fatalf("json 201: %v", err)
	}
	if okBody["ok"] != true || int(okBody["n"].(float64)) != 1 {
		t.Fatalf("unexpected ok body: %#v", okBody)
	}

	// noContent (204)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodDelete, "/gone", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status=%d", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Fatalf("expected empty body for 204")
	}
}

func Test_notModified_And_weakETag(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ts := time.Unix(0, 1700000000000000000)
	etag := weakETag("pipeline", 3, &ts)
	if etag != `W/"pipeline:3:1700000000000000000"` {
		t.Fatalf("weakETag = %s", etag)
	}
	if got := weakETag("pipeline", 0, nil); got != `W/"pipeline:0:0"` {
		t.Fatalf("weakETag(nil) = %s", got)
	}

	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		if notModified(c, etag) {
			return
		}
		c.String(http.StatusOK, "fresh")
	})

	cases := []struct {
		inm  string
		want int
	}{
		{"", http.StatusOK},
		{`W/"pipeline:2:1"`, http.StatusOK},
		{etag, http.StatusNotModified},
		{`W/"other", ` + etag, http.StatusNotModified},
		{"*", http.StatusNotModified},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if tc.inm != "" {
			req.Header.Set("If-None-Match", tc.inm)
		}
		r.ServeHTTP(w, req)
		if w.Code != tc.want || w.Header().Get("ETag") != etag {
			t.Fatalf("If-None-Match %q: code=%d etag=%q", tc.inm, w.Code, w.Header().Get("ETag"))
		}
	}
}

func Test_replayed_SetsHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/x", func(c *gin.Context) { replayed(c, http.StatusCreated, gin.H{"id": 1}) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", nil))
	if w.Code != http.StatusCreated || w.Header().Get(headerReplayed) != "true" {
		t.Fatalf("code=%d header=%q", w.Code, w.Header().Get(headerReplayed))
	}
}

func Test_failErr_HidesUnmappedErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("X-Request-ID", "rid-db")
		c.Set("logger", &logger)
		c.Next()
	})
	r.GET("/db", func(c *gin.Context) {
		failErr(c, errors.New("SQL logic error: no such table: pipeline_deals (1)"))
	})
	r.GET("/missing", func(c *gin.Context) {
		failErr(c, fmt.Errorf("deal 9: %w", services.ErrNotFound))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/db", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != ErrCodeOperationFailed || body.Message != "operation failed" || body.RequestID != "rid-db" {
		t.Fatalf("body=%+v", body)
	}
	if strings.Contains(w.Body.String(), "pipeline_deals") {
		t.Fatalf("storage error leaked to client: %s", w.Body.String())
	}
	if !strings.Contains(buf.String(), "no such table: pipeline_deals") {
		t.Fatalf("underlying error should be logged: %s", buf.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))
	if w.Code != http.StatusNotFound || !strings.Contains(w.Body.String(), "deal 9") {
		t.Fatalf("mapped error: %d %s", w.Code, w.Body.String())
	}
}
