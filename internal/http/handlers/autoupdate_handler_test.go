package handlers

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/dealflow-admin/internal/autoupdate"
	"github.com/tbourn/dealflow-admin/internal/domain"
	"github.com/tbourn/dealflow-admin/internal/enrichment"
	"github.com/tbourn/dealflow-admin/internal/services"
)

// thinResearcher returns a profile that fails every KPI dimension.
type thinResearcher struct{}

func (thinResearcher) Research(_ context.Context, ticker, _ string, _ map[string]any) (enrichment.Result, error) {
	return enrichment.Result{Profile: map[string]any{"name": ticker}}, nil
}

func newAutoUpdateRouter(t *testing.T) (*gin.Engine, *autoupdate.Controller) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := newHandlersDB(t)
	iss := services.NewIssuerService(db)
	for _, tk := range []string{"AAA", "BBB"} {
		if err := iss.Upsert(context.Background(), &domain.Issuer{Ticker: tk, Name: tk + " Inc", FileKey: "f1"}); err != nil {
			t.Fatalf("seed issuer: %v", err)
		}
	}
	ctrl := autoupdate.New(iss, thinResearcher{}, iss, services.NewSettingsService(db), autoupdate.Options{Pacing: -1})
	h := New(nil, nil, iss, nil, ctrl)

	r := gin.New()
	au := r.Group("/autoupdate")
	au.POST("/queue", h.BuildQueue)
	au.POST("/start", h.StartAutoUpdate)
	au.POST("/pause", h.PauseAutoUpdate)
	au.POST("/stop", h.StopAutoUpdate)
	au.POST("/queue/:ticker/retry", h.RetryItem)
	au.GET("/status", h.AutoUpdateStatus)
	au.GET("/log", h.AutoUpdateLog)
	au.GET("/results", h.AutoUpdateResults)
	au.GET("/events", h.AutoUpdateEvents)
	return r, ctrl
}

func waitLoop(t *testing.T, ctrl *autoupdate.Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctrl.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestAutoUpdate_RunLifecycle(t *testing.T) {
	r, ctrl := newAutoUpdateRouter(t)

	if w := doJSON(t, r, http.MethodPost, "/autoupdate/start", nil, nil); w.Code != http.StatusConflict {
		t.Fatalf("start on empty queue: expected 409, got %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodPost, "/autoupdate/queue", map[string]any{"mode": "bogus"}, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad mode: expected 400, got %d", w.Code)
	}

	w := doJSON(t, r, http.MethodPost, "/autoupdate/queue", BuildQueueRequest{Mode: autoupdate.ModeInitial}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("queue: status=%d body=%s", w.Code, w.Body.String())
	}
	if st := decode[autoupdate.Status](t, w); st.Stats.Total != 2 || st.State != autoupdate.StateIdle {
		t.Fatalf("unexpected queue status: %+v", st)
	}

	if w := doJSON(t, r, http.MethodPost, "/autoupdate/start", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("start: status=%d body=%s", w.Code, w.Body.String())
	}
	waitLoop(t, ctrl)

	w = doJSON(t, r, http.MethodGet, "/autoupdate/status", nil, nil)
	st := decode[autoupdate.Status](t, w)
	if st.State != autoupdate.StateCompleted || st.Stats.Failed != 2 || st.Stats.Percent != 100 {
		t.Fatalf("unexpected final status: %+v", st)
	}

	w = doJSON(t, r, http.MethodGet, "/autoupdate/results?filter=fail", nil, nil)
	if res := decode[ResultsResponse](t, w); len(res.Results) != 2 || res.Results[0].Ticker != "AAA" {
		t.Fatalf("unexpected results: %+v", res.Results)
	}
	if w := doJSON(t, r, http.MethodGet, "/autoupdate/results?filter=maybe", nil, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad results filter: expected 400, got %d", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/autoupdate/log?limit=1", nil, nil)
	if lg := decode[LogResponse](t, w); len(lg.Entries) != 1 {
		t.Fatalf("log limit not applied: %d", len(lg.Entries))
	}

	if w := doJSON(t, r, http.MethodPost, "/autoupdate/start", nil, nil); w.Code != http.StatusConflict {
		t.Fatalf("start with nothing pending: expected 409, got %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodPost, "/autoupdate/pause", nil, nil); w.Code != http.StatusConflict {
		t.Fatalf("pause when not running: expected 409, got %d", w.Code)
	}

	// Retry takes lower-case tickers and reopens the run.
	w = doJSON(t, r, http.MethodPost, "/autoupdate/queue/aaa/retry", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("retry: status=%d body=%s", w.Code, w.Body.String())
	}
	if it := decode[autoupdate.QueueItem](t, w); it.Status != autoupdate.StatusPending {
		t.Fatalf("retried item: %+v", it)
	}
	if w := doJSON(t, r, http.MethodPost, "/autoupdate/queue/ZZZ/retry", nil, nil); w.Code != http.StatusConflict {
		t.Fatalf("retry unknown: expected 409, got %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/autoupdate/stop", nil, nil)
	if st := decode[autoupdate.Status](t, w); st.State != autoupdate.StateIdle || len(st.Queue) != 0 {
		t.Fatalf("unexpected stop status: %+v", st)
	}
}

func TestAutoUpdate_EventStream(t *testing.T) {
	r, ctrl := newAutoUpdateRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/autoupdate/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	next := func() string {
		for sc.Scan() {
			if line := sc.Text(); strings.HasPrefix(line, "event:") {
				return strings.TrimPrefix(line, "event:")
			}
		}
		t.Fatalf("stream ended: %v", sc.Err())
		return ""
	}

	if ev := next(); ev != "status" {
		t.Fatalf("first event = %q, want status", ev)
	}

	if _, err := ctrl.BuildQueue(context.Background(), autoupdate.ModeInitial, autoupdate.Filter{Type: autoupdate.FilterAll}); err != nil {
		t.Fatalf("build queue: %v", err)
	}
	seen := map[string]bool{}
	for !seen[autoupdate.EventState] || !seen[autoupdate.EventLog] {
		seen[next()] = true
	}
}
