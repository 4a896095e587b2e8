package autoupdate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/tbourn/dealflow-admin/internal/domain"
	"github.com/tbourn/dealflow-admin/internal/enrichment"
	"github.com/tbourn/dealflow-admin/internal/kpi"
	"github.com/tbourn/dealflow-admin/internal/repo"
	"github.com/tbourn/dealflow-admin/internal/services"
)

// ---- fakes ----

type fakeIssuers struct {
	list       []domain.Issuer
	err        error
	lastFilter repo.IssuerFilter
}

func (f *fakeIssuers) ListIssuers(_ context.Context, flt repo.IssuerFilter) ([]domain.Issuer, error) {
	f.lastFilter = flt
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Issuer
	for _, is := range f.list {
		if flt.FileKey != "" && is.FileKey != flt.FileKey {
			continue
		}
		if flt.Ticker != "" && is.Ticker != flt.Ticker {
			continue
		}
		out = append(out, is)
	}
	return out, nil
}

type researchCall struct {
	ticker   string
	mode     string
	existing map[string]any
	at       time.Time
}

type fakeResearcher struct {
	mu    sync.Mutex
	calls []researchCall
	fn    func(ticker string) (enrichment.Result, error)
}

func (f *fakeResearcher) Research(_ context.Context, ticker, mode string, existing map[string]any) (enrichment.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, researchCall{ticker: ticker, mode: mode, existing: existing, at: time.Now()})
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return enrichment.Result{Profile: map[string]any{"name": ticker}}, nil
	}
	return fn(ticker)
}

func (f *fakeResearcher) snapshot() []researchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]researchCall(nil), f.calls...)
}

type fakeStore struct {
	mu    sync.Mutex
	saved []string
	err   error
}

func (f *fakeStore) SaveProfile(_ context.Context, ticker, _ string, _ map[string]any, _ kpi.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, ticker)
	return nil
}

type fakeMarker struct {
	mu     sync.Mutex
	saves  []services.RunState
	clears int
}

func (f *fakeMarker) SaveRunState(_ context.Context, st services.RunState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, st)
	return nil
}

func (f *fakeMarker) ClearRunState(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

// validateFlag passes every profile unless it carries "bad": true.
func validateFlag(p map[string]any) kpi.Result {
	if bad, _ := p["bad"].(bool); bad {
		return kpi.Result{Score: 33, Passed: false}
	}
	return kpi.Result{Score: 100, Passed: true}
}

type harness struct {
	c        *Controller
	issuers  *fakeIssuers
	research *fakeResearcher
	store    *fakeStore
	marker   *fakeMarker
}

func newHarness(t *testing.T, tickers []string, opts Options) *harness {
	t.Helper()
	h := &harness{
		issuers:  &fakeIssuers{},
		research: &fakeResearcher{},
		store:    &fakeStore{},
		marker:   &fakeMarker{},
	}
	for _, tk := range tickers {
		h.issuers.list = append(h.issuers.list, domain.Issuer{Ticker: tk, Name: tk + " Inc", FileKey: "f1"})
	}
	if opts.Pacing == 0 {
		opts.Pacing = -1
	}
	if opts.Validate == nil {
		opts.Validate = validateFlag
	}
	h.c = New(h.issuers, h.research, h.store, h.marker, opts)
	return h
}

func waitLoop(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Wait(ctx); err != nil {
		t.Fatalf("loop did not finish: %v", err)
	}
}

func statuses(st Status) []ItemStatus {
	out := make([]ItemStatus, len(st.Queue))
	for i, it := range st.Queue {
		out[i] = it.Status
	}
	return out
}

// ---- tests ----

func TestController_ItemFailureDoesNotAbortRun(t *testing.T) {
	h := newHarness(t, []string{"AAA", "BBB", "CCC"}, Options{})
	h.research.fn = func(ticker string) (enrichment.Result, error) {
		if ticker == "BBB" {
			return enrichment.Result{}, errors.New("upstream timeout")
		}
		return enrichment.Result{Profile: map[string]any{"name": ticker}}, nil
	}
	ctx := context.Background()

	if _, err := h.c.BuildQueue(ctx, ModeInitial, Filter{Type: FilterAll}); err != nil {
		t.Fatalf("BuildQueue: %v", err)
	}
	if _, err := h.c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitLoop(t, h.c)

	st := h.c.Status()
	want := []ItemStatus{StatusCompleted, StatusFailed, StatusCompleted}
	for i, s := range statuses(st) {
		if s != want[i] {
			t.Fatalf("statuses = %v; want %v", statuses(st), want)
		}
	}
	if st.Queue[1].Error != "upstream timeout" {
		t.Fatalf("item 2 error = %q", st.Queue[1].Error)
	}
	if st.State != StateCompleted {
		t.Fatalf("state = %s; want completed", st.State)
	}
	if got := strings.Join(h.store.saved, ","); got != "AAA,CCC" {
		t.Fatalf("saved = %s", got)
	}
	if h.marker.clears != 1 || len(h.marker.saves) != 1 || h.marker.saves[0].Total != 3 {
		t.Fatalf("marker saves=%+v clears=%d", h.marker.saves, h.marker.clears)
	}
}

func TestController_InitialModeRejectsFailedValidation(t *testing.T) {
	h := newHarness(t, []string{"AAA", "BBB"}, Options{})
	h.research.fn = func(ticker string) (enrichment.Result, error) {
		return enrichment.Result{Profile: map[string]any{"bad": ticker == "AAA"}}, nil
	}
	ctx := context.Background()

	_, _ = h.c.BuildQueue(ctx, ModeInitial, Filter{Type: FilterAll})
	_, _ = h.c.Start(ctx)
	waitLoop(t, h.c)

	st := h.c.Status()
	if st.Queue[0].Status != StatusFailed || st.Queue[0].Error != "KPI validation failed (score 33%)" {
		t.Fatalf("item AAA = %+v", st.Queue[0])
	}
	if st.Queue[1].Status != StatusCompleted {
		t.Fatalf("item BBB = %+v", st.Queue[1])
	}
	if len(h.store.saved) != 1 || h.store.saved[0] != "BBB" {
		t.Fatalf("saved = %v", h.store.saved)
	}
	res, _ := h.c.Results(ResultsAll)
	if len(res) != 2 {
		t.Fatalf("expected a result per validated ticker, got %+v", res)
	}
}

func TestController_UpdateModePersistsDespiteFailedValidation(t *testing.T) {
	h := newHarness(t, []string{"AAA", "BBB"}, Options{})
	h.issuers.list[0].Profile = datatypes.JSON(`{"summary":"old"}`)
	h.research.fn = func(ticker string) (enrichment.Result, error) {
		if ticker == "BBB" {
			return enrichment.Result{NoUpdates: true}, nil
		}
		return enrichment.Result{Profile: map[string]any{"bad": true}}, nil
	}
	ctx := context.Background()

	_, _ = h.c.BuildQueue(ctx, ModeUpdate, Filter{Type: FilterAll})
	_, _ = h.c.Start(ctx)
	waitLoop(t, h.c)

	st := h.c.Status()
	if st.Queue[0].Status != StatusCompleted || st.Queue[1].Status != StatusCompleted {
		t.Fatalf("statuses = %v", statuses(st))
	}
	if len(h.store.saved) != 1 || h.store.saved[0] != "AAA" {
		t.Fatalf("no-update item must not be saved: %v", h.store.saved)
	}
	res, _ := h.c.Results(ResultsAll)
	if len(res) != 1 || res[0].Ticker != "AAA" {
		t.Fatalf("no-update item must not be validated: %+v", res)
	}
	calls := h.research.snapshot()
	if calls[0].mode != ModeUpdate || calls[0].existing["summary"] != "old" || calls[1].existing != nil {
		t.Fatalf("existing profile not passed through: %+v", calls)
	}
}

func TestController_PersistenceFailureMarksItemFailed(t *testing.T) {
	h := newHarness(t, []string{"AAA"}, Options{})
	h.store.err = errors.New("disk full")
	ctx := context.Background()

	_, _ = h.c.BuildQueue(ctx, ModeInitial, Filter{Type: FilterAll})
	_, _ = h.c.Start(ctx)
	waitLoop(t, h.c)

	it := h.c.Status().Queue[0]
	if it.Status != StatusFailed || it.Error != "disk full" {
		t.Fatalf("item = %+v", it)
	}
}

func TestController_ResearchPanicIsIsolated(t *testing.T) {
	h := newHarness(t, []string{"AAA", "BBB"}, Options{})
	h.research.fn = func(ticker string) (enrichment.Result, error) {
		if ticker == "AAA" {
			panic("nil profile")
		}
		return enrichment.Result{Profile: map[string]any{}}, nil
	}
	ctx := context.Background()

	_, _ = h.c.BuildQueue(ctx, ModeInitial, Filter{Type: FilterAll})
	_, _ = h.c.Start(ctx)
	waitLoop(t, h.c)

	st := h.c.Status()
	if st.Queue[0].Status != StatusFailed || !strings.Contains(st.Queue[0].Error, "nil profile") {
		t.Fatalf("item AAA = %+v", st.Queue[0])
	}
	if st.Queue[1].Status != StatusCompleted {
		t.Fatalf("item BBB = %+v", st.Queue[1])
	}
}

func TestController_PauseLetsInFlightItemFinish(t *testing.T) {
	h := newHarness(t, []string{"AAA", "BBB", "CCC"}, Options{})
	started := make(chan string, 3)
	release := make(chan struct{})
	h.research.fn = func(ticker string) (enrichment.Result, error) {
		started <- ticker
		if ticker == "AAA" {
			<-release
		}
		return enrichment.Result{Profile: map[string]any{}}, nil
	}
	ctx := context.Background()

	_, _ = h.c.BuildQueue(ctx, ModeInitial, Filter{Type: FilterAll})
	first, err := h.c.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := <-started; got != "AAA" {
		t.Fatalf("first item = %s", got)
	}
	if _, err := h.c.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if _, err := h.c.Pause(ctx); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("second Pause: expected ErrNotRunning, got %v", err)
	}
	close(release)
	waitLoop(t, h.c)

	st := h.c.Status()
	want := []ItemStatus{StatusCompleted, StatusPending, StatusPending}
	for i, s := range statuses(st) {
		if s != want[i] {
			t.Fatalf("after pause statuses = %v; want %v", statuses(st), want)
		}
	}
	if st.State != StatePaused {
		t.Fatalf("state = %s; want paused", st.State)
	}

	resumed, err := h.c.Start(ctx)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !resumed.StartedAt.Equal(*first.StartedAt) {
		t.Fatalf("start time reset on resume: %v vs %v", resumed.StartedAt, first.StartedAt)
	}
	waitLoop(t, h.c)
	if st := h.c.Status(); st.State != StateCompleted || st.Stats.Completed != 3 {
		t.Fatalf("after resume: %+v", st.Stats)
	}
}

func TestController_PausedThenResumedBeforeItemFinishes(t *testing.T) {
	h := newHarness(t, []string{"AAA", "BBB"}, Options{})
	started := make(chan string, 2)
	release := make(chan struct{})
	h.research.fn = func(ticker string) (enrichment.Result, error) {
		started <- ticker
		if ticker == "AAA" {
			<-release
		}
		return enrichment.Result{Profile: map[string]any{}}, nil
	}
	ctx := context.Background()

	_, _ = h.c.BuildQueue(ctx, ModeInitial, Filter{Type: FilterAll})
	_, _ = h.c.Start(ctx)
	<-started
	_, _ = h.c.Pause(ctx)
	if _, err := h.c.Start(ctx); err != nil {
		t.Fatalf("resume while in flight: %v", err)
	}
	close(release)
	waitLoop(t, h.c)

	if st := h.c.Status(); st.State != StateCompleted || st.Stats.Completed != 2 {
		t.Fatalf("state=%s stats=%+v", st.State, st.Stats)
	}
	if n := len(h.research.snapshot()); n != 2 {
		t.Fatalf("expected each item researched once, got %d calls", n)
	}
}

func TestController_Stats(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, nil, Options{Now: func() time.Time { return now }})
	c := h.c

	for i := 0; i < 10; i++ {
		s := StatusPending
		switch {
		case i < 4:
			s = StatusCompleted
		case i == 4:
			s = StatusFailed
		}
		c.queue = append(c.queue, &QueueItem{Ticker: string(rune('A' + i)), Status: s})
	}

	st := c.Stats()
	if st.Total != 10 || st.Completed != 4 || st.Failed != 1 || st.Pending != 5 {
		t.Fatalf("counts = %+v", st)
	}
	if st.Percent != 50 {
		t.Fatalf("percent = %v; want 50", st.Percent)
	}
	if st.ETASeconds != nil {
		t.Fatalf("ETA without a start time should be nil")
	}

	started := now.Add(-10 * time.Second)
	c.startedAt = &started
	st = c.Stats()
	if st.ETASeconds == nil || *st.ETASeconds != 10 {
		t.Fatalf("ETA = %v; want 10s", st.ETASeconds)
	}
}

func TestController_StatsETAUndefinedBeforeFirstFinish(t *testing.T) {
	h := newHarness(t, nil, Options{})
	started := time.Now().Add(-time.Minute)
	h.c.startedAt = &started
	h.c.queue = []*QueueItem{{Ticker: "A", Status: StatusProcessing}, {Ticker: "B", Status: StatusPending}}

	st := h.c.Stats()
	if st.ETASeconds != nil || st.Percent != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestController_PacingBetweenItems(t *testing.T) {
	const pacing = 40 * time.Millisecond
	h := newHarness(t, []string{"AAA", "BBB", "CCC"}, Options{Pacing: pacing})
	ctx := context.Background()

	st, err := h.c.BuildQueue(ctx, ModeInitial, Filter{Type: FilterAll})
	if err != nil {
		t.Fatalf("BuildQueue: %v", err)
	}
	if len(st.Queue) != 3 {
		t.Fatalf("queue length = %d; want 3", len(st.Queue))
	}
	for _, it := range st.Queue {
		if it.Status != StatusPending {
			t.Fatalf("built item %s is %s", it.Ticker, it.Status)
		}
	}

	_, _ = h.c.Start(ctx)
	waitLoop(t, h.c)

	calls := h.research.snapshot()
	if len(calls) != 3 {
		t.Fatalf("expected 3 sequential calls, got %d", len(calls))
	}
	order := []string{"AAA", "BBB", "CCC"}
	for i := range calls {
		if calls[i].ticker != order[i] {
			t.Fatalf("call %d = %s; want %s", i, calls[i].ticker, order[i])
		}
		if i > 0 {
			if gap := calls[i].at.Sub(calls[i-1].at); gap < pacing {
				t.Fatalf("gap before %s = %s; want >= %s", calls[i].ticker, gap, pacing)
			}
		}
	}
}

func TestController_BuildQueue_Filters(t *testing.T) {
	h := newHarness(t, []string{"AAA", "BBB"}, Options{})
	h.issuers.list = append(h.issuers.list, domain.Issuer{Ticker: "ZZZ", Name: "Zed", FileKey: "f2"})
	ctx := context.Background()

	st, err := h.c.BuildQueue(ctx, ModeUpdate, Filter{Type: FilterFile, Value: "f2"})
	if err != nil || len(st.Queue) != 1 || st.Queue[0].Ticker != "ZZZ" || st.Mode != ModeUpdate {
		t.Fatalf("file filter: %v %+v", err, st)
	}
	st, err = h.c.BuildQueue(ctx, ModeInitial, Filter{Type: FilterSingle, Value: " bbb "})
	if err != nil || len(st.Queue) != 1 || h.issuers.lastFilter.Ticker != "BBB" {
		t.Fatalf("single filter: %v %+v (filter %+v)", err, st, h.issuers.lastFilter)
	}

	bad := []struct {
		mode   string
		filter Filter
	}{
		{"turbo", Filter{Type: FilterAll}},
		{ModeInitial, Filter{Type: "everything"}},
		{ModeInitial, Filter{Type: FilterFile}},
		{ModeInitial, Filter{Type: FilterSingle, Value: "  "}},
	}
	for _, b := range bad {
		if _, err := h.c.BuildQueue(ctx, b.mode, b.filter); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("BuildQueue(%q, %+v): expected ErrInvalidRequest, got %v", b.mode, b.filter, err)
		}
	}
}

func TestController_BuildQueue_LoadFailureSetsError(t *testing.T) {
	h := newHarness(t, []string{"AAA"}, Options{})
	h.issuers.err = errors.New("database is locked")

	st, err := h.c.BuildQueue(context.Background(), ModeInitial, Filter{Type: FilterAll})
	if err == nil {
		t.Fatalf("expected error")
	}
	if st.State != StateError || st.LastError != "database is locked" {
		t.Fatalf("status = %+v", st)
	}

	h.issuers.err = nil
	st, err = h.c.BuildQueue(context.Background(), ModeInitial, Filter{Type: FilterAll})
	if err != nil || st.State != StateIdle || st.LastError != "" {
		t.Fatalf("rebuild should recover: %v %+v", err, st)
	}
}

func TestController_ControlErrors(t *testing.T) {
	h := newHarness(t, []string{"AAA"}, Options{})
	ctx := context.Background()

	if _, err := h.c.Start(ctx); !errors.Is(err, ErrEmptyQueue) {
		t.Fatalf("expected ErrEmptyQueue, got %v", err)
	}

	release := make(chan struct{})
	h.research.fn = func(string) (enrichment.Result, error) {
		<-release
		return enrichment.Result{Profile: map[string]any{}}, nil
	}
	_, _ = h.c.BuildQueue(ctx, ModeInitial, Filter{Type: FilterAll})
	_, _ = h.c.Start(ctx)
	if _, err := h.c.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if _, err := h.c.BuildQueue(ctx, ModeInitial, Filter{Type: FilterAll}); !errors.Is(err, ErrRunning) {
		t.Fatalf("expected ErrRunning, got %v", err)
	}
	if _, err := h.c.Retry("AAA"); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable while running, got %v", err)
	}
	close(release)
	waitLoop(t, h.c)

	if _, err := h.c.Start(ctx); !errors.Is(err, ErrNothingPending) {
		t.Fatalf("expected ErrNothingPending, got %v", err)
	}
}

func TestController_StopKeepsLogsAndResults(t *testing.T) {
	h := newHarness(t, []string{"AAA", "BBB"}, Options{})
	ctx := context.Background()

	_, _ = h.c.BuildQueue(ctx, ModeInitial, Filter{Type: FilterAll})
	_, _ = h.c.Start(ctx)
	waitLoop(t, h.c)
	logsBefore := len(h.c.Logs(0))

	st := h.c.Stop(ctx)
	if st.State != StateIdle || len(st.Queue) != 0 || st.StartedAt != nil {
		t.Fatalf("after stop: %+v", st)
	}
	if res, _ := h.c.Results(ResultsAll); len(res) != 2 {
		t.Fatalf("results should survive stop, got %d", len(res))
	}
	if len(h.c.Logs(0)) <= logsBefore {
		t.Fatalf("logs should survive stop and record it")
	}
	if h.marker.clears < 2 {
		t.Fatalf("stop should clear the marker, clears=%d", h.marker.clears)
	}
}

func TestController_StopDuringPacingEndsLoop(t *testing.T) {
	h := newHarness(t, []string{"AAA", "BBB"}, Options{Pacing: time.Hour})
	ctx := context.Background()

	done := make(chan struct{}, 1)
	h.research.fn = func(string) (enrichment.Result, error) {
		done <- struct{}{}
		return enrichment.Result{Profile: map[string]any{}}, nil
	}
	_, _ = h.c.BuildQueue(ctx, ModeInitial, Filter{Type: FilterAll})
	_, _ = h.c.Start(ctx)
	<-done

	// Capture the loop before Stop detaches it.
	h.c.mu.Lock()
	loop := h.c.loop
	h.c.mu.Unlock()

	h.c.Stop(ctx)
	if loop != nil {
		select {
		case <-loop.done:
		case <-time.After(5 * time.Second):
			t.Fatalf("loop still waiting on pacing after stop")
		}
	}
	if n := len(h.research.snapshot()); n != 1 {
		t.Fatalf("expected only the first item researched, got %d", n)
	}
}

func TestController_LogIsCapped(t *testing.T) {
	h := newHarness(t, []string{"AAA"}, Options{LogLimit: 5})
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		_, _ = h.c.BuildQueue(ctx, ModeInitial, Filter{Type: FilterAll})
	}
	h.c.Stop(ctx)

	logs := h.c.Logs(0)
	if len(logs) != 5 {
		t.Fatalf("log length = %d; want 5", len(logs))
	}
	if logs[len(logs)-1].Message != "run stopped" {
		t.Fatalf("newest entry should be last, got %q", logs[len(logs)-1].Message)
	}
	if got := h.c.Logs(2); len(got) != 2 || got[1].Message != "run stopped" {
		t.Fatalf("Logs(2) = %+v", got)
	}
}

func TestController_ResultsFilterAndLastWriteWins(t *testing.T) {
	h := newHarness(t, []string{"AAA", "BBB", "CCC"}, Options{})
	bad := map[string]bool{"BBB": true}
	h.research.fn = func(ticker string) (enrichment.Result, error) {
		return enrichment.Result{Profile: map[string]any{"bad": bad[ticker]}}, nil
	}
	ctx := context.Background()

	_, _ = h.c.BuildQueue(ctx, ModeUpdate, Filter{Type: FilterAll})
	_, _ = h.c.Start(ctx)
	waitLoop(t, h.c)

	pass, _ := h.c.Results(ResultsPass)
	fail, _ := h.c.Results(ResultsFail)
	if len(pass) != 2 || pass[0].Ticker != "AAA" || pass[1].Ticker != "CCC" {
		t.Fatalf("pass = %+v", pass)
	}
	if len(fail) != 1 || fail[0].Ticker != "BBB" {
		t.Fatalf("fail = %+v", fail)
	}
	if _, err := h.c.Results("maybe"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}

	// A second run replaces BBB's result.
	bad["BBB"] = false
	_, _ = h.c.BuildQueue(ctx, ModeUpdate, Filter{Type: FilterSingle, Value: "BBB"})
	_, _ = h.c.Start(ctx)
	waitLoop(t, h.c)
	if fail, _ := h.c.Results(ResultsFail); len(fail) != 0 {
		t.Fatalf("BBB result should be replaced, got %+v", fail)
	}
	if all, _ := h.c.Results(""); len(all) != 3 {
		t.Fatalf("expected one result per ticker, got %d", len(all))
	}
}

func TestController_RetryFailedItem(t *testing.T) {
	h := newHarness(t, []string{"AAA", "BBB"}, Options{})
	fail := true
	var mu sync.Mutex
	h.research.fn = func(ticker string) (enrichment.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		if ticker == "BBB" && fail {
			return enrichment.Result{}, enrichment.ErrUpstream
		}
		return enrichment.Result{Profile: map[string]any{}}, nil
	}
	ctx := context.Background()

	_, _ = h.c.BuildQueue(ctx, ModeInitial, Filter{Type: FilterAll})
	_, _ = h.c.Start(ctx)
	waitLoop(t, h.c)

	if _, err := h.c.Retry("AAA"); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("completed item: expected ErrNotRetryable, got %v", err)
	}
	if _, err := h.c.Retry("NOPE"); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("unknown item: expected ErrNotRetryable, got %v", err)
	}
	it, err := h.c.Retry("BBB")
	if err != nil || it.Status != StatusPending || it.Error != "" {
		t.Fatalf("Retry: %v %+v", err, it)
	}
	if st := h.c.Status(); st.State != StatePaused {
		t.Fatalf("state after retry = %s; want paused", st.State)
	}

	mu.Lock()
	fail = false
	mu.Unlock()
	_, _ = h.c.Start(ctx)
	waitLoop(t, h.c)
	if st := h.c.Status(); st.State != StateCompleted || st.Stats.Completed != 2 || st.Stats.Failed != 0 {
		t.Fatalf("after retry run: %s %+v", st.State, st.Stats)
	}
}

func TestController_SubscribeReceivesEvents(t *testing.T) {
	h := newHarness(t, []string{"AAA"}, Options{})
	events, cancel := h.c.Subscribe()
	defer cancel()
	ctx := context.Background()

	_, _ = h.c.BuildQueue(ctx, ModeInitial, Filter{Type: FilterAll})
	_, _ = h.c.Start(ctx)
	waitLoop(t, h.c)

	seen := map[string]int{}
	for {
		select {
		case ev := <-events:
			seen[ev.Type]++
			continue
		default:
		}
		break
	}
	for _, typ := range []string{EventState, EventItem, EventLog, EventResult} {
		if seen[typ] == 0 {
			t.Fatalf("no %q events received: %v", typ, seen)
		}
	}

	cancel()
	cancel()
	if _, ok := <-events; ok {
		t.Fatalf("channel should be closed after cancel")
	}
}

func TestController_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := newHarness(t, []string{"AAA"}, Options{LogLimit: 1000})
	_, cancel := h.c.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			_, _ = h.c.BuildQueue(context.Background(), ModeInitial, Filter{Type: FilterAll})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("emitting to a full subscriber blocked")
	}
}

func TestController_RestartWaitsForDetachedItem(t *testing.T) {
	h := newHarness(t, []string{"AAA", "BBB"}, Options{})
	var (
		mu                sync.Mutex
		inFlight, maxSeen int
	)
	started := make(chan string, 4)
	release := make(chan struct{})
	h.research.fn = func(ticker string) (enrichment.Result, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		mu.Unlock()
		defer func() {
			mu.Lock()
			inFlight--
			mu.Unlock()
		}()
		started <- ticker
		if ticker == "AAA" {
			<-release
		}
		return enrichment.Result{Profile: map[string]any{"name": ticker}}, nil
	}
	ctx := context.Background()

	_, _ = h.c.BuildQueue(ctx, ModeInitial, Filter{Type: FilterAll})
	_, _ = h.c.Start(ctx)
	if got := <-started; got != "AAA" {
		t.Fatalf("first item = %s", got)
	}
	h.c.Stop(ctx)
	if _, err := h.c.BuildQueue(ctx, ModeInitial, Filter{Type: FilterSingle, Value: "BBB"}); err != nil {
		t.Fatalf("BuildQueue: %v", err)
	}
	if _, err := h.c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case got := <-started:
		t.Fatalf("%s researched while AAA was still in flight", got)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	waitLoop(t, h.c)

	if maxSeen != 1 {
		t.Fatalf("max concurrent research calls = %d; want 1", maxSeen)
	}
	if got := strings.Join(h.store.saved, ","); got != "BBB" {
		t.Fatalf("saved = %s; want only BBB", got)
	}
	for _, e := range h.c.Logs(0) {
		if e.Message == "AAA updated" {
			t.Fatalf("stopped item logged into the new run: %+v", e)
		}
	}
	if st := h.c.Status(); st.State != StateCompleted || st.Stats.Completed != 1 {
		t.Fatalf("state=%s stats=%+v", st.State, st.Stats)
	}
}

// slowMarker records marker writes in order; saves take a while.
type slowMarker struct {
	mu    sync.Mutex
	ops   []string
	delay time.Duration
}

func (m *slowMarker) SaveRunState(context.Context, services.RunState) error {
	time.Sleep(m.delay)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "save")
	return nil
}

func (m *slowMarker) ClearRunState(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "clear")
	return nil
}

func (m *slowMarker) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ops) == 0 {
		return ""
	}
	return m.ops[len(m.ops)-1]
}

func TestController_MarkerClearedAfterShortRun(t *testing.T) {
	marker := &slowMarker{delay: 20 * time.Millisecond}
	issuers := &fakeIssuers{list: []domain.Issuer{{Ticker: "AAA", Name: "AAA Inc"}}}
	c := New(issuers, &fakeResearcher{}, &fakeStore{}, marker, Options{Pacing: -1, Validate: validateFlag})
	ctx := context.Background()

	_, _ = c.BuildQueue(ctx, ModeInitial, Filter{Type: FilterAll})
	if _, err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitLoop(t, c)

	if st := c.Status(); st.State != StateCompleted {
		t.Fatalf("state = %s; want completed", st.State)
	}
	if got := marker.last(); got != "clear" {
		t.Fatalf("marker ops = %v; run completed but marker left behind", marker.ops)
	}
}

func TestController_MarkerClearedWhenStopRacesStart(t *testing.T) {
	marker := &slowMarker{delay: 20 * time.Millisecond}
	issuers := &fakeIssuers{list: []domain.Issuer{{Ticker: "AAA"}, {Ticker: "BBB"}}}
	block := make(chan struct{})
	research := &fakeResearcher{fn: func(string) (enrichment.Result, error) {
		<-block
		return enrichment.Result{Profile: map[string]any{}}, nil
	}}
	c := New(issuers, research, &fakeStore{}, marker, Options{Pacing: -1, Validate: validateFlag})
	ctx := context.Background()

	_, _ = c.BuildQueue(ctx, ModeInitial, Filter{Type: FilterAll})
	startDone := make(chan struct{})
	go func() {
		defer close(startDone)
		_, _ = c.Start(ctx)
	}()
	// let Start reach its marker write, then stop underneath it
	time.Sleep(5 * time.Millisecond)
	c.Stop(ctx)
	<-startDone
	close(block)
	waitLoop(t, c)

	if got := marker.last(); got != "clear" {
		t.Fatalf("marker ops = %v; stop must leave no marker", marker.ops)
	}
}
