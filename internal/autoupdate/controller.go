// Package autoupdate hosts the auto-update orchestrator: a controller that
// builds a queue of issuers, researches each one in turn, gates the profile
// through the KPI validator and persists accepted profiles.
//
// A Controller owns one run at a time. Control operations (BuildQueue,
// Start, Pause, Stop, Retry) are safe for concurrent callers. Processing is
// a single sequential loop; control flags are observed only between items,
// so an in-flight item always runs to completion.
package autoupdate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/dealflow-admin/internal/domain"
	"github.com/tbourn/dealflow-admin/internal/enrichment"
	"github.com/tbourn/dealflow-admin/internal/kpi"
	"github.com/tbourn/dealflow-admin/internal/repo"
	"github.com/tbourn/dealflow-admin/internal/services"
)

// IssuerSource lists the issuers a queue is built from.
type IssuerSource interface {
	ListIssuers(ctx context.Context, f repo.IssuerFilter) ([]domain.Issuer, error)
}

// Researcher fetches an enrichment profile for one issuer.
type Researcher interface {
	Research(ctx context.Context, ticker, mode string, existing map[string]any) (enrichment.Result, error)
}

// ProfileStore persists an accepted profile with its validation outcome.
type ProfileStore interface {
	SaveProfile(ctx context.Context, ticker, mode string, profile map[string]any, res kpi.Result) error
}

// RunMarker records the server-side run-state marker.
type RunMarker interface {
	SaveRunState(ctx context.Context, st services.RunState) error
	ClearRunState(ctx context.Context) error
}

// Options tunes a Controller. Zero values take defaults.
type Options struct {
	// Pacing is the minimum gap between the end of one item and the start of
	// the next. Default 1s; negative disables pacing.
	Pacing time.Duration
	// LogLimit caps the in-memory log. Default 500.
	LogLimit int
	// ItemBudget bounds one item end-to-end. Default 5m.
	ItemBudget time.Duration
	// Validate gates profiles. Default kpi.Validate.
	Validate func(map[string]any) kpi.Result
	// Now is the clock for timestamps and ETA. Default time.Now.
	Now func() time.Time
}

// Controller is the auto-update orchestrator.
type Controller struct {
	issuers  IssuerSource
	research Researcher
	store    ProfileStore
	marker   RunMarker

	pacing   time.Duration
	logLimit int
	budget   time.Duration
	validate func(map[string]any) kpi.Result
	now      func() time.Time

	mu        sync.Mutex
	state     State
	mode      string
	filter    *Filter
	queue     []*QueueItem
	loop      *loopHandle
	draining  *loopHandle
	startedAt *time.Time
	lastErr   string
	logs      []LogEntry
	results   map[string]kpi.Result
	subs      map[chan Event]struct{}

	// markerSeq is bumped under mu on every marker-changing transition;
	// markerMu orders the writes so only the latest transition lands.
	markerMu  sync.Mutex
	markerSeq uint64
}

// loopHandle identifies one processing goroutine. A loop keeps running only
// while c.loop points at its handle. A detached loop may still be inside a
// research call; its successor waits on done before researching anything.
type loopHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs an idle Controller.
func New(issuers IssuerSource, research Researcher, store ProfileStore, marker RunMarker, opts Options) *Controller {
	if opts.Pacing == 0 {
		opts.Pacing = time.Second
	}
	if opts.Pacing < 0 {
		opts.Pacing = 0
	}
	if opts.LogLimit <= 0 {
		opts.LogLimit = 500
	}
	if opts.ItemBudget <= 0 {
		opts.ItemBudget = 5 * time.Minute
	}
	if opts.Validate == nil {
		opts.Validate = kpi.Validate
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		issuers:  issuers,
		research: research,
		store:    store,
		marker:   marker,
		pacing:   opts.Pacing,
		logLimit: opts.LogLimit,
		budget:   opts.ItemBudget,
		validate: opts.Validate,
		now:      opts.Now,
		state:    StateIdle,
		results:  map[string]kpi.Result{},
		subs:     map[chan Event]struct{}{},
	}
}

// BuildQueue replaces the queue with the issuers matching filter. It resets
// progress and the start time and does not start processing. A failure to
// load issuers puts the controller in the error state.
func (c *Controller) BuildQueue(ctx context.Context, mode string, filter Filter) (Status, error) {
	if !validMode(mode) {
		return Status{}, fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, mode)
	}
	if err := filter.validate(); err != nil {
		return Status{}, err
	}

	c.mu.Lock()
	if c.state == StateRunning {
		c.mu.Unlock()
		return Status{}, ErrRunning
	}
	c.mu.Unlock()

	issuers, err := c.issuers.ListIssuers(ctx, filter.issuerFilter())

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRunning {
		return Status{}, ErrRunning
	}
	if err != nil {
		c.state = StateError
		c.lastErr = err.Error()
		c.logf(LevelError, "", "failed to build queue: %v", err)
		c.emitState()
		return c.statusLocked(), fmt.Errorf("build queue: %w", err)
	}

	c.detachLoop()
	c.queue = make([]*QueueItem, 0, len(issuers))
	for _, is := range issuers {
		c.queue = append(c.queue, &QueueItem{
			Ticker:   is.Ticker,
			Name:     is.Name,
			Status:   StatusPending,
			existing: is.Profile,
		})
	}
	c.mode = mode
	f := filter
	c.filter = &f
	c.startedAt = nil
	c.lastErr = ""
	c.state = StateIdle

	if len(c.queue) == 0 {
		c.logf(LevelWarn, "", "no issuers match filter %s %q", filter.Type, filter.Value)
	} else {
		c.logf(LevelInfo, "", "queue built: %d issuers (%s mode)", len(c.queue), mode)
	}
	c.emitState()
	return c.statusLocked(), nil
}

// Start begins or resumes processing. The start time is recorded on the
// first start of a queue only.
func (c *Controller) Start(ctx context.Context) (Status, error) {
	c.mu.Lock()
	if c.state == StateRunning {
		c.mu.Unlock()
		return Status{}, ErrAlreadyRunning
	}
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return Status{}, ErrEmptyQueue
	}
	if c.nextPending() == nil {
		c.mu.Unlock()
		return Status{}, ErrNothingPending
	}

	resumed := c.startedAt != nil
	if !resumed {
		t := c.now().UTC()
		c.startedAt = &t
	}
	c.state = StateRunning
	c.lastErr = ""

	// A loop that was paused mid-item still owns the queue; it picks up
	// again at its next yield point.
	if c.loop == nil {
		loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		h := &loopHandle{cancel: cancel, done: make(chan struct{})}
		prev := c.draining
		c.loop, c.draining = h, nil
		go c.run(loopCtx, h, prev)
	}

	if resumed {
		c.logf(LevelInfo, "", "run resumed")
	} else {
		c.logf(LevelInfo, "", "run started: %d items", len(c.queue))
	}
	c.emitState()
	marker := services.RunState{State: string(StateRunning), Mode: c.mode, Total: len(c.queue), StartedAt: *c.startedAt}
	seq := c.bumpMarkerLocked()
	st := c.statusLocked()
	c.mu.Unlock()

	c.writeMarker(ctx, seq, &marker)
	return st, nil
}

// Pause stops processing after the in-flight item finishes.
func (c *Controller) Pause(ctx context.Context) (Status, error) {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return Status{}, ErrNotRunning
	}
	c.state = StatePaused
	c.logf(LevelInfo, "", "run paused")
	c.emitState()
	marker := services.RunState{State: string(StatePaused), Mode: c.mode, Total: len(c.queue), StartedAt: *c.startedAt}
	seq := c.bumpMarkerLocked()
	st := c.statusLocked()
	c.mu.Unlock()

	c.writeMarker(ctx, seq, &marker)
	return st, nil
}

// Stop returns to idle from any state. The queue and start time are
// discarded; logs and results are kept. An in-flight research call is not
// interrupted, but its result is discarded and its loop exits once it
// returns.
func (c *Controller) Stop(ctx context.Context) Status {
	c.mu.Lock()
	c.detachLoop()
	c.queue = nil
	c.startedAt = nil
	c.filter = nil
	c.lastErr = ""
	c.state = StateIdle
	c.logf(LevelInfo, "", "run stopped")
	c.emitState()
	seq := c.bumpMarkerLocked()
	st := c.statusLocked()
	c.mu.Unlock()

	c.writeMarker(ctx, seq, nil)
	return st
}

// Retry resets a failed item to pending. It is rejected while running.
func (c *Controller) Retry(ticker string) (QueueItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateRunning {
		return QueueItem{}, fmt.Errorf("%w: run is active", ErrNotRetryable)
	}
	for _, it := range c.queue {
		if it.Ticker != ticker {
			continue
		}
		if it.Status != StatusFailed {
			return QueueItem{}, fmt.Errorf("%w: %s is %s", ErrNotRetryable, ticker, it.Status)
		}
		it.Status = StatusPending
		it.Error = ""
		it.StartedAt, it.FinishedAt = nil, nil
		if c.state == StateCompleted {
			c.state = StatePaused
		}
		c.logf(LevelInfo, ticker, "item queued for retry")
		c.emit(EventItem, *it)
		c.emitState()
		return *it, nil
	}
	return QueueItem{}, fmt.Errorf("%w: %s is not in the queue", ErrNotRetryable, ticker)
}

// Status returns a snapshot of state, stats and queue.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Stats returns queue progress.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statsLocked()
}

// Logs returns up to limit newest log entries in chronological order.
// limit <= 0 returns all retained entries.
func (c *Controller) Logs(limit int) []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	from := 0
	if limit > 0 && limit < len(c.logs) {
		from = len(c.logs) - limit
	}
	out := make([]LogEntry, len(c.logs)-from)
	copy(out, c.logs[from:])
	return out
}

// Results returns the latest validation per ticker, ordered by ticker.
// filter is all (or empty), pass or fail.
func (c *Controller) Results(filter string) ([]TickerResult, error) {
	switch filter {
	case "", ResultsAll, ResultsPass, ResultsFail:
	default:
		return nil, fmt.Errorf("%w: unknown results filter %q", ErrInvalidRequest, filter)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TickerResult, 0, len(c.results))
	for t, r := range c.results {
		if (filter == ResultsPass && !r.Passed) || (filter == ResultsFail && r.Passed) {
			continue
		}
		out = append(out, TickerResult{Ticker: t, Result: r})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

// Wait blocks until the current processing loop exits or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	h := c.loop
	if h == nil {
		h = c.draining
	}
	c.mu.Unlock()
	if h == nil {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the processing loop. It exits when detached, when the state leaves
// running, or when no pending item remains. prev is the loop it replaces,
// if that one is still draining.
func (c *Controller) run(ctx context.Context, h *loopHandle, prev *loopHandle) {
	defer func() {
		h.cancel()
		c.mu.Lock()
		if c.draining == h {
			c.draining = nil
		}
		c.mu.Unlock()
		close(h.done)
	}()

	if prev != nil {
		<-prev.done
	}

	var lastEnd time.Time
	for {
		c.mu.Lock()
		if c.loop != h || c.state != StateRunning {
			if c.loop == h {
				c.loop = nil
			}
			c.mu.Unlock()
			return
		}

		item := c.nextPending()
		if item == nil {
			c.loop = nil
			c.completeLocked()
			seq := c.bumpMarkerLocked()
			c.mu.Unlock()
			mctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			c.writeMarker(mctx, seq, nil)
			cancel()
			return
		}

		if !lastEnd.IsZero() {
			if wait := c.pacing - time.Since(lastEnd); wait > 0 {
				c.mu.Unlock()
				sleep(ctx, wait)
				continue
			}
		}

		mode := c.mode
		started := c.now().UTC()
		item.Status = StatusProcessing
		item.StartedAt = &started
		c.logf(LevelInfo, item.Ticker, "processing %s", item.Ticker)
		c.emit(EventItem, *item)
		existing := item.existing
		c.mu.Unlock()

		itemCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.budget)
		t0 := time.Now()
		outcome, msg := c.process(itemCtx, h, mode, item.Ticker, existing)
		cancel()
		itemDuration.WithLabelValues(mode).Observe(time.Since(t0).Seconds())
		itemsTotal.WithLabelValues(mode, outcome).Inc()

		c.mu.Lock()
		if c.loop != h {
			// the run this item belonged to is gone
			c.mu.Unlock()
			log.Debug().Str("component", "autoupdate").Str("ticker", item.Ticker).
				Str("outcome", outcome).Msg("detached item finished")
			return
		}
		finished := c.now().UTC()
		item.FinishedAt = &finished
		switch outcome {
		case outcomeCompleted:
			item.Status = StatusCompleted
			c.logf(LevelSuccess, item.Ticker, "%s updated", item.Ticker)
		case outcomeNoUpdates:
			item.Status = StatusCompleted
			c.logf(LevelInfo, item.Ticker, "%s: no updates available", item.Ticker)
		default:
			item.Status = StatusFailed
			item.Error = msg
			c.logf(LevelError, item.Ticker, "%s failed: %s", item.Ticker, msg)
		}
		c.emit(EventItem, *item)
		c.emitState()
		c.mu.Unlock()
		lastEnd = time.Now()
	}
}

// process runs one item and returns its outcome and failure message.
// A loop detached while researching discards the result.
func (c *Controller) process(ctx context.Context, h *loopHandle, mode, ticker string, existing []byte) (outcome, msg string) {
	defer func() {
		if r := recover(); r != nil {
			outcome, msg = outcomeFailed, fmt.Sprintf("panic: %v", r)
		}
	}()

	var prior map[string]any
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &prior); err != nil {
			prior = nil
		}
	}

	res, err := c.research.Research(ctx, ticker, mode, prior)
	if err != nil {
		return outcomeFailed, err.Error()
	}
	if res.NoUpdates {
		return outcomeNoUpdates, ""
	}

	v := c.validate(res.Profile)
	kpiScores.Observe(float64(v.Score))
	c.mu.Lock()
	if c.loop != h {
		c.mu.Unlock()
		return outcomeDiscarded, ""
	}
	c.results[ticker] = v
	c.emit(EventResult, TickerResult{Ticker: ticker, Result: v})
	c.mu.Unlock()

	if mode == ModeInitial && !v.Passed {
		return outcomeRejected, fmt.Sprintf("KPI validation failed (score %d%%)", v.Score)
	}
	if err := c.store.SaveProfile(ctx, ticker, mode, res.Profile, v); err != nil {
		return outcomeFailed, err.Error()
	}
	return outcomeCompleted, ""
}

// completeLocked marks the run completed. Caller holds c.mu.
func (c *Controller) completeLocked() {
	c.state = StateCompleted
	st := c.statsLocked()
	runsTotal.Inc()
	c.logf(LevelSuccess, "", "run completed: %d completed, %d failed", st.Completed, st.Failed)
	c.emitState()
}

// detachLoop releases the current loop, if any, and cancels its pacing
// wait. The loop is kept as draining until it exits. Caller holds c.mu.
func (c *Controller) detachLoop() {
	if c.loop != nil {
		c.loop.cancel()
		c.draining = c.loop
		c.loop = nil
	}
}

// nextPending returns the first pending item in build order. Caller holds c.mu.
func (c *Controller) nextPending() *QueueItem {
	for _, it := range c.queue {
		if it.Status == StatusPending {
			return it
		}
	}
	return nil
}

// statsLocked computes progress. Caller holds c.mu.
func (c *Controller) statsLocked() Stats {
	st := Stats{Total: len(c.queue)}
	for _, it := range c.queue {
		switch it.Status {
		case StatusPending:
			st.Pending++
		case StatusProcessing:
			st.Processing++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		}
	}
	done := st.Completed + st.Failed
	if st.Total > 0 {
		st.Percent = float64(done) / float64(st.Total) * 100
	}
	if done > 0 && c.startedAt != nil {
		elapsed := c.now().Sub(*c.startedAt)
		eta := (elapsed / time.Duration(done) * time.Duration(st.Total-done)).Seconds()
		st.ETASeconds = &eta
	}
	return st
}

// statusLocked builds a snapshot. Caller holds c.mu.
func (c *Controller) statusLocked() Status {
	st := Status{
		State:     c.state,
		Mode:      c.mode,
		LastError: c.lastErr,
		Stats:     c.statsLocked(),
		Queue:     make([]QueueItem, len(c.queue)),
	}
	if c.filter != nil {
		f := *c.filter
		st.Filter = &f
	}
	if c.startedAt != nil {
		t := *c.startedAt
		st.StartedAt = &t
	}
	for i, it := range c.queue {
		st.Queue[i] = *it
	}
	return st
}

// logf appends a log entry, trims the log to its cap, mirrors the entry to
// zerolog and emits it. Caller holds c.mu.
func (c *Controller) logf(level, ticker, format string, args ...any) {
	e := LogEntry{
		Time:    c.now().UTC(),
		Level:   level,
		Message: fmt.Sprintf(format, args...),
		Ticker:  ticker,
	}
	c.logs = append(c.logs, e)
	if over := len(c.logs) - c.logLimit; over > 0 {
		c.logs = append(c.logs[:0:0], c.logs[over:]...)
	}

	zl := zerolog.InfoLevel
	switch level {
	case LevelWarn:
		zl = zerolog.WarnLevel
	case LevelError:
		zl = zerolog.ErrorLevel
	}
	ev := log.WithLevel(zl).Str("component", "autoupdate")
	if ticker != "" {
		ev = ev.Str("ticker", ticker)
	}
	ev.Msg(e.Message)

	c.emit(EventLog, e)
}

// bumpMarkerLocked claims the next marker write. Caller holds c.mu.
func (c *Controller) bumpMarkerLocked() uint64 {
	c.markerSeq++
	return c.markerSeq
}

// writeMarker saves st, or clears the marker when st is nil. A write whose
// transition has been superseded is dropped.
func (c *Controller) writeMarker(ctx context.Context, seq uint64, st *services.RunState) {
	c.markerMu.Lock()
	defer c.markerMu.Unlock()

	c.mu.Lock()
	stale := seq != c.markerSeq
	c.mu.Unlock()
	if stale {
		return
	}

	if st == nil {
		if err := c.marker.ClearRunState(ctx); err != nil {
			log.Warn().Err(err).Msg("autoupdate: clear run-state marker failed")
		}
		return
	}
	if err := c.marker.SaveRunState(ctx, *st); err != nil {
		log.Warn().Err(err).Msg("autoupdate: save run-state marker failed")
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
