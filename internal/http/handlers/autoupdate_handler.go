// Auto-update HTTP handlers.
//
// This file exposes the orchestrator controls, its snapshots and a
// Server-Sent Events stream of state, item, log and result events.
package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/dealflow-admin/internal/autoupdate"
)

// sseHeartbeat keeps idle event streams open through proxies.
var sseHeartbeat = 15 * time.Second

// maxLogEntries caps ?limit= on the run log.
const maxLogEntries = 500

//
// DTOs
//

// BuildQueueRequest selects the mode and issuers of the next run.
type BuildQueueRequest struct {
	Mode   string            `json:"mode" binding:"required" example:"initial"`
	Filter autoupdate.Filter `json:"filter"`
}

// LogResponse wraps run log entries, oldest first.
type LogResponse struct {
	Entries []autoupdate.LogEntry `json:"entries"`
}

// ResultsResponse wraps the latest validation per ticker.
type ResultsResponse struct {
	Results []autoupdate.TickerResult `json:"results"`
}

//
// Handlers
//

// BuildQueue godoc
// @ID          buildQueue
// @Summary     Build the auto-update queue
// @Description Replaces the queue with the issuers matching the filter. Progress is reset; processing does not start.
// @Tags        AutoUpdate
// @Accept      json
// @Produce     json
// @Security    ApiKeyAuth
//
// @Param       body  body  handlers.BuildQueueRequest  true  "Mode and filter"
//
// @Success     200  {object} autoupdate.Status
// @Failure     400  {object} handlers.ErrorResponse "Invalid mode or filter"
// @Failure     409  {object} handlers.ErrorResponse "Run is active"
// @Failure     500  {object} handlers.ErrorResponse "Issuer load failed"
// @Router      /autoupdate/queue [post]
func (h *Handlers) BuildQueue(c *gin.Context) {
	var req BuildQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "mode required")
		return
	}
	if req.Filter.Type == "" {
		req.Filter.Type = autoupdate.FilterAll
	}
	st, err := h.auto.BuildQueue(c.Request.Context(), req.Mode, req.Filter)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}

// StartAutoUpdate godoc
// @ID          startAutoUpdate
// @Summary     Start or resume the run
// @Tags        AutoUpdate
// @Produce     json
// @Security    ApiKeyAuth
//
// @Success     200  {object} autoupdate.Status
// @Failure     409  {object} handlers.ErrorResponse "Already running, empty queue or nothing pending"
// @Router      /autoupdate/start [post]
func (h *Handlers) StartAutoUpdate(c *gin.Context) {
	st, err := h.auto.Start(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}

// PauseAutoUpdate godoc
// @ID          pauseAutoUpdate
// @Summary     Pause the run
// @Description The in-flight item finishes; no further item starts until resumed.
// @Tags        AutoUpdate
// @Produce     json
// @Security    ApiKeyAuth
//
// @Success     200  {object} autoupdate.Status
// @Failure     409  {object} handlers.ErrorResponse "Not running"
// @Router      /autoupdate/pause [post]
func (h *Handlers) PauseAutoUpdate(c *gin.Context) {
	st, err := h.auto.Pause(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}

// StopAutoUpdate godoc
// @ID          stopAutoUpdate
// @Summary     Stop the run
// @Description Returns to idle and clears the queue. Logs and results are kept.
// @Tags        AutoUpdate
// @Produce     json
// @Security    ApiKeyAuth
//
// @Success     200  {object} autoupdate.Status
// @Router      /autoupdate/stop [post]
func (h *Handlers) StopAutoUpdate(c *gin.Context) {
	ok(c, http.StatusOK, h.auto.Stop(c.Request.Context()))
}

// RetryItem godoc
// @ID          retryItem
// @Summary     Retry a failed item
// @Tags        AutoUpdate
// @Produce     json
// @Security    ApiKeyAuth
//
// @Param       ticker  path  string  true  "Ticker"  example(ACME)
//
// @Success     200  {object} autoupdate.QueueItem
// @Failure     409  {object} handlers.ErrorResponse "Item not failed, not queued, or run active"
// @Router      /autoupdate/queue/{ticker}/retry [post]
func (h *Handlers) RetryItem(c *gin.Context) {
	it, err := h.auto.Retry(tickerParam(c))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, it)
}

// AutoUpdateStatus godoc
// @ID          autoUpdateStatus
// @Summary     Run status
// @Description State, progress statistics (percent, ETA) and the queue.
// @Tags        AutoUpdate
// @Produce     json
// @Security    ApiKeyAuth
//
// @Success     200  {object} autoupdate.Status
// @Router      /autoupdate/status [get]
func (h *Handlers) AutoUpdateStatus(c *gin.Context) {
	ok(c, http.StatusOK, h.auto.Status())
}

// AutoUpdateLog godoc
// @ID          autoUpdateLog
// @Summary     Run log
// @Tags        AutoUpdate
// @Produce     json
// @Security    ApiKeyAuth
//
// @Param       limit  query  int  false  "Newest entries to return"  minimum(1) maximum(500) default(100)
//
// @Success     200  {object} handlers.LogResponse
// @Router      /autoupdate/log [get]
func (h *Handlers) AutoUpdateLog(c *gin.Context) {
	ok(c, http.StatusOK, LogResponse{Entries: h.auto.Logs(queryLimit(c, 100, maxLogEntries))})
}

// AutoUpdateResults godoc
// @ID          autoUpdateResults
// @Summary     Validation results
// @Description Latest KPI validation per ticker. Filter by pass or fail.
// @Tags        AutoUpdate
// @Produce     json
// @Security    ApiKeyAuth
//
// @Param       filter  query  string  false  "all, pass or fail"  Enums(all, pass, fail) default(all)
//
// @Success     200  {object} handlers.ResultsResponse
// @Failure     400  {object} handlers.ErrorResponse "Unknown filter"
// @Router      /autoupdate/results [get]
func (h *Handlers) AutoUpdateResults(c *gin.Context) {
	res, err := h.auto.Results(c.Query("filter"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ResultsResponse{Results: res})
}

// AutoUpdateEvents godoc
// @ID          autoUpdateEvents
// @Summary     Event stream
// @Description Server-Sent Events. The first event is a "status" snapshot; then "state", "item", "log" and "result" events follow as they happen.
// @Description Slow consumers may miss events and should re-read /autoupdate/status.
// @Tags        AutoUpdate
// @Produce     text/event-stream
// @Security    ApiKeyAuth
//
// @Success     200  {string} string "event stream"
// @Router      /autoupdate/events [get]
func (h *Handlers) AutoUpdateEvents(c *gin.Context) {
	events, cancel := h.auto.Subscribe()
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("status", h.auto.Status())
	c.Writer.Flush()

	hb := time.NewTicker(sseHeartbeat)
	defer hb.Stop()
	done := c.Request.Context().Done()

	c.Stream(func(io.Writer) bool {
		select {
		case ev, open := <-events:
			if !open {
				return false
			}
			c.SSEvent(ev.Type, ev.Payload)
			return true
		case t := <-hb.C:
			c.SSEvent("ping", t.Unix())
			return true
		case <-done:
			return false
		}
	})
}
