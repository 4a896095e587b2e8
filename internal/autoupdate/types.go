package autoupdate

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/tbourn/dealflow-admin/internal/enrichment"
	"github.com/tbourn/dealflow-admin/internal/kpi"
	"github.com/tbourn/dealflow-admin/internal/repo"
)

// State is the controller state.
type State string

// Controller states.
const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// ItemStatus is the status of one queue item. Within a run it only moves
// forward: pending, processing, then completed or failed.
type ItemStatus string

// Item statuses.
const (
	StatusPending    ItemStatus = "pending"
	StatusProcessing ItemStatus = "processing"
	StatusCompleted  ItemStatus = "completed"
	StatusFailed     ItemStatus = "failed"
)

// Run modes, shared with the research client.
const (
	ModeInitial = enrichment.ModeInitial
	ModeUpdate  = enrichment.ModeUpdate
)

// Filter types.
const (
	FilterAll    = "all"
	FilterFile   = "file"
	FilterSingle = "single"
)

// Filter narrows the issuers a queue is built from.
type Filter struct {
	Type  string `json:"type" example:"file"`
	Value string `json:"value,omitempty" example:"batch-2024-q1"`
}

func (f Filter) validate() error {
	switch f.Type {
	case FilterAll:
		return nil
	case FilterFile, FilterSingle:
		if strings.TrimSpace(f.Value) == "" {
			return fmt.Errorf("%w: filter %q needs a value", ErrInvalidRequest, f.Type)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown filter type %q", ErrInvalidRequest, f.Type)
}

func (f Filter) issuerFilter() repo.IssuerFilter {
	switch f.Type {
	case FilterFile:
		return repo.IssuerFilter{FileKey: strings.TrimSpace(f.Value)}
	case FilterSingle:
		return repo.IssuerFilter{Ticker: strings.ToUpper(strings.TrimSpace(f.Value))}
	}
	return repo.IssuerFilter{}
}

func validMode(mode string) bool {
	return mode == ModeInitial || mode == ModeUpdate
}

// QueueItem is one issuer scheduled for enrichment.
type QueueItem struct {
	Ticker     string     `json:"ticker"`
	Name       string     `json:"name"`
	Status     ItemStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	existing datatypes.JSON
}

// LogEntry is one line of the run log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Ticker  string    `json:"ticker,omitempty"`
}

// Log levels.
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelWarn    = "warn"
	LevelError   = "error"
)

// Stats summarizes queue progress.
type Stats struct {
	Total      int     `json:"total"`
	Pending    int     `json:"pending"`
	Processing int     `json:"processing"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Percent    float64 `json:"percent"`
	// ETASeconds is nil until at least one item has finished.
	ETASeconds *float64 `json:"eta_seconds"`
}

// Status is a point-in-time snapshot of the controller.
type Status struct {
	State     State       `json:"state"`
	Mode      string      `json:"mode,omitempty"`
	Filter    *Filter     `json:"filter,omitempty"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
	LastError string      `json:"last_error,omitempty"`
	Stats     Stats       `json:"stats"`
	Queue     []QueueItem `json:"queue"`
}

// TickerResult is the latest validation outcome for one issuer.
type TickerResult struct {
	Ticker string `json:"ticker"`
	kpi.Result
}

// Results filters.
const (
	ResultsAll  = "all"
	ResultsPass = "pass"
	ResultsFail = "fail"
)
