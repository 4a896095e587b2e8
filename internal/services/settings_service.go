// Package services – SettingsService
//
// This file implements the settings documents kept in the key-value store:
// the auto-update configuration (KPI criteria plus operational settings),
// the display settings, and the auto-update run-state marker. Each document
// is one opaque JSON blob under a fixed key. There is no versioning; the
// last write wins. Absent documents read as their documented defaults.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/dealflow-admin/internal/kpi"
	"github.com/tbourn/dealflow-admin/internal/repo"
)

// Fixed settings keys.
const (
	SettingAutoUpdateConfig = "auto_update_config"
	SettingDisplay          = "display_settings"
	SettingAutoUpdateRun    = "auto_update_run"
)

// AutoUpdateSettings is the auto-update configuration document.
//
// MaxRetries is stored and shown but not consulted by the run loop; failed
// items are retried explicitly.
type AutoUpdateSettings struct {
	Criteria      kpi.Criteria `json:"criteria"`
	MaxRetries    int          `json:"max_retries" example:"3"`
	SkipOnFailure bool         `json:"skip_on_failure" example:"true"`
}

// DefaultAutoUpdateSettings returns the documented defaults.
func DefaultAutoUpdateSettings() AutoUpdateSettings {
	return AutoUpdateSettings{
		Criteria:      kpi.DefaultCriteria(),
		MaxRetries:    3,
		SkipOnFailure: true,
	}
}

// DefaultDisplaySettings returns the documented display defaults.
func DefaultDisplaySettings() map[string]any {
	return map[string]any{
		"theme":         "light",
		"currency":      "USD",
		"pipeline_view": "kanban",
		"page_size":     25,
	}
}

// RunState is the server-tracked marker of an auto-update run.
type RunState struct {
	State     string    `json:"state"`
	Mode      string    `json:"mode"`
	Total     int       `json:"total"`
	StartedAt time.Time `json:"started_at"`
}

// SettingsService reads and writes the settings documents.
type SettingsService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
}

// NewSettingsService constructs a SettingsService.
func NewSettingsService(db *gorm.DB) *SettingsService {
	return &SettingsService{DB: db}
}

// AutoUpdateConfig returns the stored configuration, or defaults when absent.
// Sections missing from a stored document keep their default values.
func (s *SettingsService) AutoUpdateConfig(ctx context.Context) (AutoUpdateSettings, error) {
	cfg := DefaultAutoUpdateSettings()
	found, err := s.load(ctx, SettingAutoUpdateConfig, &cfg)
	if err != nil || !found {
		return DefaultAutoUpdateSettings(), err
	}
	return cfg, nil
}

// SaveAutoUpdateConfig replaces the configuration document.
func (s *SettingsService) SaveAutoUpdateConfig(ctx context.Context, cfg AutoUpdateSettings) error {
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidSettings)
	}
	return s.store(ctx, SettingAutoUpdateConfig, cfg)
}

// DisplaySettings returns the stored display document, or defaults.
func (s *SettingsService) DisplaySettings(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	found, err := s.load(ctx, SettingDisplay, &out)
	if err != nil || !found {
		return DefaultDisplaySettings(), err
	}
	return out, nil
}

// SaveDisplaySettings replaces the display document.
func (s *SettingsService) SaveDisplaySettings(ctx context.Context, doc map[string]any) error {
	if doc == nil {
		return fmt.Errorf("%w: display settings must be a JSON object", ErrInvalidSettings)
	}
	return s.store(ctx, SettingDisplay, doc)
}

// SaveRunState writes the run-state marker.
func (s *SettingsService) SaveRunState(ctx context.Context, st RunState) error {
	return s.store(ctx, SettingAutoUpdateRun, st)
}

// RunState returns the run-state marker, or nil when no run is tracked.
func (s *SettingsService) RunState(ctx context.Context) (*RunState, error) {
	var st RunState
	found, err := s.load(ctx, SettingAutoUpdateRun, &st)
	if err != nil || !found {
		return nil, err
	}
	return &st, nil
}

// ClearRunState removes the run-state marker.
func (s *SettingsService) ClearRunState(ctx context.Context) error {
	return repo.DeleteSetting(ctx, s.DB, SettingAutoUpdateRun)
}

func (s *SettingsService) load(ctx context.Context, key string, dst any) (bool, error) {
	rec, err := repo.GetSetting(ctx, s.DB, key)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(rec.Value, dst); err != nil {
		return false, fmt.Errorf("decode setting %s: %w", key, err)
	}
	return true, nil
}

func (s *SettingsService) store(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	return repo.PutSetting(ctx, s.DB, key, datatypes.JSON(b))
}
