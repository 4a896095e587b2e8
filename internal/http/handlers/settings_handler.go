package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/dealflow-admin/internal/services"
)

// GetDisplaySettings godoc
// @ID          getDisplaySettings
// @Summary     Display settings
// @Description Returns the stored display document, or the defaults when none was saved.
// @Tags        Settings
// @Produce     json
// @Security    ApiKeyAuth
//
// @Success     200  {object} map[string]any
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /settings/display [get]
func (h *Handlers) GetDisplaySettings(c *gin.Context) {
	doc, err := h.settings.DisplaySettings(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, doc)
}

// PutDisplaySettings godoc
// @ID          putDisplaySettings
// @Summary     Replace display settings
// @Description Stores the document as given. Concurrent writers race; the last write wins.
// @Tags        Settings
// @Accept      json
// @Produce     json
// @Security    ApiKeyAuth
//
// @Param       body  body  object  true  "Display settings document"
//
// @Success     200  {object} map[string]any
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Router      /settings/display [put]
func (h *Handlers) PutDisplaySettings(c *gin.Context) {
	var doc map[string]any
	if err := c.ShouldBindJSON(&doc); err != nil || doc == nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "body must be a JSON object")
		return
	}
	if err := h.settings.SaveDisplaySettings(c.Request.Context(), doc); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, doc)
}

// GetAutoUpdateConfig godoc
// @ID          getAutoUpdateConfig
// @Summary     Auto-update configuration
// @Description Returns KPI criteria (display data), max retries and skip-on-failure.
// @Tags        AutoUpdate
// @Produce     json
// @Security    ApiKeyAuth
//
// @Success     200  {object} services.AutoUpdateSettings
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /autoupdate/config [get]
func (h *Handlers) GetAutoUpdateConfig(c *gin.Context) {
	cfg, err := h.settings.AutoUpdateConfig(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, cfg)
}

// PutAutoUpdateConfig godoc
// @ID          putAutoUpdateConfig
// @Summary     Replace auto-update configuration
// @Tags        AutoUpdate
// @Accept      json
// @Produce     json
// @Security    ApiKeyAuth
//
// @Param       body  body  services.AutoUpdateSettings  true  "Configuration"
//
// @Success     200  {object} services.AutoUpdateSettings
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Router      /autoupdate/config [put]
func (h *Handlers) PutAutoUpdateConfig(c *gin.Context) {
	// Sections left out of the body keep their defaults.
	cfg := services.DefaultAutoUpdateSettings()
	if err := c.ShouldBindJSON(&cfg); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if err := h.settings.SaveAutoUpdateConfig(c.Request.Context(), cfg); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, cfg)
}
