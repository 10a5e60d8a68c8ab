package handler

import (
	"net/http"
	"time"
)

// StatusHandler serves the process status for dashboards.
type StatusHandler struct {
	Mode              string
	SettlementEnabled bool
	StartedAt         time.Time
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, settlementEnabled bool, startedAt time.Time) *StatusHandler {
	return &StatusHandler{Mode: mode, SettlementEnabled: settlementEnabled, StartedAt: startedAt}
}

// GetStatus responds with the run mode and uptime.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":               h.Mode,
		"settlement_enabled": h.SettlementEnabled,
		"uptime_seconds":     int64(time.Since(h.StartedAt).Seconds()),
	})
}
