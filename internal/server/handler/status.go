package handler

import (
	"net/http"
)

// StatusHandler serves the backend status (mode, settlement phase) for
// dashboards.
type StatusHandler struct {
	Mode  string
	Phase func() string
}

// NewStatusHandler creates a StatusHandler. phase reports the current
// settlement phase and may be nil.
func NewStatusHandler(mode string, phase func() string) *StatusHandler {
	return &StatusHandler{Mode: mode, Phase: phase}
}

// GetStatus responds with the current backend mode and settlement phase.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"mode": h.Mode,
	}
	if h.Phase != nil {
		out["phase"] = h.Phase()
	}
	writeJSON(w, http.StatusOK, out)
}
