package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cairnfi/termledger/internal/domain"
)

// SeriesService defines the methods that the series handler requires from the
// service layer.
type SeriesService interface {
	Get(ctx context.Context, id int64) (domain.Series, error)
	List(ctx context.Context) ([]domain.Series, error)
	Mature(ctx context.Context, id int64) error
}

// SeriesHandler serves debt-series HTTP endpoints.
type SeriesHandler struct {
	series SeriesService
	logger *slog.Logger
}

// NewSeriesHandler creates a SeriesHandler with the given service and logger.
func NewSeriesHandler(series SeriesService, logger *slog.Logger) *SeriesHandler {
	return &SeriesHandler{
		series: series,
		logger: logger,
	}
}

// seriesJSON is the wire form of a series record.
type seriesJSON struct {
	ID             int64             `json:"id"`
	Maturity       time.Time         `json:"maturity"`
	Matured        bool              `json:"matured"`
	MaturityGrowth map[string]string `json:"maturity_growth,omitempty"`
}

func toSeriesJSON(s domain.Series) seriesJSON {
	out := seriesJSON{
		ID:       s.ID(),
		Maturity: s.Maturity,
		Matured:  s.Matured,
	}
	if len(s.MaturityGrowth) > 0 {
		out.MaturityGrowth = make(map[string]string, len(s.MaturityGrowth))
		for code, growth := range s.MaturityGrowth {
			out.MaturityGrowth[code] = growth.String()
		}
	}
	return out
}

// ListSeries returns every registered series, ordered by maturity.
// GET /api/series
func (h *SeriesHandler) ListSeries(w http.ResponseWriter, r *http.Request) {
	series, err := h.series.List(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list series failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list series")
		return
	}

	out := make([]seriesJSON, 0, len(series))
	for _, s := range series {
		out = append(out, toSeriesJSON(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"series": out})
}

// GetSeries returns one series by ID.
// GET /api/series/{id}
func (h *SeriesHandler) GetSeries(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(pathParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}

	series, err := h.series.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSeriesJSON(series))
}

// MatureSeries records maturity-time growth snapshots for a series whose
// maturity has passed. Idempotent.
// POST /api/series/{id}/mature
func (h *SeriesHandler) MatureSeries(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(pathParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}

	if err := h.series.Mature(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "matured"})
}
