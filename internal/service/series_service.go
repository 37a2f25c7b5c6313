package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cairnfi/termledger/internal/domain"
	"github.com/cairnfi/termledger/internal/engine"
)

// seriesCacheTTL bounds how long a cached series snapshot may serve reads.
const seriesCacheTTL = 5 * time.Minute

// SeriesService manages the debt series registry: persistence snapshots,
// cache population, and the maturity sweep.
type SeriesService struct {
	accounting *engine.Accounting
	series     domain.SeriesStore
	cache      domain.SeriesCache
	bus        domain.SignalBus
	audit      domain.AuditStore
	logger     *slog.Logger
}

// NewSeriesService creates a SeriesService. cache may be nil.
func NewSeriesService(
	accounting *engine.Accounting,
	series domain.SeriesStore,
	cache domain.SeriesCache,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *SeriesService {
	return &SeriesService{
		accounting: accounting,
		series:     series,
		cache:      cache,
		bus:        bus,
		audit:      audit,
		logger:     logger,
	}
}

// Get returns one series, preferring the cache over the engine.
func (s *SeriesService) Get(ctx context.Context, id int64) (domain.Series, error) {
	if s.cache != nil {
		if cached, err := s.cache.GetSeries(ctx, id); err == nil {
			return cached, nil
		}
	}

	series, err := s.accounting.SeriesMeta(id)
	if err != nil {
		return domain.Series{}, fmt.Errorf("series_service: get %d: %w", id, err)
	}
	return series, nil
}

// List returns every registered series from the engine, ordered by maturity.
func (s *SeriesService) List(ctx context.Context) ([]domain.Series, error) {
	ids := s.accounting.SeriesIDs()
	out := make([]domain.Series, 0, len(ids))
	for _, id := range ids {
		series, err := s.accounting.SeriesMeta(id)
		if err != nil {
			return nil, fmt.Errorf("series_service: list: %w", err)
		}
		out = append(out, series)
	}
	return out, nil
}

// Mature records the maturity-time growth snapshots for one series and marks
// it matured. Idempotent.
func (s *SeriesService) Mature(ctx context.Context, id int64) error {
	if err := s.accounting.MatureSeries(ctx, id); err != nil {
		return fmt.Errorf("series_service: mature %d: %w", id, err)
	}

	series, err := s.accounting.SeriesMeta(id)
	if err != nil {
		return fmt.Errorf("series_service: mature %d: %w", id, err)
	}
	s.snapshot(ctx, series)

	s.emit(ctx, "series_matured", map[string]any{
		"series_id": id,
		"maturity":  series.Maturity.Format(time.RFC3339),
	})

	s.logger.InfoContext(ctx, "series_service: series matured",
		slog.Int64("series_id", id),
	)
	return nil
}

// SweepMaturities matures every series whose maturity has passed. Returns the
// IDs matured in this sweep. Intended to run on a ticker.
func (s *SeriesService) SweepMaturities(ctx context.Context, now time.Time) ([]int64, error) {
	var matured []int64
	for _, id := range s.accounting.SeriesIDs() {
		series, err := s.accounting.SeriesMeta(id)
		if err != nil {
			return matured, fmt.Errorf("series_service: sweep: %w", err)
		}
		if series.Matured || now.Before(series.Maturity) {
			continue
		}
		if err := s.Mature(ctx, id); err != nil {
			return matured, err
		}
		matured = append(matured, id)
	}
	return matured, nil
}

// snapshot persists one series record to the store and cache. Failures are
// logged, not returned.
func (s *SeriesService) snapshot(ctx context.Context, series domain.Series) {
	if err := s.series.Upsert(ctx, series); err != nil {
		s.logger.WarnContext(ctx, "series_service: store snapshot failed",
			slog.Int64("series_id", series.ID()),
			slog.String("error", err.Error()),
		)
	}
	if s.cache != nil {
		if err := s.cache.SetSeries(ctx, series, seriesCacheTTL); err != nil {
			s.logger.WarnContext(ctx, "series_service: cache snapshot failed",
				slog.Int64("series_id", series.ID()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// emit publishes an event on the shared event channel and mirrors it into the
// audit log. Both paths are best-effort.
func (s *SeriesService) emit(ctx context.Context, event string, detail map[string]any) {
	payload := map[string]any{"event": event}
	for k, v := range detail {
		payload[k] = v
	}
	if raw, err := json.Marshal(payload); err == nil {
		if pubErr := s.bus.Publish(ctx, domain.ChannelEvents, raw); pubErr != nil {
			s.logger.WarnContext(ctx, "series_service: publish event failed",
				slog.String("event", event),
				slog.String("error", pubErr.Error()),
			)
		}
	}

	if auditErr := s.audit.Log(ctx, event, detail); auditErr != nil {
		s.logger.WarnContext(ctx, "series_service: audit log failed",
			slog.String("event", event),
			slog.String("error", auditErr.Error()),
		)
	}
}
