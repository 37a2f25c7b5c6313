package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cairnfi/termledger/internal/domain"
	"github.com/cairnfi/termledger/internal/fixed"
)

func newSeriesService(f *svcFixture, cache *memSeriesCache) *SeriesService {
	return NewSeriesService(f.accounting, f.seriesStore, cache, f.bus, f.audit, discardLogger())
}

func TestSeriesServiceGetPrefersCache(t *testing.T) {
	ctx := context.Background()
	f := newSvcFixture(t, "1.1", "1.05", "1")
	cache := newMemSeriesCache()
	svc := newSeriesService(f, cache)

	// Engine still has the series live; the cache carries a matured copy.
	doctored := domain.Series{Maturity: f.maturity, Matured: true}
	if err := cache.SetSeries(ctx, doctored, time.Minute); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	got, err := svc.Get(ctx, f.seriesID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Matured {
		t.Fatal("get ignored the cached copy")
	}
}

func TestSeriesServiceGetFallsBackToEngine(t *testing.T) {
	ctx := context.Background()
	f := newSvcFixture(t, "1.1", "1.05", "1")
	svc := newSeriesService(f, newMemSeriesCache())

	got, err := svc.Get(ctx, f.seriesID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Maturity.Equal(f.maturity) {
		t.Fatalf("maturity = %s, want %s", got.Maturity, f.maturity)
	}
	if got.Matured {
		t.Fatal("live series reported matured")
	}

	if _, err := svc.Get(ctx, 12345); !errors.Is(err, domain.ErrInvalidSeries) {
		t.Fatalf("unknown series: err = %v, want ErrInvalidSeries", err)
	}
}

func TestSeriesServiceMatureSnapshots(t *testing.T) {
	ctx := context.Background()
	f := newSvcFixture(t, "1.1", "1.05", "1.25")
	cache := newMemSeriesCache()
	svc := newSeriesService(f, cache)

	if err := svc.Mature(ctx, f.seriesID); !errors.Is(err, domain.ErrNotMatured) {
		t.Fatalf("early mature: err = %v, want ErrNotMatured", err)
	}

	f.clock.advance(366 * 24 * time.Hour)
	if err := svc.Mature(ctx, f.seriesID); err != nil {
		t.Fatalf("mature: %v", err)
	}

	stored, err := f.seriesStore.Get(ctx, f.seriesID)
	if err != nil {
		t.Fatalf("series snapshot missing: %v", err)
	}
	if !stored.Matured {
		t.Fatal("stored series not marked matured")
	}
	if growth := stored.MaturityGrowth[testCollateral]; growth == nil || growth.Cmp(fixed.MustWad("1.25")) != 0 {
		t.Fatalf("stored maturity growth = %v, want 1.25e18", growth)
	}

	cached, err := cache.GetSeries(ctx, f.seriesID)
	if err != nil {
		t.Fatalf("series cache missing: %v", err)
	}
	if !cached.Matured {
		t.Fatal("cached series not marked matured")
	}
	if !f.audit.has("series_matured") {
		t.Fatalf("audit events = %v, want series_matured", f.audit.events())
	}
}

func TestSeriesServiceSweepMaturities(t *testing.T) {
	ctx := context.Background()
	f := newSvcFixture(t, "1.1", "1.05", "1")
	svc := newSeriesService(f, newMemSeriesCache())

	matured, err := svc.SweepMaturities(ctx, f.clock.Now())
	if err != nil {
		t.Fatalf("sweep before maturity: %v", err)
	}
	if len(matured) != 0 {
		t.Fatalf("sweep before maturity matured %v, want nothing", matured)
	}

	f.clock.advance(366 * 24 * time.Hour)
	matured, err = svc.SweepMaturities(ctx, f.clock.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(matured) != 1 || matured[0] != f.seriesID {
		t.Fatalf("sweep matured %v, want [%d]", matured, f.seriesID)
	}

	// A second sweep finds nothing left to do.
	matured, err = svc.SweepMaturities(ctx, f.clock.Now())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(matured) != 0 {
		t.Fatalf("second sweep matured %v, want nothing", matured)
	}

	series, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(series) != 1 || !series[0].Matured {
		t.Fatalf("list after sweep = %+v, want one matured series", series)
	}
}
