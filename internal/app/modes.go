package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/cairnfi/termledger/internal/crypto"
	"github.com/cairnfi/termledger/internal/domain"
	"github.com/cairnfi/termledger/internal/engine"
	"github.com/cairnfi/termledger/internal/fixed"
	"github.com/cairnfi/termledger/internal/oracle"
	"github.com/cairnfi/termledger/internal/server"
	"github.com/cairnfi/termledger/internal/server/handler"
	"github.com/cairnfi/termledger/internal/server/ws"
	"github.com/cairnfi/termledger/internal/service"
	"github.com/cairnfi/termledger/internal/token"
	"github.com/cairnfi/termledger/internal/treasury"
)

// maturitySweepInterval is how often past-due series are checked and matured.
const maturitySweepInterval = time.Minute

// API rate limit applied per client IP.
const (
	apiRateLimit       = 120
	apiRateLimitWindow = time.Minute
)

// ledger bundles the in-process engines plus the oracle they read from.
type ledger struct {
	treasury   *treasury.Treasury
	static     *oracle.Static
	accounting *engine.Accounting
	liquidator *engine.Liquidator
	settler    *engine.Settler
}

// EngineMode runs the full ledger without the upstream oracle feed. Quotes
// are served from the cached oracle, which falls back to the static table
// when Redis has nothing fresh.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode")

	g, ctx := errgroup.WithContext(ctx)

	led, err := a.buildLedger(deps)
	if err != nil {
		return fmt.Errorf("engine mode: %w", err)
	}

	a.startLedgerWorkers(ctx, g, deps, led)
	return g.Wait()
}

// FeedMode runs only the oracle feed: it consumes upstream quotes into Redis
// and republishes them on the signal bus for WebSocket consumers. No ledger
// engine is started and no database is required.
func (a *App) FeedMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting feed mode")

	g, ctx := errgroup.WithContext(ctx)

	static := oracle.NewStatic()
	feed := oracle.NewFeed(
		a.cfg.Oracle.WsURL,
		a.collateralCodes(),
		static,
		deps.PriceCache,
		deps.AccumulatorCache,
		deps.SignalBus,
		a.logger,
	)
	g.Go(func() error {
		defer feed.Close()
		return feed.Run(ctx)
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, nil, nil)
	}

	return g.Wait()
}

// FullMode runs the ledger engine plus the oracle feed in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	led, err := a.buildLedger(deps)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	feed := oracle.NewFeed(
		a.cfg.Oracle.WsURL,
		a.collateralCodes(),
		led.static,
		deps.PriceCache,
		deps.AccumulatorCache,
		deps.SignalBus,
		a.logger,
	)
	g.Go(func() error {
		defer feed.Close()
		return feed.Run(ctx)
	})

	a.startLedgerWorkers(ctx, g, deps, led)
	return g.Wait()
}

// buildLedger constructs the treasury, oracles, and the three engines from
// configuration. Collaterals and series are registered up front so the
// process serves a consistent ledger from the first request.
func (a *App) buildLedger(deps *Dependencies) (*ledger, error) {
	tre := treasury.New()
	static := oracle.NewStatic()
	cached := oracle.NewCached(deps.PriceCache, deps.AccumulatorCache, static, a.cfg.Oracle.MaxAge.Duration)

	acct := engine.NewAccounting(tre, time.Now)

	for _, c := range a.cfg.Collaterals {
		dust, err := fixed.ParseWad(c.Dust)
		if err != nil {
			return nil, fmt.Errorf("build ledger: collateral %s dust: %w", c.Code, err)
		}
		meta := domainCollateral(c.Code, c.Kind, dust)
		if err := acct.RegisterCollateral(meta, cached, cached, cached); err != nil {
			return nil, fmt.Errorf("build ledger: register collateral %s: %w", c.Code, err)
		}
	}

	for _, s := range a.cfg.Series {
		if err := acct.AddSeries(s.Maturity, token.New(s.Token)); err != nil {
			return nil, fmt.Errorf("build ledger: add series %s: %w", s.Token, err)
		}
	}

	incentive, err := fixed.ParseWad(a.cfg.Engine.LiquidationIncentive)
	if err != nil {
		return nil, fmt.Errorf("build ledger: liquidation incentive: %w", err)
	}

	liq := engine.NewLiquidator(
		acct, tre,
		a.cfg.Engine.RefCollateral,
		incentive,
		a.cfg.Engine.AuctionDuration.Duration,
		time.Now,
	)

	operator, err := a.resolveOperator()
	if err != nil {
		return nil, fmt.Errorf("build ledger: %w", err)
	}

	set := engine.NewSettler(acct, tre, a.cfg.Engine.RefCollateral, operator, time.Now)

	return &ledger{
		treasury:   tre,
		static:     static,
		accounting: acct,
		liquidator: liq,
		settler:    set,
	}, nil
}

// resolveOperator returns the operator address from config, deriving it from
// the encrypted key file when no explicit address is configured.
func (a *App) resolveOperator() (common.Address, error) {
	if a.cfg.Operator.Address != "" {
		return common.HexToAddress(a.cfg.Operator.Address), nil
	}

	keyHex, err := crypto.LoadKey(crypto.KeyConfig{
		EncryptedKeyPath: a.cfg.Operator.EncryptedKeyPath,
		KeyPassword:      a.cfg.Operator.KeyPassword,
	})
	if err != nil {
		return common.Address{}, fmt.Errorf("resolve operator: %w", err)
	}
	op, err := crypto.NewOperator(keyHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("resolve operator: %w", err)
	}
	return op.Address(), nil
}

// startLedgerWorkers builds the services on top of the engines and starts the
// HTTP server, the maturity sweeper, and the archival job.
func (a *App) startLedgerWorkers(ctx context.Context, g *errgroup.Group, deps *Dependencies, led *ledger) {
	vaultSvc := service.NewVaultService(
		led.accounting, deps.VaultStore, deps.DebtStore,
		deps.SignalBus, deps.AuditStore, a.logger,
	)
	auctionSvc := service.NewAuctionService(
		led.liquidator, led.accounting, deps.AuctionStore, deps.VaultStore,
		deps.AuctionBoard, deps.SignalBus, deps.AuditStore, deps.Notifier, a.logger,
	)
	settlementSvc := service.NewSettlementService(
		led.settler, led.accounting, deps.SettlementStore, deps.VaultStore,
		deps.DebtStore, deps.SignalBus, deps.AuditStore, deps.Notifier, a.logger,
	)
	seriesSvc := service.NewSeriesService(
		led.accounting, deps.SeriesStore, deps.SeriesCache,
		deps.SignalBus, deps.AuditStore, a.logger,
	)

	// Maturity sweeper: mature past-due series without waiting for a caller.
	// A distributed lock keeps multi-replica deployments from racing.
	g.Go(func() error {
		ticker := time.NewTicker(maturitySweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case now := <-ticker.C:
				unlock, err := deps.LockManager.Acquire(ctx, "maturity_sweep", maturitySweepInterval)
				if err != nil {
					if !errors.Is(err, domain.ErrLockHeld) {
						a.logger.WarnContext(ctx, "maturity sweep lock failed",
							slog.String("error", err.Error()),
						)
					}
					continue
				}
				matured, err := seriesSvc.SweepMaturities(ctx, now.UTC())
				unlock()
				if err != nil {
					a.logger.WarnContext(ctx, "maturity sweep failed",
						slog.String("error", err.Error()),
					)
					continue
				}
				if len(matured) > 0 {
					a.logger.InfoContext(ctx, "maturity sweep matured series",
						slog.Any("series_ids", matured),
					)
				}
			}
		}
	})

	// Archival job: move closed auctions and old audit entries to object
	// storage on the configured interval.
	if deps.Archiver != nil {
		retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
		interval := a.cfg.Archive.Interval.Duration
		if interval <= 0 {
			interval = 24 * time.Hour
		}
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					unlock, err := deps.LockManager.Acquire(ctx, "archive", interval)
					if err != nil {
						if !errors.Is(err, domain.ErrLockHeld) {
							a.logger.WarnContext(ctx, "archive lock failed",
								slog.String("error", err.Error()),
							)
						}
						continue
					}
					cutoff := time.Now().UTC().Add(-retention)
					if n, err := deps.Archiver.ArchiveAuctions(ctx, cutoff); err != nil {
						a.logger.WarnContext(ctx, "auction archival failed",
							slog.String("error", err.Error()),
						)
					} else if n > 0 {
						a.logger.InfoContext(ctx, "archived closed auctions", slog.Int64("count", n))
					}
					if n, err := deps.Archiver.ArchiveAudit(ctx, cutoff); err != nil {
						a.logger.WarnContext(ctx, "audit archival failed",
							slog.String("error", err.Error()),
						)
					} else if n > 0 {
						a.logger.InfoContext(ctx, "archived audit entries", slog.Int64("count", n))
					}
					unlock()
				}
			}
		})
	}

	if a.cfg.Server.Enabled {
		phase := func() string { return string(led.settler.State().Phase) }
		a.startHTTPServer(ctx, g, deps, &serverHandlers{
			vaults:     vaultSvc,
			auctions:   auctionSvc,
			settlement: settlementSvc,
			series:     seriesSvc,
		}, phase)
	}
}

// serverHandlers holds the ledger services exposed over HTTP. Nil in feed
// mode, where only health, status, and the WebSocket endpoint are served.
type serverHandlers struct {
	vaults     *service.VaultService
	auctions   *service.AuctionService
	settlement *service.SettlementService
	series     *service.SeriesService
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	svcs *serverHandlers,
	phase func() string,
) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(a.logger),
		Status: handler.NewStatusHandler(a.cfg.Mode, phase),
	}
	if svcs != nil {
		handlers.Vaults = handler.NewVaultHandler(svcs.vaults, a.logger)
		handlers.Auctions = handler.NewAuctionHandler(svcs.auctions, a.logger)
		handlers.Settlement = handler.NewSettlementHandler(svcs.settlement, a.logger)
		handlers.Series = handler.NewSeriesHandler(svcs.series, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,

		RateLimiter:     deps.RateLimiter,
		RateLimit:       apiRateLimit,
		RateLimitWindow: apiRateLimitWindow,
	}, handlers, hub, a.logger)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// collateralCodes returns the configured collateral codes in config order.
func (a *App) collateralCodes() []string {
	codes := make([]string, 0, len(a.cfg.Collaterals))
	for _, c := range a.cfg.Collaterals {
		codes = append(codes, c.Code)
	}
	return codes
}

// domainCollateral maps a config collateral entry to its domain counterpart.
// Unknown kinds fall back to plain; config validation rejects them earlier.
func domainCollateral(code, kind string, dust *big.Int) domain.Collateral {
	k := domain.CollateralPlain
	if strings.EqualFold(kind, string(domain.CollateralSavings)) {
		k = domain.CollateralSavings
	}
	return domain.Collateral{Code: code, Kind: k, Dust: dust}
}
