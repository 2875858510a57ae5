package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/binaryoptions/internal/blob/s3"
	"github.com/alanyoungcy/binaryoptions/internal/crypto"
	"github.com/alanyoungcy/binaryoptions/internal/domain"
	"github.com/alanyoungcy/binaryoptions/internal/oracle"
	"github.com/alanyoungcy/binaryoptions/internal/pipeline"
	"github.com/alanyoungcy/binaryoptions/internal/server"
	"github.com/alanyoungcy/binaryoptions/internal/server/ws"
	"github.com/alanyoungcy/binaryoptions/internal/service"
)

// ServerMode serves the HTTP API and the event websocket.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	svc, err := a.buildMarketService(deps)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, svc)
	return waitGroup(g)
}

// KeeperMode runs the resolution keeper and, when enabled, the settlement
// archiver. The keeper runs regardless of keeper.enabled.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting keeper mode")

	svc, err := a.buildMarketService(deps)
	if err != nil {
		return err
	}
	keeper, err := a.buildKeeper(svc, deps)
	if err != nil {
		return err
	}
	orch := pipeline.NewOrchestrator(keeper, a.buildArchiver(svc, deps), a.cfg.Archive.Cron, a.logger)
	return orch.Run(ctx)
}

// OracleMode only ingests the price stream into the shared price cache.
func (a *App) OracleMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting oracle mode")

	if a.cfg.Oracle.Source != "stream" {
		return fmt.Errorf("app: oracle mode requires oracle.source = stream, got %q", a.cfg.Oracle.Source)
	}
	err := a.newStream(deps).Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// FullMode runs every component in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	svc, err := a.buildMarketService(deps)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.Oracle.Source == "stream" {
		stream := a.newStream(deps)
		g.Go(func() error {
			if err := stream.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("oracle stream: %w", err)
			}
			return nil
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svc)
	}

	var keeper *pipeline.Keeper
	if a.cfg.Keeper.Enabled {
		if keeper, err = a.buildKeeper(svc, deps); err != nil {
			return err
		}
	}
	if archiver := a.buildArchiver(svc, deps); keeper != nil || archiver != nil {
		orch := pipeline.NewOrchestrator(keeper, archiver, a.cfg.Archive.Cron, a.logger)
		g.Go(func() error { return orch.Run(ctx) })
	}

	return waitGroup(g)
}

func waitGroup(g *errgroup.Group) error {
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildMarketService assembles the oracle resolver and lifecycle controller.
func (a *App) buildMarketService(deps *Dependencies) (*service.MarketService, error) {
	admin, err := domain.ParseIdentity(a.cfg.Market.AdminIdentity)
	if err != nil {
		return nil, fmt.Errorf("app: admin identity: %w", err)
	}

	var source oracle.Source
	switch a.cfg.Oracle.Source {
	case "stream":
		source = oracle.NewCacheSource(deps.PriceCache)
	default:
		source = oracle.NewHermesClient(a.cfg.Oracle.HermesURL)
	}
	resolver, err := oracle.NewResolver(source, a.cfg.Oracle.Feeds(), oracle.WithStaleness(a.cfg.Oracle.Staleness()))
	if err != nil {
		return nil, fmt.Errorf("app: oracle: %w", err)
	}

	svc, err := service.NewMarketService(
		service.MarketConfig{
			Admin:     admin,
			Namespace: a.cfg.Market.CustodyNamespace,
			Rate:      a.cfg.Market.RatePerClaimPair,
		},
		service.MarketDeps{
			Ledger: deps.Ledger,
			Oracle: resolver,
			Audit:  deps.AuditStore,
			Cache:  deps.MarketCache,
			Events: service.NewEventPublisher(deps.SignalBus, deps.Notifier, a.logger),
			Logger: a.logger,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return svc, nil
}

func (a *App) buildKeeper(svc *service.MarketService, deps *Dependencies) (*pipeline.Keeper, error) {
	signer, err := crypto.LoadSigner(crypto.KeyConfig{
		RawPrivateKey: a.cfg.Keeper.PrivateKey,
		KeyfilePath:   a.cfg.Keeper.KeyfilePath,
		Password:      a.cfg.Keeper.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("app: keeper operator key: %w", err)
	}
	a.logger.Info("keeper operator loaded", slog.String("identity", signer.Identity().String()))
	return pipeline.NewKeeper(svc, deps.LockManager, signer.Identity(), a.cfg.Keeper.Interval.Duration, a.logger), nil
}

// buildArchiver returns nil unless the archive is enabled and wired.
func (a *App) buildArchiver(svc *service.MarketService, deps *Dependencies) *pipeline.Archiver {
	if !a.cfg.Archive.Enabled || deps.Blob == nil {
		return nil
	}
	blob := s3blob.NewArchiver(svc, deps.Blob, deps.Blob, deps.AuditStore)
	return pipeline.NewArchiver(blob, a.logger)
}

func (a *App) newStream(deps *Dependencies) *oracle.Stream {
	feeds := a.cfg.Oracle.Feeds()
	ids := make([]string, 0, len(feeds))
	for _, id := range feeds {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return oracle.NewStream(a.cfg.Oracle.HermesWSURL, ids, deps.PriceCache, a.logger)
}

// startHTTPServer adds the API server and the websocket hub to g. The server
// is shut down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *service.MarketService) {
	hub := ws.NewHub(deps.SignalBus, a.logger)
	g.Go(func() error {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("ws hub: %w", err)
		}
		return nil
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		MaxSkew:     a.cfg.Server.MaxSkew.Duration,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Deps{
		Markets: svc,
		Health:  deps.Health,
		Replay:  deps.LockManager,
		Limiter: deps.RateLimiter,
		Hub:     hub,
	}, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
