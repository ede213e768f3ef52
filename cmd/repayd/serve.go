package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"autorepay.org/internal/auth"
	"autorepay.org/internal/config"
	"autorepay.org/internal/httpapi"
	"autorepay.org/internal/ledger"
	"autorepay.org/internal/migrate"
	"autorepay.org/internal/obs"
	"autorepay.org/internal/pool"
	"autorepay.org/internal/repay"
	pgstore "autorepay.org/internal/store/pg"
	"autorepay.org/internal/stream"
)

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer obs.Sync()
	logger := obs.Logger()

	obs.Init()
	obs.InitBuildInfo(obs.Version, obs.Commit)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	assets := ledger.NewInMemory()
	lp := pool.New(assets, cfg.Pool())
	events := stream.New(cfg.StreamBuffer)

	engine, err := repay.New(store, assets, lp, cfg.Engine(),
		repay.WithPublisher(fanout{events, reserveLister{pool: lp}}),
		repay.WithMetrics(obs.EngineMetrics{}),
		repay.WithLogger(logger.Named("repay")),
	)
	if err != nil {
		return err
	}
	if err := bootstrap(ctx, cfg, engine, lp); err != nil {
		return err
	}

	issuer, err := auth.NewIssuer(cfg.AuthSecret, auth.WithIssuerName(cfg.AuthIssuer))
	if err != nil {
		return err
	}
	opts := []httpapi.Option{
		httpapi.WithRateLimit(cfg.RateLimitBurst, cfg.RateLimitRPS),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
		httpapi.WithCORSOrigins(cfg.CORSOrigins),
	}
	if cfg.Development {
		opts = append(opts,
			httpapi.WithTokenEndpoint(cfg.TokenTTL),
			httpapi.WithDevFunding(pool.NewFaucet(lp, engine.Account())),
		)
	}
	api := httpapi.New(engine, issuer, events, opts...)
	defer api.Close()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
	}
	grpcSrv := grpc.NewServer()
	health := httpapi.NewHealthServer(engine)
	health.Register(grpcSrv)
	go health.Run(ctx, 5*time.Second)

	errc := make(chan error, 2)
	go func() {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", obs.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		logger.Info("grpc listening", zap.String("addr", lis.Addr().String()))
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errc <- fmt.Errorf("grpc: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errc:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown", zap.Error(serr))
	}
	stopped := make(chan struct{})
	go func() {
		grpcSrv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcSrv.Stop()
	}
	logger.Info("stopped")
	return err
}

// openStore returns the Postgres store when a DSN is configured and an
// in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config) (repay.Store, func(), error) {
	if cfg.PostgresDSN == "" {
		obs.Logger().Warn("no postgres DSN configured; engine state is kept in memory")
		return repay.NewMemStore(), func() {}, nil
	}
	store, err := pgstore.Open(cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	pending, err := migrate.NewManager(store.DB()).Pending(ctx)
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("check migrations: %w", err)
	}
	if len(pending) > 0 {
		_ = store.Close()
		return nil, nil, fmt.Errorf("%d pending migrations; run `repayd migrate up` first", len(pending))
	}
	return store, func() { _ = store.Close() }, nil
}

// bootstrap initializes a fresh engine from config and lists every active
// triple as a pool reserve.
func bootstrap(ctx context.Context, cfg *config.Config, engine *repay.Engine, lp *pool.Pool) error {
	initialized, err := engine.IsInitialized(ctx)
	if err != nil {
		return fmt.Errorf("read engine state: %w", err)
	}
	if !initialized {
		admin, treasury, ok := cfg.Bootstrap()
		if !ok {
			obs.Logger().Warn("engine is not initialized and no bootstrap admin is configured")
		} else {
			fees := repay.FeeConfig{ProtocolFeeBps: cfg.ProtocolFeeBps, ExecutorTipBps: cfg.ExecutorTipBps}
			if err := engine.Initialize(ctx, admin, treasury, fees); err != nil {
				return fmt.Errorf("initialize engine: %w", err)
			}
			obs.Logger().Info("engine initialized", zap.String("admin", admin.Hex()), zap.String("treasury", treasury.Hex()))
		}
	}

	bases, err := engine.ListActiveTokens(ctx)
	if err != nil {
		return fmt.Errorf("list tokens: %w", err)
	}
	for _, base := range bases {
		tr, err := engine.GetTokenConfig(ctx, base)
		if err != nil {
			return err
		}
		if err := lp.ListReserve(pool.Reserve{Base: tr.Base, Debt: tr.Debt, Supply: tr.Supply}); err != nil && !errors.Is(err, pool.ErrReserveExists) {
			return fmt.Errorf("list reserve %s: %w", tr.Base.Hex(), err)
		}
	}
	return nil
}

type fanout []repay.Publisher

func (f fanout) Publish(ev repay.Event) {
	for _, p := range f {
		p.Publish(ev)
	}
}

// reserveLister keeps the in-process pool's reserves in step with the token
// registry.
type reserveLister struct {
	pool *pool.Pool
}

func (r reserveLister) Publish(ev repay.Event) {
	if ev.Kind != repay.EventTripleAuthorized {
		return
	}
	reserve := pool.Reserve{
		Base:   ev.Token,
		Debt:   common.HexToAddress(ev.Fields["debt"]),
		Supply: common.HexToAddress(ev.Fields["supply"]),
	}
	if err := r.pool.ListReserve(reserve); err != nil && !errors.Is(err, pool.ErrReserveExists) {
		obs.Logger().Warn("list reserve", zap.String("base", reserve.Base.Hex()), zap.Error(err))
	}
}
