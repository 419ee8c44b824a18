package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/api"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/claim"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/config"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/keys"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/ledger"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/payout"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/reconcile"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Faucet key + chain clients ────────────────────────────────────────────
	signer, err := keys.Load(cfg.Signer.PrivateKey)
	if err != nil {
		log.Fatal("signer load failed", zap.Error(err))
	}
	networks, readers, err := buildNetworks(ctx, cfg, dialer(signer, log))
	if err != nil {
		log.Fatal("network init failed", zap.Error(err))
	}
	for name := range networks {
		log.Info("network ready", zap.String("network", name), zap.String("faucet", signer.Address.Hex()))
	}

	// ── Ledger, records, engine ───────────────────────────────────────────────
	l := ledger.New(rdb)
	store := claim.NewStore(rdb)
	engine, err := payout.NewEngine(networks, l, store, payout.Options{
		DefaultNetwork: cfg.Payout.DefaultNetwork,
		ConfirmTimeout: cfg.Payout.ConfirmTimeout(),
		RPCTimeout:     cfg.Payout.RPCTimeout(),
		RequireKnown:   cfg.Payout.RequireKnown,
	}, log)
	if err != nil {
		log.Fatal("engine init failed", zap.Error(err))
	}

	// ── Crash recovery ────────────────────────────────────────────────────────
	// Settle claims a previous run left unresolved before taking new ones.
	rec := reconcile.New(readers, l, store, time.Duration(cfg.Reconcile.GraceSec)*time.Second, log)
	if sum, err := rec.Pass(ctx); err != nil {
		log.Warn("startup reconcile failed", zap.Error(err))
	} else {
		log.Info("startup reconcile done",
			zap.Int("confirmed", sum.Confirmed),
			zap.Int("released", sum.Released),
			zap.Int("left", sum.Left),
			zap.Int("unsent", sum.Unsent),
		)
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: newRouter(api.NewHandler(engine, log), rdb, cfg.Server.APIToken),
	}
	if cfg.Server.APIToken == "" {
		log.Warn("CLAIM_API_TOKEN not set, claim API is unauthenticated")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.Reconcile.IntervalSec > 0 {
		g.Go(func() error {
			rec.Run(gctx, time.Duration(cfg.Reconcile.IntervalSec)*time.Second)
			return nil
		})
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("dispenser stopped with error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
