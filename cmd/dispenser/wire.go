package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/api"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/asset"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/chain"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/config"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/keys"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/payout"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/reconcile"
)

// requestDedupTTL bounds how long a claim source's X-Request-ID is remembered.
const requestDedupTTL = 24 * time.Hour

// dialFunc opens the chain client for one configured network.
type dialFunc func(ctx context.Context, name string, n config.NetworkConfig) (*chain.Client, error)

func dialer(signer *keys.Signer, log *zap.Logger) dialFunc {
	return func(ctx context.Context, name string, n config.NetworkConfig) (*chain.Client, error) {
		return chain.Dial(ctx, name, n, signer, log)
	}
}

// buildNetworks dials every configured network and resolves its asset
// registry. The configured default asset only applies to the default network;
// other networks default to their native coin.
func buildNetworks(ctx context.Context, cfg *config.Config, dial dialFunc) (map[string]payout.Network, map[string]reconcile.ChainReader, error) {
	names := cfg.NetworkNames()
	defaultNet := cfg.Payout.DefaultNetwork
	if defaultNet == "" && len(names) == 1 {
		defaultNet = names[0]
	}

	networks := make(map[string]payout.Network, len(names))
	readers := make(map[string]reconcile.ChainReader, len(names))
	for _, name := range names {
		n := cfg.Networks[name]
		defaultAsset := ""
		if name == defaultNet {
			defaultAsset = cfg.Payout.DefaultAsset
		}
		reg, err := asset.BuildRegistry(n, cfg.Payout.Amount, defaultAsset)
		if err != nil {
			return nil, nil, fmt.Errorf("network %s: %w", name, err)
		}
		client, err := dial(ctx, name, n)
		if err != nil {
			return nil, nil, err
		}
		networks[name] = payout.Network{Client: client, Assets: reg}
		readers[name] = client
	}
	return networks, readers, nil
}

// newRouter mounts the claim API behind bearer auth and request dedup.
// /healthz stays open for liveness checks.
func newRouter(h *api.Handler, rdb *redis.Client, apiToken string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", h.Health)

	rg := r.Group("/api", api.BearerAuth(apiToken), api.RequestDedup(rdb, requestDedupTTL))
	h.Register(rg)
	return r
}
