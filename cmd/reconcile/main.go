// cmd/reconcile runs one reconciliation pass over unresolved claims and
// prints what it settled. Use it after a crash or when the dispenser runs
// without a reconcile interval.
//
// Usage:
//
//	SIGNER_PRIVATE_KEY=0x<key> go run ./cmd/reconcile/ --grace 10m
//
// Claims that never got a signed transaction on file are reported as unsent
// and keep their reservation. After checking the faucet's history for the
// recipient, rerun with --release-unsent to free them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/chain"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/claim"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/config"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/keys"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/ledger"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/reconcile"
)

func main() {
	grace := flag.Duration("grace", 0, "leave PENDING claims younger than this alone (default: config reconcile.grace_sec)")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall deadline")
	releaseUnsent := flag.Bool("release-unsent", false, "free reservations of orphaned claims with no tx hash")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fatalf("load config: %v", err)
	}
	if *grace == 0 {
		*grace = time.Duration(cfg.Reconcile.GraceSec) * time.Second
	}
	signer, err := keys.Load(cfg.Signer.PrivateKey)
	if err != nil {
		fatalf("load signer: %v", err)
	}

	log, _ := zap.NewDevelopment()
	defer log.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		fatalf("redis ping: %v", err)
	}

	readers := make(map[string]reconcile.ChainReader)
	for _, name := range cfg.NetworkNames() {
		c, err := chain.Dial(ctx, name, cfg.Networks[name], signer, log)
		if err != nil {
			fatalf("dial %s: %v", name, err)
		}
		readers[name] = c
	}

	rec := reconcile.New(readers, ledger.New(rdb), claim.NewStore(rdb), *grace, log)
	rec.ReleaseUnsent(*releaseUnsent)
	sum, err := rec.Pass(ctx)
	if err != nil {
		fatalf("reconcile: %v", err)
	}
	fmt.Printf("faucet:    %s\n", signer.Address.Hex())
	fmt.Printf("confirmed: %d\n", sum.Confirmed)
	fmt.Printf("released:  %d\n", sum.Released)
	fmt.Printf("left:      %d\n", sum.Left)
	fmt.Printf("skipped:   %d\n", sum.Skipped)
	fmt.Printf("unsent:    %d\n", sum.Unsent)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
