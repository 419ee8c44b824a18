// cmd/setup performs the one-time import of recipient lists kept by the
// previous JSON-file based distributor:
//
//  1. --known  addresses.json           : allow-list used when REQUIRE_KNOWN=true
//  2. --paid   received_addresses.json  : recipients already paid; marked paid
//     in the ledger so they can never claim again
//
// Both files are JSON arrays of address strings. Invalid entries are reported
// and skipped. Re-running is safe: occupied ledger slots are left untouched.
//
// Usage:
//
//	REDIS_ADDR=localhost:6379 \
//	go run ./cmd/setup/ \
//	  --known   addresses.json \
//	  --paid    received_addresses.json \
//	  --network arbitrum \
//	  --asset   ETH
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/chain"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/config"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/ledger"
)

// importedTx stands in for the unknown transaction of a legacy payout.
const importedTx = "imported"

func main() {
	knownPath := flag.String("known", "", "JSON array of allow-listed addresses")
	paidPath := flag.String("paid", "", "JSON array of already-paid addresses")
	network := flag.String("network", config.DefaultNetworkName, "network the paid list belongs to")
	assetSym := flag.String("asset", "ETH", "asset the paid list belongs to")
	flag.Parse()

	if *knownPath == "" && *paidPath == "" {
		fatalf("nothing to do: pass --known and/or --paid")
	}

	cfg, err := config.Load()
	if err != nil {
		fatalf("load config: %v", err)
	}
	if _, ok := cfg.Networks[*network]; !ok {
		fatalf("network %q is not configured", *network)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		fatalf("redis ping: %v", err)
	}
	l := ledger.New(rdb)

	if *knownPath != "" {
		addrs, bad, err := readAddresses(*knownPath)
		if err != nil {
			fatalf("read %s: %v", *knownPath, err)
		}
		reportInvalid(*knownPath, bad)
		if err := l.AddKnown(ctx, addrs...); err != nil {
			fatalf("add known: %v", err)
		}
		fmt.Printf("known:    %d added\n", len(addrs))
	}

	if *paidPath != "" {
		addrs, bad, err := readAddresses(*paidPath)
		if err != nil {
			fatalf("read %s: %v", *paidPath, err)
		}
		reportInvalid(*paidPath, bad)
		imported, skipped, err := importPaid(ctx, l, *network, *assetSym, addrs)
		if err != nil {
			fatalf("import paid: %v", err)
		}
		fmt.Printf("paid:     %d imported, %d already present (%s/%s)\n", imported, skipped, *network, *assetSym)
	}
}

// readAddresses parses a JSON array of address strings, splitting it into
// valid addresses and rejected raw entries.
func readAddresses(path string) ([]common.Address, []string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var entries []string
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, nil, fmt.Errorf("parse JSON array: %w", err)
	}

	seen := make(map[common.Address]bool, len(entries))
	var valid []common.Address
	var invalid []string
	for _, e := range entries {
		addr, err := chain.ParseAddress(e)
		if err != nil {
			invalid = append(invalid, e)
			continue
		}
		if seen[addr] {
			continue
		}
		seen[addr] = true
		valid = append(valid, addr)
	}
	return valid, invalid, nil
}

// importPaid marks each address paid for (network, asset). Slots that are
// already reserved or paid are counted as skipped.
func importPaid(ctx context.Context, l *ledger.Ledger, network, assetSym string, addrs []common.Address) (imported, skipped int, err error) {
	for _, a := range addrs {
		ok, err := l.Import(ctx, ledger.Slot{Network: network, Asset: assetSym, Address: a}, importedTx)
		if err != nil {
			return imported, skipped, err
		}
		if ok {
			imported++
		} else {
			skipped++
		}
	}
	return imported, skipped, nil
}

func reportInvalid(path string, bad []string) {
	for _, b := range bad {
		fmt.Fprintf(os.Stderr, "warning: %s: skipping invalid address %q\n", path, b)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
