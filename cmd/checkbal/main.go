// cmd/checkbal prints the faucet wallet's balances on every configured
// network: the native coin and each configured token, plus the nonce gap
// between mined and pending transactions.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/asset"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/chain"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/config"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/keys"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatalf("load config: %v", err)
	}
	signer, err := keys.Load(cfg.Signer.PrivateKey)
	if err != nil {
		fatalf("load signer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	fmt.Printf("faucet: %s\n", signer.Address.Hex())
	for _, name := range cfg.NetworkNames() {
		n := cfg.Networks[name]
		c, err := chain.Dial(ctx, name, n, signer, zap.NewNop())
		if err != nil {
			fmt.Printf("%-10s error: %v\n", name, err)
			continue
		}

		bal, err := c.GetBalance(ctx, signer.Address)
		if err != nil {
			fmt.Printf("%-10s error: %v\n", name, err)
			continue
		}
		fmt.Printf("%-10s %-6s %s\n", name, n.NativeSymbol, asset.FormatAmount(bal, asset.NativeDecimals))

		for _, a := range n.Assets {
			tb, err := c.GetTokenBalance(ctx, common.HexToAddress(a.Contract), signer.Address)
			if err != nil {
				fmt.Printf("%-10s %-6s error: %v\n", name, a.Symbol, err)
				continue
			}
			fmt.Printf("%-10s %-6s %s\n", name, a.Symbol, asset.FormatAmount(tb, a.Decimals))
		}

		mined, err := c.ConfirmedNonce(ctx)
		if err != nil {
			continue
		}
		pending, err := c.NextNonce(ctx)
		if err != nil {
			continue
		}
		fmt.Printf("%-10s nonce  mined=%d pending=%d\n", name, mined, pending)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
