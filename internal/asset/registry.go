package asset

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/config"
)

var ErrUnknownAsset = errors.New("unknown asset")

// Entry pairs an asset with the fixed quantity dispensed per claim.
type Entry struct {
	Asset  Descriptor
	Amount *big.Int
}

// Registry resolves asset symbols for one network. It is built once at
// startup and read-only afterwards.
type Registry struct {
	defaultSymbol string
	entries       map[string]Entry
}

func NewRegistry(defaultSymbol string) *Registry {
	return &Registry{
		defaultSymbol: strings.ToUpper(defaultSymbol),
		entries:       make(map[string]Entry),
	}
}

func (r *Registry) Add(d Descriptor, amount *big.Int) error {
	key := d.Key()
	if key == "" {
		return fmt.Errorf("asset symbol is empty")
	}
	if _, dup := r.entries[key]; dup {
		return fmt.Errorf("asset %s registered twice", key)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: payout for %s must be positive", ErrInvalidAmount, key)
	}
	r.entries[key] = Entry{Asset: d, Amount: new(big.Int).Set(amount)}
	return nil
}

// Resolve looks up a symbol case-insensitively; "" selects the default asset.
func (r *Registry) Resolve(symbol string) (Entry, error) {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	if key == "" {
		key = r.defaultSymbol
	}
	e, ok := r.entries[key]
	if !ok {
		return Entry{}, fmt.Errorf("%w %q", ErrUnknownAsset, symbol)
	}
	return e, nil
}

func (r *Registry) Symbols() []string {
	out := make([]string, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// BuildRegistry registers the network's native coin (paying nativeAmount)
// and every configured token that has a payout amount.
func BuildRegistry(n config.NetworkConfig, nativeAmount, defaultSymbol string) (*Registry, error) {
	if defaultSymbol == "" {
		defaultSymbol = n.NativeSymbol
	}
	r := NewRegistry(defaultSymbol)

	amt, err := ParseAmount(nativeAmount, NativeDecimals)
	if err != nil {
		return nil, fmt.Errorf("native payout: %w", err)
	}
	if err := r.Add(Native(n.NativeSymbol), amt); err != nil {
		return nil, err
	}

	for _, a := range n.Assets {
		if a.Amount == "" {
			continue
		}
		if !common.IsHexAddress(a.Contract) {
			return nil, fmt.Errorf("asset %s: invalid contract address %q", a.Symbol, a.Contract)
		}
		tokAmt, err := ParseAmount(a.Amount, a.Decimals)
		if err != nil {
			return nil, fmt.Errorf("asset %s payout: %w", a.Symbol, err)
		}
		if err := r.Add(Token(a.Symbol, common.HexToAddress(a.Contract), a.Decimals), tokAmt); err != nil {
			return nil, err
		}
	}

	if _, ok := r.entries[r.defaultSymbol]; !ok {
		return nil, fmt.Errorf("%w: default asset %q is not dispensed", ErrUnknownAsset, defaultSymbol)
	}
	return r, nil
}
