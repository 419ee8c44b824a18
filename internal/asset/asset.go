package asset

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// NativeDecimals is the precision of every EVM native coin.
const NativeDecimals = 18

var ErrInvalidAmount = errors.New("invalid amount")

// Descriptor identifies what a claim pays out. Contract is nil for the
// network's native coin.
type Descriptor struct {
	Symbol   string
	Contract *common.Address
	Decimals uint8
}

func Native(symbol string) Descriptor {
	return Descriptor{Symbol: strings.ToUpper(symbol), Decimals: NativeDecimals}
}

func Token(symbol string, contract common.Address, decimals uint8) Descriptor {
	c := contract
	return Descriptor{Symbol: strings.ToUpper(symbol), Contract: &c, Decimals: decimals}
}

func (d Descriptor) IsNative() bool { return d.Contract == nil }

// Key is the stable identifier used in ledger and record keys.
func (d Descriptor) Key() string { return strings.ToUpper(d.Symbol) }

func (d Descriptor) String() string {
	if d.IsNative() {
		return d.Key()
	}
	return d.Key() + "@" + d.Contract.Hex()
}

// Shape is the transaction body for a transfer: who the tx is addressed to,
// how much native value it carries, and its call data.
type Shape struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

// Transfer builds the transfer shape for sending amount base units to `to`.
// Native: {to, amount, nil}. Token: {contract, 0, transfer(to, amount)}.
func (d Descriptor) Transfer(to common.Address, amount *big.Int) (Shape, error) {
	if amount == nil || amount.Sign() <= 0 {
		return Shape{}, fmt.Errorf("%w: transfer amount must be positive", ErrInvalidAmount)
	}
	if d.IsNative() {
		return Shape{To: to, Value: new(big.Int).Set(amount)}, nil
	}
	data, err := ERC20ABI.Pack("transfer", to, amount)
	if err != nil {
		return Shape{}, fmt.Errorf("pack transfer: %w", err)
	}
	return Shape{To: *d.Contract, Value: new(big.Int), Data: data}, nil
}

// ParseAmount converts a whole-unit decimal string ("0.00001") into base
// units for the given precision. Zero, negative and over-precise values are
// rejected.
func ParseAmount(s string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidAmount, s, err)
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("%w %q: must be positive", ErrInvalidAmount, s)
	}
	scaled := d.Mul(decimal.New(1, int32(decimals)))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w %q: more than %d decimal places", ErrInvalidAmount, s, decimals)
	}
	return scaled.BigInt(), nil
}

// FormatAmount renders base units as a whole-unit decimal string.
func FormatAmount(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).String()
}
