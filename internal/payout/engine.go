package payout

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/asset"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/chain"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/claim"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/ledger"
)

// Claimant-facing reasons.
const (
	reasonInvalidAddress    = "invalid address"
	reasonUnknownNetwork    = "unknown network"
	reasonUnknownAsset      = "unknown asset"
	reasonNotEligible       = "not eligible"
	reasonAlreadyPaid       = "already paid"
	reasonInsufficientFunds = "insufficient funds"
	reasonBroadcastRejected = "transaction rejected by network"
	reasonAmbiguous         = "payout status unknown, pending reconciliation"
	reasonReverted          = "reverted"
	reasonTimeout           = "confirmation timeout"
	reasonUnavailable       = "service temporarily unavailable, try again later"
)

// ChainClient is the per-network capability set the engine drives.
// *chain.Client implements it.
type ChainClient interface {
	Address() common.Address
	GetBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	GetTokenBalance(ctx context.Context, contract, addr common.Address) (*big.Int, error)
	EstimateFee(ctx context.Context, shape asset.Shape) (chain.FeeEstimate, error)
	NextNonce(ctx context.Context) (uint64, error)
	SignTransfer(shape asset.Shape, nonce uint64, fee chain.FeeEstimate) (*chain.TxHandle, error)
	Broadcast(ctx context.Context, h *chain.TxHandle) error
	AwaitConfirmation(ctx context.Context, h *chain.TxHandle, timeout time.Duration) (chain.Outcome, *types.Receipt, error)
}

// Ledger is the reservation table. *ledger.Ledger implements it.
type Ledger interface {
	Lookup(ctx context.Context, s ledger.Slot) (ledger.Entry, error)
	TryReserve(ctx context.Context, s ledger.Slot, claimID string) (bool, error)
	Commit(ctx context.Context, s ledger.Slot, claimID, txHash string) error
	Release(ctx context.Context, s ledger.Slot, claimID string) (bool, error)
	IsKnown(ctx context.Context, addr common.Address) (bool, error)
}

// Records persists claim records. *claim.Store implements it.
type Records interface {
	Save(ctx context.Context, r *claim.Record) error
}

// Network binds a chain client to the assets dispensed on it.
type Network struct {
	Client ChainClient
	Assets *asset.Registry
}

// DefaultRPCTimeout bounds each chain call when Options.RPCTimeout is unset.
const DefaultRPCTimeout = 15 * time.Second

type Options struct {
	DefaultNetwork string
	ConfirmTimeout time.Duration
	// RPCTimeout bounds every preflight, nonce and broadcast call, so a hung
	// endpoint cannot hold a lane indefinitely.
	RPCTimeout time.Duration
	// RequireKnown restricts payouts to addresses on the allow-list.
	RequireKnown bool
}

// lane serializes nonce assignment and broadcast for one network.
type lane struct {
	client ChainClient
	assets *asset.Registry
	mu     sync.Mutex
}

// Engine turns claims into confirmed transfers, paying each (network, asset,
// address) slot at most once.
type Engine struct {
	lanes   map[string]*lane
	ledger  Ledger
	records Records
	opts    Options
	log     *zap.Logger
}

func NewEngine(networks map[string]Network, l Ledger, records Records, opts Options, log *zap.Logger) (*Engine, error) {
	if len(networks) == 0 {
		return nil, errors.New("payout engine: no networks")
	}
	if opts.ConfirmTimeout <= 0 {
		return nil, errors.New("payout engine: confirm timeout must be positive")
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = DefaultRPCTimeout
	}
	lanes := make(map[string]*lane, len(networks))
	for name, n := range networks {
		if n.Client == nil || n.Assets == nil {
			return nil, fmt.Errorf("payout engine: network %s is incomplete", name)
		}
		lanes[name] = &lane{client: n.Client, assets: n.Assets}
	}
	if opts.DefaultNetwork == "" && len(lanes) == 1 {
		for name := range lanes {
			opts.DefaultNetwork = name
		}
	}
	if _, ok := lanes[opts.DefaultNetwork]; !ok {
		return nil, fmt.Errorf("payout engine: default network %q not configured", opts.DefaultNetwork)
	}
	return &Engine{lanes: lanes, ledger: l, records: records, opts: opts, log: log}, nil
}

// Networks returns the configured network names in stable order.
func (e *Engine) Networks() []string {
	names := make([]string, 0, len(e.lanes))
	for name := range e.lanes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// target is a validated claim destination.
type target struct {
	network string
	lane    *lane
	entry   asset.Entry
	slot    ledger.Slot
}

func (e *Engine) resolve(address, assetSymbol, network string) (target, error) {
	name := strings.ToLower(strings.TrimSpace(network))
	if name == "" {
		name = e.opts.DefaultNetwork
	}
	ln, ok := e.lanes[name]
	if !ok {
		return target{}, claim.NewError(claim.KindValidation, reasonUnknownNetwork, fmt.Errorf("network %q", network))
	}
	addr, err := chain.ParseAddress(address)
	if err != nil {
		return target{}, claim.NewError(claim.KindValidation, reasonInvalidAddress, err)
	}
	entry, err := ln.assets.Resolve(assetSymbol)
	if err != nil {
		return target{}, claim.NewError(claim.KindValidation, reasonUnknownAsset, err)
	}
	return target{
		network: name,
		lane:    ln,
		entry:   entry,
		slot:    ledger.Slot{Network: name, Asset: entry.Asset.Key(), Address: addr},
	}, nil
}

// Lookup reports the ledger state of a recipient without claiming.
func (e *Engine) Lookup(ctx context.Context, address, assetSymbol, network string) (ledger.Entry, error) {
	t, err := e.resolve(address, assetSymbol, network)
	if err != nil {
		return ledger.Entry{}, err
	}
	return e.ledger.Lookup(ctx, t.slot)
}

// SubmitClaim runs one claim to a terminal result. It never returns raw
// transport errors: every failure is resolved to a claim.Kind first.
func (e *Engine) SubmitClaim(ctx context.Context, address, assetSymbol, network string) claim.Result {
	id := claim.NewID()
	txHash, err := e.process(ctx, id, address, assetSymbol, network)
	if err != nil {
		res := claim.ResultFromError(id, err)
		res.TxHash = txHash
		return res
	}
	return claim.Confirmed(id, txHash)
}

func (e *Engine) process(ctx context.Context, id, address, assetSymbol, network string) (string, error) {
	// 1. Validate.
	t, err := e.resolve(address, assetSymbol, network)
	if err != nil {
		e.log.Info("claim rejected", zap.String("claim", id), zap.String("address", address), zap.Error(err))
		return "", err
	}
	log := e.log.With(
		zap.String("claim", id),
		zap.String("network", t.network),
		zap.String("asset", t.slot.Asset),
		zap.String("address", t.slot.Address.Hex()),
	)

	if e.opts.RequireKnown {
		known, err := e.ledger.IsKnown(ctx, t.slot.Address)
		if err != nil {
			log.Error("allow-list lookup failed", zap.Error(err))
			return "", claim.NewError(claim.KindTransientRPC, reasonUnavailable, err)
		}
		if !known {
			log.Info("claim rejected: address not on allow-list")
			return "", claim.NewError(claim.KindNotEligible, reasonNotEligible, nil)
		}
	}

	// 2. Reserve.
	ok, err := e.ledger.TryReserve(ctx, t.slot, id)
	if err != nil {
		log.Error("ledger reserve failed", zap.Error(err))
		return "", claim.NewError(claim.KindTransientRPC, reasonUnavailable, err)
	}
	if !ok {
		log.Info("claim rejected: already paid or in flight")
		return "", claim.NewError(claim.KindAlreadyPaid, reasonAlreadyPaid, nil)
	}

	rec := &claim.Record{
		ID:      id,
		Network: t.network,
		Asset:   t.slot.Asset,
		Address: strings.ToLower(t.slot.Address.Hex()),
		Amount:  t.entry.Amount.String(),
		Status:  claim.StatusPending,
	}
	if err := e.records.Save(ctx, rec); err != nil {
		log.Error("save claim record failed", zap.Error(err))
		e.release(ctx, t, id, log)
		return "", claim.NewError(claim.KindTransientRPC, reasonUnavailable, err)
	}

	// 3. Preflight solvency.
	shape, fee, err := e.preflight(ctx, t)
	if err != nil {
		log.Info("preflight failed", zap.Error(err))
		e.release(ctx, t, id, log)
		e.finish(ctx, rec, claim.StatusFailed, err, log)
		return "", err
	}

	// 4 + 5. Nonce, write-ahead of the signed tx, broadcast; serialized per network.
	h, err := e.broadcast(ctx, t.lane, shape, fee, rec)
	if err != nil {
		if chain.IsRejected(err) {
			log.Warn("broadcast rejected", zap.Error(err))
			e.release(ctx, t, id, log)
			cerr := claim.NewError(claim.KindBroadcast, reasonBroadcastRejected, err)
			if chain.IsInsufficientFunds(err) {
				cerr = claim.NewError(claim.KindInsufficientFunds, reasonInsufficientFunds, err)
			}
			e.finish(ctx, rec, claim.StatusFailed, cerr, log)
			return "", cerr
		}
		var be *chain.BroadcastError
		if errors.As(err, &be) {
			// The tx may be in a mempool: keep the slot reserved.
			log.Error("broadcast outcome unknown", zap.String("tx", rec.TxHash), zap.Error(err))
			cerr := claim.NewError(claim.KindAmbiguous, reasonAmbiguous, err)
			e.finish(ctx, rec, claim.StatusUnresolved, cerr, log)
			return rec.TxHash, cerr
		}
		// Nothing was sent (nonce lookup, signing or write-ahead failed).
		log.Error("broadcast not attempted", zap.Error(err))
		e.release(ctx, t, id, log)
		cerr := claim.NewError(claim.KindTransientRPC, reasonUnavailable, err)
		e.finish(ctx, rec, claim.StatusFailed, cerr, log)
		return "", cerr
	}
	log = log.With(zap.String("tx", rec.TxHash), zap.Uint64("nonce", rec.Nonce))

	// 6 + 7. Confirmation.
	outcome, _, err := t.lane.client.AwaitConfirmation(ctx, h, e.opts.ConfirmTimeout)
	if err != nil {
		log.Error("confirmation wait failed", zap.Error(err))
		cerr := claim.NewError(claim.KindConfirmationTimeout, reasonTimeout, err)
		e.finish(ctx, rec, claim.StatusUnresolved, cerr, log)
		return rec.TxHash, cerr
	}

	switch outcome {
	case chain.OutcomeConfirmed:
		if err := e.ledger.Commit(context.WithoutCancel(ctx), t.slot, id, rec.TxHash); err != nil {
			// Paid on chain but not recorded; the reservation still blocks
			// repeats and reconciliation will commit it.
			log.Error("ledger commit failed after confirmation", zap.Error(err))
			cerr := claim.NewError(claim.KindAmbiguous, reasonAmbiguous, err)
			e.finish(ctx, rec, claim.StatusUnresolved, cerr, log)
			return rec.TxHash, cerr
		}
		e.finish(ctx, rec, claim.StatusConfirmed, nil, log)
		log.Info("payout confirmed", zap.String("amount", rec.Amount))
		return rec.TxHash, nil

	case chain.OutcomeReverted:
		log.Warn("payout reverted")
		e.release(ctx, t, id, log)
		cerr := claim.NewError(claim.KindRevert, reasonReverted, nil)
		e.finish(ctx, rec, claim.StatusFailed, cerr, log)
		return rec.TxHash, cerr

	default:
		log.Warn("confirmation timed out, reservation kept", zap.Duration("timeout", e.opts.ConfirmTimeout))
		cerr := claim.NewError(claim.KindConfirmationTimeout, reasonTimeout, nil)
		e.finish(ctx, rec, claim.StatusUnresolved, cerr, log)
		return rec.TxHash, cerr
	}
}

// preflight builds the transfer and checks the wallet can afford it: native
// payouts need amount + fee; token payouts need the token amount plus the
// fee in native coin.
func (e *Engine) preflight(ctx context.Context, t target) (asset.Shape, chain.FeeEstimate, error) {
	client := t.lane.client
	from := client.Address()

	shape, err := t.entry.Asset.Transfer(t.slot.Address, t.entry.Amount)
	if err != nil {
		return asset.Shape{}, chain.FeeEstimate{}, claim.NewError(claim.KindValidation, reasonUnknownAsset, err)
	}

	if !t.entry.Asset.IsNative() {
		tokBal, err := withTimeout(ctx, e.opts.RPCTimeout, func(ctx context.Context) (*big.Int, error) {
			return client.GetTokenBalance(ctx, *t.entry.Asset.Contract, from)
		})
		if err != nil {
			return shape, chain.FeeEstimate{}, rpcError(err)
		}
		if tokBal.Cmp(t.entry.Amount) < 0 {
			return shape, chain.FeeEstimate{}, claim.NewError(claim.KindInsufficientFunds, reasonInsufficientFunds,
				fmt.Errorf("token balance %s < payout %s", tokBal, t.entry.Amount))
		}
	}

	bal, err := withTimeout(ctx, e.opts.RPCTimeout, func(ctx context.Context) (*big.Int, error) {
		return client.GetBalance(ctx, from)
	})
	if err != nil {
		return shape, chain.FeeEstimate{}, rpcError(err)
	}
	fee, err := withTimeout(ctx, e.opts.RPCTimeout, func(ctx context.Context) (chain.FeeEstimate, error) {
		return client.EstimateFee(ctx, shape)
	})
	if err != nil {
		return shape, chain.FeeEstimate{}, rpcError(err)
	}

	need := fee.MaxCost()
	if t.entry.Asset.IsNative() {
		need.Add(need, t.entry.Amount)
	}
	if bal.Cmp(need) < 0 {
		return shape, fee, claim.NewError(claim.KindInsufficientFunds, reasonInsufficientFunds,
			fmt.Errorf("native balance %s < required %s", bal, need))
	}
	return shape, fee, nil
}

// broadcast holds the lane lock from nonce assignment until the node has
// accepted or definitively refused the transaction, so nonce N is always
// resolved before nonce N+1 is handed out. The signed hash and nonce are
// saved on rec before anything is sent: a record without a hash was never
// broadcast by this engine.
func (e *Engine) broadcast(ctx context.Context, ln *lane, shape asset.Shape, fee chain.FeeEstimate, rec *claim.Record) (*chain.TxHandle, error) {
	ln.mu.Lock()
	defer ln.mu.Unlock()

	nonce, err := withTimeout(ctx, e.opts.RPCTimeout, ln.client.NextNonce)
	if err != nil {
		return nil, fmt.Errorf("next nonce: %w", err)
	}
	h, err := ln.client.SignTransfer(shape, nonce, fee)
	if err != nil {
		return nil, err
	}

	rec.Nonce = h.Nonce
	rec.TxHash = h.Hash.Hex()
	if err := e.records.Save(ctx, rec); err != nil {
		rec.Nonce, rec.TxHash = 0, ""
		return nil, fmt.Errorf("persist signed tx: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.opts.RPCTimeout)
	defer cancel()
	return h, ln.client.Broadcast(sendCtx, h)
}

// withTimeout runs one chain call under its own deadline.
func withTimeout[T any](ctx context.Context, d time.Duration, call func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return call(ctx)
}

func rpcError(err error) error {
	if chain.IsInsufficientFunds(err) {
		return claim.NewError(claim.KindInsufficientFunds, reasonInsufficientFunds, err)
	}
	return claim.NewError(claim.KindTransientRPC, reasonUnavailable, err)
}

func (e *Engine) release(ctx context.Context, t target, id string, log *zap.Logger) {
	if _, err := e.ledger.Release(context.WithoutCancel(ctx), t.slot, id); err != nil {
		log.Error("ledger release failed", zap.Error(err))
	}
}

func (e *Engine) finish(ctx context.Context, rec *claim.Record, status claim.Status, cause error, log *zap.Logger) {
	rec.Status = status
	rec.Reason = ""
	var ce *claim.Error
	if errors.As(cause, &ce) {
		rec.Reason = ce.Kind.String()
	}
	if err := e.records.Save(context.WithoutCancel(ctx), rec); err != nil {
		log.Warn("save claim record failed", zap.String("status", string(status)), zap.Error(err))
	}
}
