package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/chain"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/claim"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/ledger"
)

// Reasons written to reconciled records.
const (
	ReasonReverted  = "reverted"
	ReasonDropped   = "dropped"
	ReasonAbandoned = "abandoned"
)

// ChainReader is what reconciliation needs from a network. *chain.Client
// implements it.
type ChainReader interface {
	ConfirmedNonce(ctx context.Context) (uint64, error)
	ReceiptStatus(ctx context.Context, hash common.Hash) (chain.Outcome, *types.Receipt, error)
}

type Ledger interface {
	Lookup(ctx context.Context, s ledger.Slot) (ledger.Entry, error)
	Commit(ctx context.Context, s ledger.Slot, claimID, txHash string) error
	Release(ctx context.Context, s ledger.Slot, claimID string) (bool, error)
}

type Records interface {
	ListPending(ctx context.Context) ([]claim.Record, error)
	Save(ctx context.Context, r *claim.Record) error
}

// Summary counts what one pass did. Unsent records have no signed tx on
// file and are left for an operator unless ReleaseUnsent is enabled.
type Summary struct {
	Confirmed int
	Released  int
	Left      int
	Skipped   int
	Unsent    int
}

// Reconciler resolves claims whose on-chain fate the engine could not
// observe: confirmation timeouts, ambiguous broadcasts and claims orphaned
// by a crash.
type Reconciler struct {
	chains  map[string]ChainReader
	ledger  Ledger
	records Records
	grace   time.Duration
	log     *zap.Logger
	now     func() time.Time

	releaseUnsent bool
}

// New builds a reconciler. grace is how long a PENDING record is assumed to
// still be owned by a live engine before it is treated as orphaned.
func New(chains map[string]ChainReader, l Ledger, records Records, grace time.Duration, log *zap.Logger) *Reconciler {
	return &Reconciler{
		chains:  chains,
		ledger:  l,
		records: records,
		grace:   grace,
		log:     log,
		now:     time.Now,
	}
}

// ReleaseUnsent makes Pass free the slots of orphaned records that carry no
// tx hash. The engine saves the signed hash before broadcasting, so such a
// record was never sent unless that write was lost; turning this on is an
// operator decision.
func (r *Reconciler) ReleaseUnsent(on bool) {
	r.releaseUnsent = on
}

// Run repeats Pass every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	r.log.Info("reconciler started", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.Pass(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("reconcile pass", zap.Error(err))
			}
		}
	}
}

// Pass makes one sweep over the pending claim index.
func (r *Reconciler) Pass(ctx context.Context) (Summary, error) {
	var sum Summary
	records, err := r.records.ListPending(ctx)
	if err != nil {
		return sum, fmt.Errorf("list pending: %w", err)
	}

	for i := range records {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		rec := &records[i]
		log := r.log.With(
			zap.String("claim", rec.ID),
			zap.String("network", rec.Network),
			zap.String("asset", rec.Asset),
			zap.String("address", rec.Address),
			zap.String("tx", rec.TxHash),
		)

		// A young PENDING record belongs to an engine that is still working on it.
		age := r.now().Sub(time.Unix(rec.UpdatedAt, 0))
		if rec.Status == claim.StatusPending && age < r.grace {
			sum.Left++
			continue
		}

		rc, ok := r.chains[rec.Network]
		if !ok {
			log.Warn("reconcile: network not configured, skipping")
			sum.Skipped++
			continue
		}

		if rec.TxHash == "" && !r.releaseUnsent {
			log.Warn("reconcile: orphaned claim has no tx hash, leaving for manual review")
			sum.Unsent++
			continue
		}

		switch r.resolve(ctx, rc, rec, log) {
		case claim.StatusConfirmed:
			sum.Confirmed++
		case claim.StatusFailed:
			sum.Released++
		default:
			sum.Left++
		}
	}

	r.log.Info("reconcile pass done",
		zap.Int("confirmed", sum.Confirmed),
		zap.Int("released", sum.Released),
		zap.Int("left", sum.Left),
		zap.Int("skipped", sum.Skipped),
		zap.Int("unsent", sum.Unsent),
	)
	return sum, nil
}

// resolve settles one record and returns its resulting status.
func (r *Reconciler) resolve(ctx context.Context, rc ChainReader, rec *claim.Record, log *zap.Logger) claim.Status {
	slot := ledger.Slot{Network: rec.Network, Asset: rec.Asset, Address: common.HexToAddress(rec.Address)}

	// No signed tx on file, and the operator asked to free these.
	if rec.TxHash == "" {
		return r.release(ctx, slot, rec, ReasonAbandoned, log)
	}

	// Read the mined nonce before the receipt: if our nonce is used and there
	// is still no receipt, another transaction took the slot.
	mined, err := rc.ConfirmedNonce(ctx)
	if err != nil {
		log.Warn("reconcile: nonce lookup failed", zap.Error(err))
		return rec.Status
	}
	outcome, _, err := rc.ReceiptStatus(ctx, common.HexToHash(rec.TxHash))
	if err != nil {
		log.Warn("reconcile: receipt lookup failed", zap.Error(err))
		return rec.Status
	}

	switch outcome {
	case chain.OutcomeConfirmed:
		if err := r.ledger.Commit(ctx, slot, rec.ID, rec.TxHash); err != nil {
			if !errors.Is(err, ledger.ErrNotReserved) {
				log.Error("reconcile: ledger commit", zap.Error(err))
				return rec.Status
			}
			// The slot moved on without us; only accept if it records our tx.
			e, lerr := r.ledger.Lookup(ctx, slot)
			if lerr != nil || e.State != ledger.StatePaid || e.TxHash != rec.TxHash {
				log.Error("reconcile: confirmed tx but ledger slot held elsewhere",
					zap.String("slot_state", e.State.String()),
					zap.String("slot_tx", e.TxHash),
				)
				return rec.Status
			}
		}
		r.save(ctx, rec, claim.StatusConfirmed, "", log)
		log.Info("reconcile: payout confirmed")
		return claim.StatusConfirmed

	case chain.OutcomeReverted:
		return r.release(ctx, slot, rec, ReasonReverted, log)

	default:
		if mined > rec.Nonce {
			return r.release(ctx, slot, rec, ReasonDropped, log)
		}
		log.Debug("reconcile: still pending", zap.Uint64("nonce", rec.Nonce), zap.Uint64("mined_nonce", mined))
		return rec.Status
	}
}

func (r *Reconciler) release(ctx context.Context, slot ledger.Slot, rec *claim.Record, reason string, log *zap.Logger) claim.Status {
	if _, err := r.ledger.Release(ctx, slot, rec.ID); err != nil {
		log.Error("reconcile: ledger release", zap.Error(err))
		return rec.Status
	}
	r.save(ctx, rec, claim.StatusFailed, reason, log)
	log.Info("reconcile: reservation released", zap.String("reason", reason))
	return claim.StatusFailed
}

func (r *Reconciler) save(ctx context.Context, rec *claim.Record, status claim.Status, reason string, log *zap.Logger) {
	rec.Status = status
	rec.Reason = reason
	if err := r.records.Save(ctx, rec); err != nil {
		log.Error("reconcile: save record", zap.Error(err))
	}
}
