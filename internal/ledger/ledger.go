package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// Redis key templates
const (
	SlotKeyFmt  = "ledger:%s:%s:%s" // %s = network, ASSET, lowercase address
	KnownSetKey = "recipients:known"

	reservedPrefix = "reserved:"
	paidPrefix     = "paid:"
)

// ErrNotReserved is returned by Commit when the slot is not held by the
// committing claim.
var ErrNotReserved = errors.New("ledger slot not reserved by this claim")

// commitScript promotes reserved:<claim> to paid:<tx>. Re-committing the same
// tx is a no-op success.
var commitScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2])
  return 1
end
if v == ARGV[2] then
  return 1
end
return 0
`)

// releaseScript deletes the slot only while it still holds this claim's
// reservation. Paid entries are never removed.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Slot is one (network, asset, address) payout slot.
type Slot struct {
	Network string
	Asset   string
	Address common.Address
}

func (s Slot) Key() string {
	return fmt.Sprintf(SlotKeyFmt, s.Network, strings.ToUpper(s.Asset), strings.ToLower(s.Address.Hex()))
}

// State of a slot.
type State uint8

const (
	StateFree State = iota
	StateReserved
	StatePaid
)

func (s State) String() string {
	switch s {
	case StateReserved:
		return "reserved"
	case StatePaid:
		return "paid"
	default:
		return "free"
	}
}

// Entry is the decoded slot value.
type Entry struct {
	State   State
	ClaimID string // set when reserved
	TxHash  string // set when paid
}

// Ledger is the durable record of paid and in-flight recipients. Every write
// is a single atomic Redis command or script, so concurrent claims from any
// number of processes sharing the Redis see one consistent slot.
type Ledger struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Ledger {
	return &Ledger{rdb: rdb}
}

// Lookup reads the current slot state.
func (l *Ledger) Lookup(ctx context.Context, s Slot) (Entry, error) {
	v, err := l.rdb.Get(ctx, s.Key()).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{State: StateFree}, nil
	}
	if err != nil {
		return Entry{}, fmt.Errorf("ledger get %s: %w", s.Key(), err)
	}
	switch {
	case strings.HasPrefix(v, paidPrefix):
		return Entry{State: StatePaid, TxHash: strings.TrimPrefix(v, paidPrefix)}, nil
	case strings.HasPrefix(v, reservedPrefix):
		return Entry{State: StateReserved, ClaimID: strings.TrimPrefix(v, reservedPrefix)}, nil
	default:
		return Entry{}, fmt.Errorf("ledger %s: malformed value %q", s.Key(), v)
	}
}

// Contains reports whether the slot is paid or reserved.
func (l *Ledger) Contains(ctx context.Context, s Slot) (bool, error) {
	e, err := l.Lookup(ctx, s)
	if err != nil {
		return false, err
	}
	return e.State != StateFree, nil
}

// IsPaid reports whether the slot holds a committed payout.
func (l *Ledger) IsPaid(ctx context.Context, s Slot) (bool, error) {
	e, err := l.Lookup(ctx, s)
	if err != nil {
		return false, err
	}
	return e.State == StatePaid, nil
}

// TryReserve claims a free slot for claimID. False means the slot is already
// reserved or paid.
func (l *Ledger) TryReserve(ctx context.Context, s Slot, claimID string) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, s.Key(), reservedPrefix+claimID, 0).Result()
	if err != nil {
		return false, fmt.Errorf("ledger reserve %s: %w", s.Key(), err)
	}
	return ok, nil
}

// Commit marks the slot paid by txHash. It returns only after Redis has
// acknowledged the write.
func (l *Ledger) Commit(ctx context.Context, s Slot, claimID, txHash string) error {
	n, err := commitScript.Run(ctx, l.rdb, []string{s.Key()}, reservedPrefix+claimID, paidPrefix+txHash).Int()
	if err != nil {
		return fmt.Errorf("ledger commit %s: %w", s.Key(), err)
	}
	if n == 0 {
		return fmt.Errorf("ledger commit %s: %w", s.Key(), ErrNotReserved)
	}
	return nil
}

// Release frees a reservation held by claimID. It reports false when there
// was nothing of this claim's to release.
func (l *Ledger) Release(ctx context.Context, s Slot, claimID string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.rdb, []string{s.Key()}, reservedPrefix+claimID).Int()
	if err != nil {
		return false, fmt.Errorf("ledger release %s: %w", s.Key(), err)
	}
	return n == 1, nil
}

// Import marks a free slot paid without a claim, for payouts made before
// the ledger existed. It reports false when the slot is already occupied.
func (l *Ledger) Import(ctx context.Context, s Slot, txHash string) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, s.Key(), paidPrefix+txHash, 0).Result()
	if err != nil {
		return false, fmt.Errorf("ledger import %s: %w", s.Key(), err)
	}
	return ok, nil
}

// AddKnown adds addresses to the claim allow-list.
func (l *Ledger) AddKnown(ctx context.Context, addrs ...common.Address) error {
	if len(addrs) == 0 {
		return nil
	}
	members := make([]interface{}, len(addrs))
	for i, a := range addrs {
		members[i] = strings.ToLower(a.Hex())
	}
	return l.rdb.SAdd(ctx, KnownSetKey, members...).Err()
}

// IsKnown reports whether addr is on the allow-list.
func (l *Ledger) IsKnown(ctx context.Context, addr common.Address) (bool, error) {
	ok, err := l.rdb.SIsMember(ctx, KnownSetKey, strings.ToLower(addr.Hex())).Result()
	if err != nil {
		return false, fmt.Errorf("allow-list lookup: %w", err)
	}
	return ok, nil
}
