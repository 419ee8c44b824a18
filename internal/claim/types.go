package claim

import (
	"crypto/rand"
	"encoding/hex"
)

// Status is the persisted lifecycle state of a claim record.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
	// StatusUnresolved marks a claim whose transaction may still land
	// (confirmation timeout or ambiguous broadcast). Its ledger slot stays
	// reserved until reconciliation decides.
	StatusUnresolved Status = "UNRESOLVED"
)

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Record is the durable trace of one claim.
type Record struct {
	ID        string
	Network   string
	Asset     string
	Address   string // lowercase hex
	Amount    string // base units, decimal
	Nonce     uint64
	TxHash    string // empty until broadcast
	Status    Status
	Reason    string
	CreatedAt int64
	UpdatedAt int64
}

// Redis key templates
const (
	RecordKeyFmt  = "claim:%s" // %s = claim id
	PendingSetKey = "claims:pending"
)

// NewID returns a random 128-bit claim id.
func NewID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("claim: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}
