package claim

import (
	"errors"
	"fmt"
)

// Kind classifies why a claim did not confirm.
type Kind uint8

const (
	KindNone Kind = iota
	KindValidation
	KindAlreadyPaid
	KindNotEligible
	KindInsufficientFunds
	KindBroadcast
	KindAmbiguous
	KindRevert
	KindConfirmationTimeout
	KindTransientRPC
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAlreadyPaid:
		return "already_paid"
	case KindNotEligible:
		return "not_eligible"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindBroadcast:
		return "broadcast"
	case KindAmbiguous:
		return "ambiguous"
	case KindRevert:
		return "reverted"
	case KindConfirmationTimeout:
		return "confirmation_timeout"
	case KindTransientRPC:
		return "transient_rpc"
	default:
		return "none"
	}
}

// Rejected reports whether the kind is a refusal made before any state change.
func (k Kind) Rejected() bool {
	return k == KindValidation || k == KindAlreadyPaid || k == KindNotEligible
}

// Error is the engine's resolved failure. Reason is safe to show to the
// claimant; Err keeps the underlying cause for logs.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf extracts the Kind from err, or KindNone.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindNone
}

// ResultStatus is what the claim source sees.
type ResultStatus string

const (
	ResultConfirmed ResultStatus = "confirmed"
	ResultRejected  ResultStatus = "rejected"
	ResultFailed    ResultStatus = "failed"
)

// Result is the outcome handed back to the claim source. It never carries a
// raw transport error.
type Result struct {
	ClaimID string       `json:"claim_id,omitempty"`
	Status  ResultStatus `json:"status"`
	Kind    string       `json:"kind,omitempty"`
	TxHash  string       `json:"tx_hash,omitempty"`
	Message string       `json:"message"`
}

// Confirmed builds the success result.
func Confirmed(id, txHash string) Result {
	return Result{ClaimID: id, Status: ResultConfirmed, TxHash: txHash, Message: "payout confirmed"}
}

// ResultFromError resolves err into a claimant-facing result. Errors that are
// not *Error are reported as a generic failure.
func ResultFromError(id string, err error) Result {
	var ce *Error
	if !errors.As(err, &ce) {
		return Result{ClaimID: id, Status: ResultFailed, Message: "claim failed"}
	}
	status := ResultFailed
	if ce.Kind.Rejected() {
		status = ResultRejected
	}
	return Result{ClaimID: id, Status: status, Kind: ce.Kind.String(), Message: ce.Reason}
}
