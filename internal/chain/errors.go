package chain

import (
	"errors"
	"fmt"
	"strings"
)

// BroadcastError reports a failed SendTransaction. Rejected is true only when
// the node definitively refused the transaction (txpool validation), i.e. it
// never entered the mempool and its nonce is still free. Anything else
// (transport errors, timeouts, unrecognised replies) is ambiguous: the
// transaction may have been accepted.
type BroadcastError struct {
	Rejected bool
	Err      error
}

func (e *BroadcastError) Error() string {
	if e.Rejected {
		return fmt.Sprintf("broadcast rejected: %v", e.Err)
	}
	return fmt.Sprintf("broadcast outcome unknown: %v", e.Err)
}

func (e *BroadcastError) Unwrap() error { return e.Err }

// Txpool validation messages returned by geth-compatible nodes (including
// Arbitrum Nitro) when a transaction is refused before admission.
var rejectionMarkers = []string{
	"nonce too low",
	"nonce too high",
	"replacement transaction underpriced",
	"transaction underpriced",
	"insufficient funds",
	"intrinsic gas too low",
	"exceeds block gas limit",
	"gas limit reached",
	"max fee per gas less than block base fee",
	"fee cap less than block base fee",
	"max priority fee per gas higher than max fee per gas",
	"tip higher than fee cap",
	"invalid sender",
	"oversized data",
	"txpool is full",
	"exceeds the configured cap",
	"only replay-protected",
	"invalid chain id",
}

// nonceMarkers mean the local nonce view is stale and must be re-read.
var nonceMarkers = []string{
	"nonce too low",
	"nonce too high",
	"replacement transaction underpriced",
}

// acceptedMarkers mean the node already holds this exact transaction.
var acceptedMarkers = []string{
	"already known",
	"known transaction",
}

func containsAny(msg string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// classifySend maps a SendTransaction error to nil (already accepted) or a
// *BroadcastError.
func classifySend(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if containsAny(msg, acceptedMarkers) {
		return nil
	}
	return &BroadcastError{Rejected: containsAny(msg, rejectionMarkers), Err: err}
}

func isNonceConflict(err error) bool {
	return err != nil && containsAny(strings.ToLower(err.Error()), nonceMarkers)
}

// IsRejected reports whether err is a definitive broadcast rejection.
func IsRejected(err error) bool {
	var be *BroadcastError
	return errors.As(err, &be) && be.Rejected
}

// IsInsufficientFunds reports whether a node error is a balance shortfall,
// from either gas estimation or broadcast.
func IsInsufficientFunds(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "insufficient funds") || strings.Contains(msg, "insufficient balance")
}
