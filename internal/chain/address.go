package chain

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrBadChecksum    = errors.New("address checksum mismatch")
)

// ParseAddress validates a user-supplied EVM address. All-lowercase and
// all-uppercase hex is accepted as-is; mixed case must be a valid EIP-55
// checksum. The zero address is never a valid recipient.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, ErrInvalidAddress
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, ErrInvalidAddress
	}

	body := s
	if len(body) >= 2 && (body[:2] == "0x" || body[:2] == "0X") {
		body = body[2:]
	}
	mixed := body != strings.ToLower(body) && body != strings.ToUpper(body)
	if mixed && addr.Hex()[2:] != body {
		return common.Address{}, ErrBadChecksum
	}
	return addr, nil
}
