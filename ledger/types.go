package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// TokenMetadata mirrors the read-only surface of a deployed points token.
type TokenMetadata struct {
	Name        string
	Symbol      string
	Decimals    uint8
	Owner       common.Address
	TotalSupply *big.Int
}

// ContractBinding joins a business identity to its deployed points contract.
// It is the single consistency point between the off-chain record store and
// the on-chain ledger.
type ContractBinding struct {
	BusinessID string         `json:"businessId"`
	Contract   common.Address `json:"contract"`
	Owner      common.Address `json:"owner"`
	Name       string         `json:"name"`
	Symbol     string         `json:"symbol"`
	Decimals   uint8          `json:"decimals"`
}

// Equal reports whether two bindings describe the same deployment. Used by the
// registry's compare-and-swap bind so retry-safe recovery flows no-op instead
// of failing.
func (b ContractBinding) Equal(other ContractBinding) bool {
	return b.BusinessID == other.BusinessID &&
		b.Contract == other.Contract &&
		b.Owner == other.Owner
}

// SubmissionState describes the fate of a previously submitted transaction.
type SubmissionState string

const (
	SubmissionPending   SubmissionState = "pending"
	SubmissionConfirmed SubmissionState = "confirmed"
	SubmissionFailed    SubmissionState = "failed"
)

// ParseAddress validates and normalises a caller-supplied hex address.
func ParseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return common.HexToAddress(trimmed), nil
}
