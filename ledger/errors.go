package ledger

import "errors"

var (
	ErrDeploymentFailed    = errors.New("ledger: deployment event missing from confirmation")
	ErrSubmissionRejected  = errors.New("ledger: submission rejected")
	ErrNotOwner            = errors.New("ledger: signing identity is not the contract owner")
	ErrInvalidAddress      = errors.New("ledger: invalid address")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrInsufficientBalance = errors.New("ledger: insufficient on-chain balance")
	ErrLedgerUnreachable   = errors.New("ledger: node unreachable")
	ErrContractNotFound    = errors.New("ledger: no contract code at address")
	ErrConfirmationPending = errors.New("ledger: confirmation still pending")
	ErrOwnershipMismatch   = errors.New("ledger: deployed contract owner mismatch")
	ErrBindingNotFound     = errors.New("ledger: factory has no token for business")
	ErrReverted            = errors.New("ledger: execution reverted")
	ErrHolderIsIssuer      = errors.New("ledger: holder signing identity must differ from the issuing identity")
)

// IsRetryable reports whether the failure is transient: the caller may retry
// the operation (or poll a pending confirmation) without risking a conflicting
// double submission through this client.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLedgerUnreachable) ||
		errors.Is(err, ErrSubmissionRejected) ||
		errors.Is(err, ErrConfirmationPending)
}
