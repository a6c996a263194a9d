package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"loyaltyhub/audit"
	"loyaltyhub/crypto"
	"loyaltyhub/ledger"
	"loyaltyhub/observability"
	"loyaltyhub/registry"
)

var (
	ErrUnknownBusiness = errors.New("coordinator: unknown business")
	ErrForbidden       = errors.New("coordinator: requester may not act for this business")
	// ErrAuditWriteFailed marks a partial success: the on-chain operation
	// confirmed but the audit append did not. Callers must not treat it as a
	// total failure.
	ErrAuditWriteFailed = errors.New("coordinator: operation confirmed but audit write failed")
)

// BindingSource is the business-registry surface the coordinator reads from
// and heals through.
type BindingSource interface {
	Get(businessID string) (registry.BusinessRecord, error)
	BindContract(businessID string, binding ledger.ContractBinding) error
}

// ChainLookup is the factory's on-chain registry view, the fallback for lost
// off-chain bindings.
type ChainLookup interface {
	LookupBusiness(ctx context.Context, businessID string) (ledger.ContractBinding, error)
}

// PointsLedger is the ledger-client surface for points operations.
type PointsLedger interface {
	IssuePoints(ctx context.Context, token, recipient common.Address, amount string) (common.Hash, error)
	RedeemPoints(ctx context.Context, token common.Address, holder *crypto.PrivateKey, amount string) (common.Hash, error)
	Balance(ctx context.Context, token, holder common.Address) (string, error)
}

// AuditLog appends confirmed operations to the transaction trail.
type AuditLog interface {
	Record(ctx context.Context, entry audit.TransactionRecord) (audit.TransactionRecord, error)
}

// Coordinator mediates every points operation between the off-chain
// authorization layer and the on-chain ledger. It performs no silent retries:
// transient failures propagate with their retryable classification intact so
// upstream callers decide whether to resubmit.
type Coordinator struct {
	registry BindingSource
	chain    ChainLookup
	ledger   PointsLedger
	audit    AuditLog
	logger   *slog.Logger
	metrics  *observability.CoordinatorMetrics
	nowFn    func() time.Time
}

func New(reg BindingSource, chain ChainLookup, points PointsLedger, auditLog AuditLog, logger *slog.Logger) *Coordinator {
	if reg == nil || chain == nil || points == nil || auditLog == nil {
		panic("coordinator dependencies required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		registry: reg,
		chain:    chain,
		ledger:   points,
		audit:    auditLog,
		logger:   logger,
		metrics:  observability.Coordinator(),
		nowFn:    time.Now,
	}
}

// ResolveBinding returns the business's contract binding, falling back to the
// factory's on-chain registry when the off-chain record is stale or missing
// and writing the recovered binding back (self-healing cache).
func (c *Coordinator) ResolveBinding(ctx context.Context, businessID string) (ledger.ContractBinding, error) {
	record, err := c.registry.Get(businessID)
	if err == nil && record.Binding != nil {
		return *record.Binding, nil
	}
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return ledger.ContractBinding{}, err
	}

	binding, lookupErr := c.chain.LookupBusiness(ctx, businessID)
	if lookupErr != nil {
		if errors.Is(lookupErr, ledger.ErrBindingNotFound) {
			return ledger.ContractBinding{}, fmt.Errorf("%w: %s", ErrUnknownBusiness, businessID)
		}
		return ledger.ContractBinding{}, lookupErr
	}
	if bindErr := c.registry.BindContract(businessID, binding); bindErr != nil {
		// The chain remains authoritative; serve the recovered binding and
		// leave the record for the next resolution to heal.
		c.logger.Warn("binding write-back failed",
			"business", businessID, "contract", binding.Contract.Hex(), "err", bindErr)
	} else {
		c.logger.Info("recovered binding from factory registry",
			"business", businessID, "contract", binding.Contract.Hex())
	}
	return binding, nil
}

// Issue mints points for the business's ledger. Only the business itself may
// issue; the audit entry is written strictly after confirmation, so a failed
// issue never leaves a speculative record.
func (c *Coordinator) Issue(ctx context.Context, businessID, recipient, amount, requester string) (audit.TransactionRecord, error) {
	started := c.nowFn()
	entry, err := c.issue(ctx, businessID, recipient, amount, requester)
	c.metrics.Observe("issue", outcome(err), c.nowFn().Sub(started))
	return entry, err
}

func (c *Coordinator) issue(ctx context.Context, businessID, recipient, amount, requester string) (audit.TransactionRecord, error) {
	if requester != businessID {
		return audit.TransactionRecord{}, fmt.Errorf("%w: %q issuing for %q", ErrForbidden, requester, businessID)
	}
	to, err := ledger.ParseAddress(recipient)
	if err != nil {
		return audit.TransactionRecord{}, err
	}
	binding, err := c.ResolveBinding(ctx, businessID)
	if err != nil {
		return audit.TransactionRecord{}, err
	}
	hash, err := c.ledger.IssuePoints(ctx, binding.Contract, to, amount)
	if err != nil {
		return audit.TransactionRecord{}, fmt.Errorf("issue for %s: %w", businessID, err)
	}
	entry, err := c.audit.Record(ctx, audit.TransactionRecord{
		Kind:         audit.KindIssue,
		BusinessID:   businessID,
		Counterparty: to.Hex(),
		Amount:       amount,
		TokenSymbol:  binding.Symbol,
		Confirmation: hash.Hex(),
	})
	if err != nil {
		return audit.TransactionRecord{}, fmt.Errorf("%w: tx %s: %v", ErrAuditWriteFailed, hash.Hex(), err)
	}
	c.logger.Info("points issued",
		"business", businessID, "recipient", to.Hex(), "amount", amount, "tx", hash.Hex())
	return entry, nil
}

// Redeem burns points from the holder's balance using the holder's own
// signing identity.
func (c *Coordinator) Redeem(ctx context.Context, businessID, holderID string, holderKey *crypto.PrivateKey, amount string) (audit.TransactionRecord, error) {
	started := c.nowFn()
	entry, err := c.redeem(ctx, businessID, holderID, holderKey, amount)
	c.metrics.Observe("redeem", outcome(err), c.nowFn().Sub(started))
	return entry, err
}

func (c *Coordinator) redeem(ctx context.Context, businessID, holderID string, holderKey *crypto.PrivateKey, amount string) (audit.TransactionRecord, error) {
	if holderKey == nil {
		return audit.TransactionRecord{}, fmt.Errorf("%w: holder signing material required", ledger.ErrInvalidAddress)
	}
	binding, err := c.ResolveBinding(ctx, businessID)
	if err != nil {
		return audit.TransactionRecord{}, err
	}
	hash, err := c.ledger.RedeemPoints(ctx, binding.Contract, holderKey, amount)
	if err != nil {
		return audit.TransactionRecord{}, fmt.Errorf("redeem for %s: %w", businessID, err)
	}
	entry, err := c.audit.Record(ctx, audit.TransactionRecord{
		Kind:         audit.KindRedeem,
		BusinessID:   businessID,
		UserID:       holderID,
		Counterparty: holderKey.Address().Hex(),
		Amount:       amount,
		TokenSymbol:  binding.Symbol,
		Confirmation: hash.Hex(),
	})
	if err != nil {
		return audit.TransactionRecord{}, fmt.Errorf("%w: tx %s: %v", ErrAuditWriteFailed, hash.Hex(), err)
	}
	c.logger.Info("points redeemed",
		"business", businessID, "holder", holderKey.Address().Hex(), "amount", amount, "tx", hash.Hex())
	return entry, nil
}

// BalanceOf reads the holder's balance on the business's ledger. Read-only;
// nothing is recorded.
func (c *Coordinator) BalanceOf(ctx context.Context, businessID, holder string) (string, error) {
	started := c.nowFn()
	balance, err := c.balanceOf(ctx, businessID, holder)
	c.metrics.Observe("balance", outcome(err), c.nowFn().Sub(started))
	return balance, err
}

func (c *Coordinator) balanceOf(ctx context.Context, businessID, holder string) (string, error) {
	addr, err := ledger.ParseAddress(holder)
	if err != nil {
		return "", err
	}
	binding, err := c.ResolveBinding(ctx, businessID)
	if err != nil {
		return "", err
	}
	return c.ledger.Balance(ctx, binding.Contract, addr)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAuditWriteFailed):
		return "partial"
	case ledger.IsRetryable(err):
		return "retryable"
	default:
		return "terminal"
	}
}
