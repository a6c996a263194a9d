package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"loyaltyhub/crypto"
)

const defaultConfirmInterval = 2 * time.Second

// Backend is the subset of the Ethereum RPC surface the client depends on.
// *ethclient.Client satisfies it; tests substitute an in-memory fake.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// Dial initialises an RPC client for the configured ledger endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger: rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// ClientConfig wires the fixed contract family and the platform signing
// identities: Issuer authorizes points issuance, Deployer is authorized to
// invoke the factory's deployment entry point.
type ClientConfig struct {
	Factory         common.Address
	Issuer          *crypto.PrivateKey
	Deployer        *crypto.PrivateKey
	ConfirmInterval time.Duration
}

// Client translates domain operations into ledger submissions and reads,
// hiding nonce sequencing, receipt waiting, and revert-reason extraction.
type Client struct {
	backend Backend
	cfg     ClientConfig

	chainMu sync.Mutex
	chainID *big.Int

	subMu      sync.Mutex
	submitters map[common.Address]*submitter
}

func NewClient(backend Backend, cfg ClientConfig) *Client {
	if backend == nil {
		panic("ledger backend required")
	}
	if cfg.Issuer == nil || cfg.Deployer == nil {
		panic("ledger signing identities required")
	}
	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = defaultConfirmInterval
	}
	return &Client{
		backend:    backend,
		cfg:        cfg,
		submitters: make(map[common.Address]*submitter),
	}
}

// IssuerAddress is the platform identity used to authorize issuance.
func (c *Client) IssuerAddress() common.Address {
	return c.cfg.Issuer.Address()
}

// DeployToken submits a factory-mediated deployment and blocks until the
// confirmation carries the TokenDeployed event for the new contract.
func (c *Client) DeployToken(ctx context.Context, businessID, name, symbol string, decimals uint8, initialOwner common.Address) (common.Address, error) {
	data, err := factoryABI.Pack("createToken", businessID, name, symbol, decimals, initialOwner)
	if err != nil {
		return common.Address{}, fmt.Errorf("ledger: pack createToken: %w", err)
	}
	hash, err := c.submitterFor(c.cfg.Deployer).submit(ctx, c, c.cfg.Factory, data)
	if err != nil {
		return common.Address{}, err
	}
	receipt, err := c.waitConfirmed(ctx, hash)
	if err != nil {
		return common.Address{}, err
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		reason := c.replayForRevert(ctx, c.cfg.Deployer.Address(), c.cfg.Factory, data, receipt.BlockNumber)
		return common.Address{}, revertErr(reason)
	}
	for _, entry := range receipt.Logs {
		if entry == nil || entry.Address != c.cfg.Factory {
			continue
		}
		if len(entry.Topics) >= 3 && entry.Topics[0] == tokenDeployedTopic {
			return common.BytesToAddress(entry.Topics[1].Bytes()), nil
		}
	}
	return common.Address{}, fmt.Errorf("%w: tx %s", ErrDeploymentFailed, hash.Hex())
}

// IssuePoints mints points to the recipient. The issuing identity must be the
// contract's registered owner; the check is an explicit pre-flight read, never
// assumed from deployment order.
func (c *Client) IssuePoints(ctx context.Context, token, recipient common.Address, amount string) (common.Hash, error) {
	if recipient == (common.Address{}) {
		return common.Hash{}, fmt.Errorf("%w: zero recipient", ErrInvalidAddress)
	}
	owner, err := c.tokenOwner(ctx, token)
	if err != nil {
		return common.Hash{}, err
	}
	issuer := c.cfg.Issuer.Address()
	if owner != issuer {
		return common.Hash{}, fmt.Errorf("%w: contract owner is %s, signing as %s", ErrNotOwner, owner.Hex(), issuer.Hex())
	}
	raw, err := c.toBaseUnits(ctx, token, amount)
	if err != nil {
		return common.Hash{}, err
	}
	data, err := tokenABI.Pack("mint", recipient, raw)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: pack mint: %w", err)
	}
	return c.submitAndConfirm(ctx, c.cfg.Issuer, token, data)
}

// RedeemPoints burns points from the holder's own balance. The holder supplies
// their own signing identity; redeeming with the platform issuer is rejected.
func (c *Client) RedeemPoints(ctx context.Context, token common.Address, holder *crypto.PrivateKey, amount string) (common.Hash, error) {
	if holder == nil {
		return common.Hash{}, fmt.Errorf("%w: holder signing identity required", ErrInvalidAddress)
	}
	if holder.Address() == c.cfg.Issuer.Address() {
		return common.Hash{}, ErrHolderIsIssuer
	}
	raw, err := c.toBaseUnits(ctx, token, amount)
	if err != nil {
		return common.Hash{}, err
	}
	data, err := tokenABI.Pack("redeem", raw)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: pack redeem: %w", err)
	}
	hash, err := c.submitAndConfirm(ctx, holder, token, data)
	if err != nil && errors.Is(err, ErrReverted) && mentionsBalance(err.Error()) {
		return hash, fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
	}
	return hash, err
}

// Balance reads the holder's balance and renders it at display precision.
func (c *Client) Balance(ctx context.Context, token, holder common.Address) (string, error) {
	if err := c.ensureContract(ctx, token); err != nil {
		return "", err
	}
	decimals, err := c.tokenDecimals(ctx, token)
	if err != nil {
		return "", err
	}
	out, err := c.callToken(ctx, token, "balanceOf", holder)
	if err != nil {
		return "", err
	}
	raw, ok := out[0].(*big.Int)
	if !ok {
		return "", fmt.Errorf("ledger: unexpected balanceOf result %T", out[0])
	}
	return FromBase(raw, decimals), nil
}

// TokenMetadata reads the full descriptive surface of a deployed token.
func (c *Client) TokenMetadata(ctx context.Context, token common.Address) (TokenMetadata, error) {
	if err := c.ensureContract(ctx, token); err != nil {
		return TokenMetadata{}, err
	}
	meta := TokenMetadata{}
	out, err := c.callToken(ctx, token, "name")
	if err != nil {
		return TokenMetadata{}, err
	}
	meta.Name, _ = out[0].(string)
	if out, err = c.callToken(ctx, token, "symbol"); err != nil {
		return TokenMetadata{}, err
	}
	meta.Symbol, _ = out[0].(string)
	if out, err = c.callToken(ctx, token, "decimals"); err != nil {
		return TokenMetadata{}, err
	}
	meta.Decimals, _ = out[0].(uint8)
	if out, err = c.callToken(ctx, token, "owner"); err != nil {
		return TokenMetadata{}, err
	}
	meta.Owner, _ = out[0].(common.Address)
	if out, err = c.callToken(ctx, token, "totalSupply"); err != nil {
		return TokenMetadata{}, err
	}
	meta.TotalSupply, _ = out[0].(*big.Int)
	return meta, nil
}

// SubmissionStatus resolves the fate of an earlier submission independently of
// the call that produced it, so a timed-out confirmation wait can be polled.
func (c *Client) SubmissionStatus(ctx context.Context, hash common.Hash) (SubmissionState, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return SubmissionPending, nil
		}
		return "", fmt.Errorf("%w: %v", ErrLedgerUnreachable, err)
	}
	if receipt.Status == gethtypes.ReceiptStatusSuccessful {
		return SubmissionConfirmed, nil
	}
	return SubmissionFailed, nil
}

func (c *Client) submitAndConfirm(ctx context.Context, key *crypto.PrivateKey, to common.Address, data []byte) (common.Hash, error) {
	hash, err := c.submitterFor(key).submit(ctx, c, to, data)
	if err != nil {
		return common.Hash{}, err
	}
	receipt, err := c.waitConfirmed(ctx, hash)
	if err != nil {
		// The submission may still land; surface the hash for polling.
		return hash, err
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		reason := c.replayForRevert(ctx, key.Address(), to, data, receipt.BlockNumber)
		return hash, revertErr(reason)
	}
	return hash, nil
}

// waitConfirmed polls for the receipt until the caller's context expires. A
// timed-out wait is not a failure of the submission itself.
func (c *Client) waitConfirmed(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(c.cfg.ConfirmInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: tx %s", ErrConfirmationPending, hash.Hex())
		case <-ticker.C:
		}
	}
}

func (c *Client) ensureContract(ctx context.Context, addr common.Address) error {
	code, err := c.backend.CodeAt(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnreachable, err)
	}
	if len(code) == 0 {
		return fmt.Errorf("%w: %s", ErrContractNotFound, addr.Hex())
	}
	return nil
}

func (c *Client) callToken(ctx context.Context, token common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := tokenABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLedgerUnreachable, method, err)
	}
	values, err := tokenABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("ledger: unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("ledger: empty %s result", method)
	}
	return values, nil
}

func (c *Client) tokenOwner(ctx context.Context, token common.Address) (common.Address, error) {
	if err := c.ensureContract(ctx, token); err != nil {
		return common.Address{}, err
	}
	out, err := c.callToken(ctx, token, "owner")
	if err != nil {
		return common.Address{}, err
	}
	owner, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("ledger: unexpected owner result %T", out[0])
	}
	return owner, nil
}

func (c *Client) tokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	out, err := c.callToken(ctx, token, "decimals")
	if err != nil {
		return 0, err
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("ledger: unexpected decimals result %T", out[0])
	}
	return decimals, nil
}

func (c *Client) toBaseUnits(ctx context.Context, token common.Address, amount string) (*big.Int, error) {
	if err := c.ensureContract(ctx, token); err != nil {
		return nil, err
	}
	decimals, err := c.tokenDecimals(ctx, token)
	if err != nil {
		return nil, err
	}
	return ToBase(amount, decimals)
}

// replayForRevert re-executes a failed submission as a call at its block to
// recover the contract's revert reason. Best effort: an empty string means the
// reason could not be recovered.
func (c *Client) replayForRevert(ctx context.Context, from, to common.Address, data []byte, block *big.Int) string {
	_, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: from, To: &to, Data: data}, block)
	if err == nil {
		return ""
	}
	var dataErr interface{ ErrorData() interface{} }
	if errors.As(err, &dataErr) {
		if raw, ok := dataErr.ErrorData().(string); ok {
			if reason, decodeErr := abi.UnpackRevert(common.FromHex(raw)); decodeErr == nil {
				return reason
			}
		}
	}
	return err.Error()
}

func (c *Client) resolveChainID(ctx context.Context) (*big.Int, error) {
	c.chainMu.Lock()
	defer c.chainMu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: chain id: %v", ErrLedgerUnreachable, err)
	}
	c.chainID = id
	return id, nil
}

func (c *Client) submitterFor(key *crypto.PrivateKey) *submitter {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	addr := key.Address()
	sub, ok := c.submitters[addr]
	if !ok {
		sub = &submitter{key: key}
		c.submitters[addr] = sub
	}
	return sub
}

func revertErr(reason string) error {
	if strings.TrimSpace(reason) == "" {
		return ErrReverted
	}
	return fmt.Errorf("%w: %s", ErrReverted, reason)
}

func mentionsBalance(reason string) bool {
	lowered := strings.ToLower(reason)
	return strings.Contains(lowered, "insufficient") || strings.Contains(lowered, "exceeds balance")
}

// submitter serializes submissions from one signing identity so nonces stay
// strictly increasing. The lock covers nonce assignment and the send itself,
// never the confirmation wait.
type submitter struct {
	mu    sync.Mutex
	key   *crypto.PrivateKey
	next  uint64
	known bool
}

func (s *submitter) submit(ctx context.Context, c *Client, to common.Address, data []byte) (common.Hash, error) {
	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.key.Address()
	if !s.known {
		nonce, err := c.backend.PendingNonceAt(ctx, from)
		if err != nil {
			return common.Hash{}, fmt.Errorf("%w: nonce: %v", ErrLedgerUnreachable, err)
		}
		s.next = nonce
		s.known = true
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: gas price: %v", ErrLedgerUnreachable, err)
	}
	gasLimit, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data, GasPrice: gasPrice})
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: gas estimation: %v", ErrSubmissionRejected, err)
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    s.next,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), s.key.PrivateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: sign tx: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		// Nonce may now be stale; refetch on the next submission.
		s.known = false
		return common.Hash{}, fmt.Errorf("%w: %v", ErrSubmissionRejected, err)
	}
	s.next++
	return signed.Hash(), nil
}
