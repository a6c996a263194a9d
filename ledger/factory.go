package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// FactoryGateway is the single entry point for creating new per-business
// ledgers through the singleton factory contract. It performs no dedup of its
// own; the business registry serializes provisioning per identity.
type FactoryGateway struct {
	client *Client
}

func NewFactoryGateway(client *Client) *FactoryGateway {
	if client == nil {
		panic("ledger client required")
	}
	return &FactoryGateway{client: client}
}

// Provision deploys a token for the business and verifies by read-back that
// the factory assigned the expected owner. A mismatch fails the provisioning
// before anything is persisted off-chain.
func (g *FactoryGateway) Provision(ctx context.Context, businessID, name, symbol string, decimals uint8, owner common.Address) (ContractBinding, error) {
	token, err := g.client.DeployToken(ctx, businessID, name, symbol, decimals, owner)
	if err != nil {
		return ContractBinding{}, err
	}
	meta, err := g.client.TokenMetadata(ctx, token)
	if err != nil {
		return ContractBinding{}, err
	}
	if meta.Owner != owner {
		return ContractBinding{}, fmt.Errorf("%w: factory assigned %s, expected %s",
			ErrOwnershipMismatch, meta.Owner.Hex(), owner.Hex())
	}
	return ContractBinding{
		BusinessID: businessID,
		Contract:   token,
		Owner:      meta.Owner,
		Name:       meta.Name,
		Symbol:     meta.Symbol,
		Decimals:   meta.Decimals,
	}, nil
}

// LookupBusiness queries the factory's registry view directly. This is the
// on-chain fallback for bindings the off-chain store has lost.
func (g *FactoryGateway) LookupBusiness(ctx context.Context, businessID string) (ContractBinding, error) {
	data, err := factoryABI.Pack("tokenOf", businessID)
	if err != nil {
		return ContractBinding{}, fmt.Errorf("ledger: pack tokenOf: %w", err)
	}
	factory := g.client.cfg.Factory
	out, err := g.client.backend.CallContract(ctx, ethereum.CallMsg{To: &factory, Data: data}, nil)
	if err != nil {
		return ContractBinding{}, fmt.Errorf("%w: tokenOf: %v", ErrLedgerUnreachable, err)
	}
	values, err := factoryABI.Unpack("tokenOf", out)
	if err != nil || len(values) < 2 {
		return ContractBinding{}, fmt.Errorf("ledger: unpack tokenOf: %w", err)
	}
	token, _ := values[0].(common.Address)
	owner, _ := values[1].(common.Address)
	if token == (common.Address{}) {
		return ContractBinding{}, fmt.Errorf("%w: %s", ErrBindingNotFound, businessID)
	}
	meta, err := g.client.TokenMetadata(ctx, token)
	if err != nil {
		return ContractBinding{}, err
	}
	return ContractBinding{
		BusinessID: businessID,
		Contract:   token,
		Owner:      owner,
		Name:       meta.Name,
		Symbol:     meta.Symbol,
		Decimals:   meta.Decimals,
	}, nil
}
