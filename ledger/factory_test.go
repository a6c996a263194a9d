package ledger

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestProvisionVerifiesOwner(t *testing.T) {
	client, _ := newTestClient(t)
	gateway := NewFactoryGateway(client)

	binding, err := gateway.Provision(context.Background(), "cafe1", "Cafe Points", "CAF", 0, client.IssuerAddress())
	require.NoError(t, err)
	require.Equal(t, "cafe1", binding.BusinessID)
	require.Equal(t, client.IssuerAddress(), binding.Owner)
	require.Equal(t, "CAF", binding.Symbol)
	require.NotEqual(t, common.Address{}, binding.Contract)
}

func TestProvisionOwnershipMismatch(t *testing.T) {
	client, chain := newTestClient(t)
	gateway := NewFactoryGateway(client)

	skewed := common.HexToAddress("0x00000000000000000000000000000000000F00D1")
	chain.ownerSkew = &skewed

	_, err := gateway.Provision(context.Background(), "cafe2", "Cafe", "CAF", 0, client.IssuerAddress())
	require.ErrorIs(t, err, ErrOwnershipMismatch)
	require.False(t, IsRetryable(err))
}

func TestLookupBusiness(t *testing.T) {
	client, _ := newTestClient(t)
	gateway := NewFactoryGateway(client)

	provisioned, err := gateway.Provision(context.Background(), "cafe3", "Cafe", "CAF", 2, client.IssuerAddress())
	require.NoError(t, err)

	found, err := gateway.LookupBusiness(context.Background(), "cafe3")
	require.NoError(t, err)
	require.Equal(t, provisioned.Contract, found.Contract)
	require.Equal(t, provisioned.Owner, found.Owner)
	require.Equal(t, uint8(2), found.Decimals)
}

func TestLookupBusinessNotFound(t *testing.T) {
	client, _ := newTestClient(t)
	gateway := NewFactoryGateway(client)

	_, err := gateway.LookupBusiness(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrBindingNotFound)
}
