package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// fakeChain is an in-memory stand-in for the ledger network: it executes
// factory deployments and token mint/redeem submissions synchronously and
// serves receipts and view calls the way a node would.
type fakeChain struct {
	mu         sync.Mutex
	chainID    *big.Int
	factory    common.Address
	nonces     map[common.Address]uint64
	tokens     map[common.Address]*fakeToken
	byBusiness map[string]common.Address
	receipts   map[common.Hash]*gethtypes.Receipt
	nextToken  uint64

	// failure injection
	sendErr    error
	receiptGap int // number of receipt polls answering NotFound before success
	ownerSkew  *common.Address
}

type fakeToken struct {
	name     string
	symbol   string
	decimals uint8
	owner    common.Address
	total    *big.Int
	balances map[common.Address]*big.Int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		chainID:    big.NewInt(1337),
		factory:    common.HexToAddress("0xFAC0000000000000000000000000000000000001"),
		nonces:     make(map[common.Address]uint64),
		tokens:     make(map[common.Address]*fakeToken),
		byBusiness: make(map[string]common.Address),
		receipts:   make(map[common.Hash]*gethtypes.Receipt),
	}
}

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeChain) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[account], nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 210_000, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(f.chainID), tx)
	if err != nil {
		return err
	}
	if tx.Nonce() != f.nonces[sender] {
		return fmt.Errorf("nonce too low: have %d want %d", tx.Nonce(), f.nonces[sender])
	}
	f.nonces[sender]++

	to := tx.To()
	if to == nil {
		return fmt.Errorf("contract creation not supported")
	}
	hash := tx.Hash()
	receipt := &gethtypes.Receipt{
		TxHash:      hash,
		Status:      gethtypes.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(1),
	}
	switch {
	case *to == f.factory:
		f.execFactory(sender, tx.Data(), receipt)
	default:
		f.execToken(sender, *to, tx.Data(), receipt)
	}
	f.receipts[hash] = receipt
	return nil
}

func (f *fakeChain) execFactory(_ common.Address, data []byte, receipt *gethtypes.Receipt) {
	method := factoryABI.Methods["createToken"]
	if !bytes.HasPrefix(data, method.ID) {
		receipt.Status = gethtypes.ReceiptStatusFailed
		return
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		receipt.Status = gethtypes.ReceiptStatusFailed
		return
	}
	businessID := args[0].(string)
	name := args[1].(string)
	symbol := args[2].(string)
	decimals := args[3].(uint8)
	owner := args[4].(common.Address)
	if f.ownerSkew != nil {
		owner = *f.ownerSkew
	}

	f.nextToken++
	addr := common.BigToAddress(new(big.Int).SetUint64(0xA0000000 + f.nextToken))
	f.tokens[addr] = &fakeToken{
		name:     name,
		symbol:   symbol,
		decimals: decimals,
		owner:    owner,
		total:    new(big.Int),
		balances: make(map[common.Address]*big.Int),
	}
	f.byBusiness[businessID] = addr
	receipt.Logs = append(receipt.Logs, &gethtypes.Log{
		Address: f.factory,
		Topics: []common.Hash{
			tokenDeployedTopic,
			common.BytesToHash(addr.Bytes()),
			common.BytesToHash(owner.Bytes()),
		},
	})
}

func (f *fakeChain) execToken(sender, to common.Address, data []byte, receipt *gethtypes.Receipt) {
	token, ok := f.tokens[to]
	if !ok {
		receipt.Status = gethtypes.ReceiptStatusFailed
		return
	}
	mint := tokenABI.Methods["mint"]
	redeem := tokenABI.Methods["redeem"]
	switch {
	case bytes.HasPrefix(data, mint.ID):
		args, err := mint.Inputs.Unpack(data[4:])
		if err != nil {
			receipt.Status = gethtypes.ReceiptStatusFailed
			return
		}
		if sender != token.owner {
			receipt.Status = gethtypes.ReceiptStatusFailed
			return
		}
		recipient := args[0].(common.Address)
		amount := args[1].(*big.Int)
		token.credit(recipient, amount)
	case bytes.HasPrefix(data, redeem.ID):
		args, err := redeem.Inputs.Unpack(data[4:])
		if err != nil {
			receipt.Status = gethtypes.ReceiptStatusFailed
			return
		}
		amount := args[0].(*big.Int)
		if token.balance(sender).Cmp(amount) < 0 {
			receipt.Status = gethtypes.ReceiptStatusFailed
			return
		}
		token.debit(sender, amount)
	default:
		receipt.Status = gethtypes.ReceiptStatusFailed
	}
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptGap > 0 {
		f.receiptGap--
		return nil, ethereum.NotFound
	}
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.To == nil {
		return nil, fmt.Errorf("missing call target")
	}
	if *msg.To == f.factory {
		return f.callFactory(msg.Data)
	}
	token, ok := f.tokens[*msg.To]
	if !ok {
		return nil, fmt.Errorf("no contract at %s", msg.To.Hex())
	}
	return f.callTokenView(token, msg)
}

func (f *fakeChain) callFactory(data []byte) ([]byte, error) {
	method := factoryABI.Methods["tokenOf"]
	if !bytes.HasPrefix(data, method.ID) {
		return nil, fmt.Errorf("unknown factory call")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	businessID := args[0].(string)
	addr, ok := f.byBusiness[businessID]
	if !ok {
		return method.Outputs.Pack(common.Address{}, common.Address{})
	}
	return method.Outputs.Pack(addr, f.tokens[addr].owner)
}

func (f *fakeChain) callTokenView(token *fakeToken, msg ethereum.CallMsg) ([]byte, error) {
	data := msg.Data
	pack := func(name string, values ...interface{}) ([]byte, error) {
		return tokenABI.Methods[name].Outputs.Pack(values...)
	}
	switch {
	case bytes.HasPrefix(data, tokenABI.Methods["name"].ID):
		return pack("name", token.name)
	case bytes.HasPrefix(data, tokenABI.Methods["symbol"].ID):
		return pack("symbol", token.symbol)
	case bytes.HasPrefix(data, tokenABI.Methods["decimals"].ID):
		return pack("decimals", token.decimals)
	case bytes.HasPrefix(data, tokenABI.Methods["owner"].ID):
		return pack("owner", token.owner)
	case bytes.HasPrefix(data, tokenABI.Methods["totalSupply"].ID):
		return pack("totalSupply", token.total)
	case bytes.HasPrefix(data, tokenABI.Methods["balanceOf"].ID):
		args, err := tokenABI.Methods["balanceOf"].Inputs.Unpack(data[4:])
		if err != nil {
			return nil, err
		}
		return pack("balanceOf", token.balance(args[0].(common.Address)))
	case bytes.HasPrefix(data, tokenABI.Methods["mint"].ID):
		if msg.From != token.owner {
			return nil, newRevertCallError("caller is not the owner")
		}
		return nil, nil
	case bytes.HasPrefix(data, tokenABI.Methods["redeem"].ID):
		args, err := tokenABI.Methods["redeem"].Inputs.Unpack(data[4:])
		if err != nil {
			return nil, err
		}
		if token.balance(msg.From).Cmp(args[0].(*big.Int)) < 0 {
			return nil, newRevertCallError("redeem amount exceeds balance")
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unknown token call")
}

func (f *fakeChain) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if account == f.factory {
		return []byte{0x01}, nil
	}
	if _, ok := f.tokens[account]; ok {
		return []byte{0x01}, nil
	}
	return nil, nil
}

func (f *fakeChain) tokenFor(businessID string) *fakeToken {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr, ok := f.byBusiness[businessID]
	if !ok {
		return nil
	}
	return f.tokens[addr]
}

func (t *fakeToken) balance(addr common.Address) *big.Int {
	if b, ok := t.balances[addr]; ok {
		return b
	}
	return new(big.Int)
}

func (t *fakeToken) credit(addr common.Address, amount *big.Int) {
	t.balances[addr] = new(big.Int).Add(t.balance(addr), amount)
	t.total = new(big.Int).Add(t.total, amount)
}

func (t *fakeToken) debit(addr common.Address, amount *big.Int) {
	t.balances[addr] = new(big.Int).Sub(t.balance(addr), amount)
	t.total = new(big.Int).Sub(t.total, amount)
}

// revertCallError mimics the rpc.DataError shape ethclient surfaces for
// reverted eth_call executions.
type revertCallError struct{ reason string }

func newRevertCallError(reason string) revertCallError { return revertCallError{reason: reason} }

func (e revertCallError) Error() string { return "execution reverted: " + e.reason }

func (e revertCallError) ErrorData() interface{} {
	stringType, _ := abi.NewType("string", "", nil)
	packed, _ := abi.Arguments{{Type: stringType}}.Pack(e.reason)
	selector := gethcrypto.Keccak256([]byte("Error(string)"))[:4]
	return "0x" + hex.EncodeToString(append(selector, packed...))
}
