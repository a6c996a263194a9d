package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// The contract family is fixed: a singleton factory deploys one points token
// per business and keeps a registry view keyed by business identity. Only the
// interface is relied upon here; the bytecode is an external capability.

const factoryABIJSON = `[
	{"type":"function","name":"createToken","stateMutability":"nonpayable","inputs":[
		{"name":"businessId","type":"string"},
		{"name":"name","type":"string"},
		{"name":"symbol","type":"string"},
		{"name":"decimals","type":"uint8"},
		{"name":"owner","type":"address"}],
		"outputs":[{"name":"token","type":"address"}]},
	{"type":"function","name":"tokenOf","stateMutability":"view","inputs":[
		{"name":"businessId","type":"string"}],
		"outputs":[{"name":"token","type":"address"},{"name":"owner","type":"address"}]},
	{"type":"event","name":"TokenDeployed","inputs":[
		{"name":"token","type":"address","indexed":true},
		{"name":"owner","type":"address","indexed":true},
		{"name":"businessId","type":"string","indexed":false}],"anonymous":false}
]`

const tokenABIJSON = `[
	{"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"type":"string"}]},
	{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"type":"string"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"type":"uint8"}]},
	{"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"type":"address"}]},
	{"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"holder","type":"address"}],"outputs":[{"type":"uint256"}]},
	{"type":"function","name":"mint","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"redeem","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]}
]`

var (
	factoryABI = mustParseABI(factoryABIJSON)
	tokenABI   = mustParseABI(tokenABIJSON)

	tokenDeployedTopic = crypto.Keccak256Hash([]byte("TokenDeployed(address,address,string)"))
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
