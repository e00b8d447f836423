package evm

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
	{"type":"function","name":"allowance","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

const erc1271ABIJSON = `[
	{"type":"function","name":"isValidSignature","stateMutability":"view",
	 "inputs":[{"name":"hash","type":"bytes32"},{"name":"signature","type":"bytes"}],
	 "outputs":[{"name":"magicValue","type":"bytes4"}]}
]`

const permitTupleJSON = `{"name":"permit","type":"tuple","components":[
	{"name":"permitted","type":"tuple","components":[
		{"name":"token","type":"address"},
		{"name":"amount","type":"uint256"}]},
	{"name":"nonce","type":"uint256"},
	{"name":"deadline","type":"uint256"}]}`

const witnessTupleJSON = `{"name":"witness","type":"tuple","components":[
	{"name":"to","type":"address"},
	{"name":"validAfter","type":"uint256"},
	{"name":"extra","type":"bytes"}]}`

// The upto proxy takes the amount to pull; the exact proxy always pulls the
// permitted amount.
const uptoProxyABIJSON = `[{"type":"function","name":"settle","stateMutability":"nonpayable","outputs":[],"inputs":[` +
	permitTupleJSON + `,{"name":"amount","type":"uint256"},{"name":"owner","type":"address"},` +
	witnessTupleJSON + `,{"name":"signature","type":"bytes"}]}]`

const exactProxyABIJSON = `[{"type":"function","name":"settle","stateMutability":"nonpayable","outputs":[],"inputs":[` +
	permitTupleJSON + `,{"name":"owner","type":"address"},` +
	witnessTupleJSON + `,{"name":"signature","type":"bytes"}]}]`

// erc1271MagicValue is bytes4(keccak256("isValidSignature(bytes32,bytes)")).
var erc1271MagicValue = [4]byte{0x16, 0x26, 0xba, 0x7e}

var (
	erc20ABI      = mustParseABI(erc20ABIJSON)
	erc1271ABI    = mustParseABI(erc1271ABIJSON)
	uptoProxyABI  = mustParseABI(uptoProxyABIJSON)
	exactProxyABI = mustParseABI(exactProxyABIJSON)
)

func mustParseABI(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ABI tuple mirrors. Field names must match the component names.
type tokenPermissionsTuple struct {
	Token  common.Address
	Amount *big.Int
}

type permitTransferFromTuple struct {
	Permitted tokenPermissionsTuple
	Nonce     *big.Int
	Deadline  *big.Int
}

type witnessTuple struct {
	To         common.Address
	ValidAfter *big.Int
	Extra      []byte
}

func (p *permit) tuples() (permitTransferFromTuple, witnessTuple) {
	return permitTransferFromTuple{
			Permitted: tokenPermissionsTuple{Token: p.Token, Amount: p.Amount},
			Nonce:     p.Nonce,
			Deadline:  p.Deadline,
		}, witnessTuple{
			To:         p.To,
			ValidAfter: p.ValidAfter,
			Extra:      p.Extra,
		}
}

// packUptoSettle encodes UptoProxy.settle(permit, amount, owner, witness, signature).
func packUptoSettle(p *permit, amount *big.Int) ([]byte, error) {
	permitArg, witnessArg := p.tuples()
	return uptoProxyABI.Pack("settle", permitArg, amount, p.From, witnessArg, p.Signature)
}

// packExactSettle encodes ExactProxy.settle(permit, owner, witness, signature).
func packExactSettle(p *permit) ([]byte, error) {
	permitArg, witnessArg := p.tuples()
	return exactProxyABI.Pack("settle", permitArg, p.From, witnessArg, p.Signature)
}
