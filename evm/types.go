package evm

import (
	"fmt"
	"math/big"
	"strings"

	x402 "github.com/becomeliminal/x402-upto"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Permit2Address is the canonical Permit2 deployment, identical on every EVM chain.
var Permit2Address = common.HexToAddress("0x000000000022D473030F116dDEE9F6B43aC78BA3")

// Contracts are the settlement contracts deployed on one network.
type Contracts struct {
	// Permit2 is the signature-transfer contract; defaults to Permit2Address.
	Permit2 common.Address

	// UptoProxy settles metered authorizations for any amount up to the permitted one.
	UptoProxy common.Address

	// ExactProxy settles fixed authorizations for the full permitted amount.
	ExactProxy common.Address
}

// Spender returns the proxy an authorization for scheme must name as spender.
func (c Contracts) Spender(scheme x402.Scheme) (common.Address, bool) {
	switch scheme {
	case x402.SchemeUpto:
		return c.UptoProxy, c.UptoProxy != (common.Address{})
	case x402.SchemeExact:
		return c.ExactProxy, c.ExactProxy != (common.Address{})
	default:
		return common.Address{}, false
	}
}

func (c Contracts) permit2() common.Address {
	if c.Permit2 == (common.Address{}) {
		return Permit2Address
	}
	return c.Permit2
}

// Chain is one network the engine can verify and settle on.
type Chain struct {
	Network   string // CAIP-2
	ChainID   *big.Int
	Contracts Contracts
	Ledger    Ledger
}

// ChainID extracts the chain id from a CAIP-2 "eip155:<chainId>" identifier.
func ChainID(network string) (*big.Int, error) {
	chainIDStr, ok := strings.CutPrefix(network, "eip155:")
	if !ok || chainIDStr == "" {
		return nil, fmt.Errorf("invalid network format: %s", network)
	}

	chainID, ok := new(big.Int).SetString(chainIDStr, 10)
	if !ok || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("invalid chain ID: %s", chainIDStr)
	}

	return chainID, nil
}

// Network formats a chain id as a CAIP-2 identifier.
func Network(chainID *big.Int) string {
	return "eip155:" + chainID.String()
}

// permit is an Authorization with every field parsed.
type permit struct {
	From       common.Address
	Token      common.Address
	Amount     *big.Int
	Spender    common.Address
	Nonce      *big.Int
	Deadline   *big.Int
	To         common.Address
	ValidAfter *big.Int
	Extra      []byte
	Signature  []byte
}

// parsePermit parses the wire form of a signed authorization.
func parsePermit(p *x402.SignedPayload) (*permit, error) {
	auth := &p.Authorization

	for _, a := range []struct{ name, value string }{
		{"from", auth.From},
		{"token", auth.Permitted.Token},
		{"spender", auth.Spender},
		{"to", auth.Witness.To},
	} {
		if !common.IsHexAddress(a.value) {
			return nil, fmt.Errorf("%s is not a hex address", a.name)
		}
	}

	amount, err := parseUint256("amount", auth.Permitted.Amount)
	if err != nil {
		return nil, err
	}
	nonce, err := parseUint256("nonce", auth.Nonce)
	if err != nil {
		return nil, err
	}
	deadline, err := parseUint256("deadline", auth.Deadline)
	if err != nil {
		return nil, err
	}
	validAfter, err := parseUint256("validAfter", auth.Witness.ValidAfter)
	if err != nil {
		return nil, err
	}

	extra, err := decodeHex(auth.Witness.Extra)
	if err != nil {
		return nil, fmt.Errorf("extra: %w", err)
	}
	signature, err := decodeHex(p.Signature)
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}

	return &permit{
		From:       common.HexToAddress(auth.From),
		Token:      common.HexToAddress(auth.Permitted.Token),
		Amount:     amount,
		Spender:    common.HexToAddress(auth.Spender),
		Nonce:      nonce,
		Deadline:   deadline,
		To:         common.HexToAddress(auth.Witness.To),
		ValidAfter: validAfter,
		Extra:      extra,
		Signature:  signature,
	}, nil
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func parseUint256(name, value string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(value, 10)
	if !ok || n.Sign() < 0 || n.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("%s is not a uint256 decimal string: %q", name, value)
	}
	return n, nil
}

func decodeHex(value string) ([]byte, error) {
	if value == "" || value == "0x" {
		return []byte{}, nil
	}
	return hexutil.Decode(value)
}
