package evm

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const primaryType = "PermitWitnessTransferFrom"

var permitWitnessTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	primaryType: {
		{Name: "permitted", Type: "TokenPermissions"},
		{Name: "spender", Type: "address"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
		{Name: "witness", Type: "Witness"},
	},
	"TokenPermissions": {
		{Name: "token", Type: "address"},
		{Name: "amount", Type: "uint256"},
	},
	"Witness": {
		{Name: "to", Type: "address"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "extra", Type: "bytes"},
	},
}

// typedData builds the Permit2 witness-transfer typed data a payer signs.
func typedData(p *permit, chainID *big.Int, permit2 common.Address) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       permitWitnessTypes,
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              "Permit2",
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(chainID)),
			VerifyingContract: permit2.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"permitted": map[string]interface{}{
				"token":  p.Token.Hex(),
				"amount": p.Amount.String(),
			},
			"spender":  p.Spender.Hex(),
			"nonce":    p.Nonce.String(),
			"deadline": p.Deadline.String(),
			"witness": map[string]interface{}{
				"to":         p.To.Hex(),
				"validAfter": p.ValidAfter.String(),
				"extra":      hexutil.Encode(p.Extra),
			},
		},
	}
}

// digest is the EIP-712 hash of the authorization.
func digest(p *permit, chainID *big.Int, permit2 common.Address) (common.Hash, error) {
	hash, _, err := apitypes.TypedDataAndHash(typedData(p, chainID, permit2))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash typed data: %w", err)
	}
	return common.BytesToHash(hash), nil
}

// recoverSigner returns the address that produced a 65-byte signature over
// hash. Both v encodings (0/1 and 27/28) are accepted.
func recoverSigner(hash common.Hash, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(signature))
	}

	sig := make([]byte, len(signature))
	copy(sig, signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	if sig[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, errors.New("invalid signature recovery id")
	}

	pub, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
