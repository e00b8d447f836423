package evm

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	x402 "github.com/becomeliminal/x402-upto"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeySigner signs authorizations with a local private key. It is the payer
// side of the engine, used by the buying client and in tests.
type KeySigner struct {
	key       *ecdsa.PrivateKey
	address   common.Address
	contracts map[string]Contracts
	now       func() time.Time
}

// NewKeySigner creates a signer for key. contracts maps each CAIP-2 network
// the signer can pay on to its settlement contracts.
func NewKeySigner(key *ecdsa.PrivateKey, contracts map[string]Contracts) *KeySigner {
	return &KeySigner{
		key:       key,
		address:   crypto.PubkeyToAddress(key.PublicKey),
		contracts: contracts,
		now:       time.Now,
	}
}

// NewKeySignerFromHex parses a hex private key, with or without 0x.
func NewKeySignerFromHex(hexKey string, contracts map[string]Contracts) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewKeySigner(key, contracts), nil
}

// Address returns the payer address.
func (s *KeySigner) Address() common.Address {
	return s.address
}

// Supports reports whether the signer can pay requirements.
func (s *KeySigner) Supports(requirements *x402.PaymentRequirements) bool {
	contracts, ok := s.contracts[requirements.Network]
	if !ok {
		return false
	}
	_, ok = contracts.Spender(requirements.Scheme)
	return ok
}

// Sign builds a fresh authorization for requirements, permitting exactly
// maxAmount, and signs it.
func (s *KeySigner) Sign(ctx context.Context, requirements *x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	contracts, ok := s.contracts[requirements.Network]
	if !ok {
		return nil, fmt.Errorf("network %s is not configured", requirements.Network)
	}
	spender, ok := contracts.Spender(requirements.Scheme)
	if !ok {
		return nil, fmt.Errorf("no %s proxy on %s", requirements.Scheme, requirements.Network)
	}

	auth, err := s.NewAuthorization(requirements, spender)
	if err != nil {
		return nil, err
	}

	signature, err := s.SignAuthorization(requirements.Network, contracts, auth)
	if err != nil {
		return nil, err
	}

	return &x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Accepted:    *requirements,
		Payload: x402.SignedPayload{
			Signature:     signature,
			Authorization: *auth,
		},
	}, nil
}

// NewAuthorization builds an unsigned authorization with a random 256-bit
// nonce, valid from now until now + maxTimeoutSeconds.
func (s *KeySigner) NewAuthorization(requirements *x402.PaymentRequirements, spender common.Address) (*x402.Authorization, error) {
	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 256))
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	timeout := requirements.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = 300
	}
	now := s.now().Unix()

	return &x402.Authorization{
		From: s.address.Hex(),
		Permitted: x402.TokenPermissions{
			Token:  requirements.Asset,
			Amount: requirements.MaxAmount,
		},
		Spender:  spender.Hex(),
		Nonce:    nonce.String(),
		Deadline: fmt.Sprintf("%d", now+int64(timeout)),
		Witness: x402.Witness{
			To:         requirements.PayTo,
			ValidAfter: fmt.Sprintf("%d", now-60),
			Extra:      "0x",
		},
	}, nil
}

// SignAuthorization signs auth as Permit2 witness-transfer typed data and
// returns the 0x-hex signature with v in Ethereum format (27/28).
func (s *KeySigner) SignAuthorization(network string, contracts Contracts, auth *x402.Authorization) (string, error) {
	chainID, err := ChainID(network)
	if err != nil {
		return "", err
	}

	p, err := parsePermit(&x402.SignedPayload{Signature: "0x", Authorization: *auth})
	if err != nil {
		return "", fmt.Errorf("invalid authorization: %w", err)
	}

	hash, err := digest(p, chainID, contracts.permit2())
	if err != nil {
		return "", err
	}

	signature, err := crypto.Sign(hash.Bytes(), s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	signature[crypto.RecoveryIDOffset] += 27

	return hexutil.Encode(signature), nil
}
