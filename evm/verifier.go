package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	x402 "github.com/becomeliminal/x402-upto"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// DefaultDeadlineMargin is how long before its deadline an authorization is
// still accepted, leaving room for the settlement transaction to be mined.
const DefaultDeadlineMargin = 6 * time.Second

// Verifier runs the verification checks for one chain. Checks run in a fixed
// order and the first failure decides the reason. Only ledger read faults are
// returned as errors.
type Verifier struct {
	chain          *Chain
	deadlineMargin time.Duration
	now            func() time.Time
	logger         logrus.FieldLogger
}

// NewVerifier creates a Verifier for chain.
func NewVerifier(chain *Chain, logger logrus.FieldLogger) *Verifier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Verifier{
		chain:          chain,
		deadlineMargin: DefaultDeadlineMargin,
		now:            time.Now,
		logger:         logger.WithField("category", "verifier"),
	}
}

// Verify checks payload against requirements without writing to the ledger.
func (v *Verifier) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerifyResult, error) {
	if payload.Accepted.Scheme != requirements.Scheme {
		return x402.Invalid(x402.ReasonInvalidScheme), nil
	}
	if payload.Accepted.Network != requirements.Network || requirements.Network != v.chain.Network {
		return x402.Invalid(x402.ReasonInvalidNetwork), nil
	}

	p, err := parsePermit(&payload.Payload)
	if err != nil {
		v.logger.WithError(err).Debug("Unparsable authorization")
		return x402.Invalid(x402.ReasonInvalidPayload), nil
	}

	maxAmount, err := parseUint256("maxAmount", requirements.MaxAmount)
	if err != nil {
		return x402.Invalid(x402.ReasonInvalidPayload), nil
	}

	if reason := v.checkPolicy(p, requirements, maxAmount); reason != "" {
		return x402.Invalid(reason), nil
	}

	if !v.signatureValid(ctx, p) {
		return x402.Invalid(x402.ReasonInvalidSignature), nil
	}

	// The proxy may pull up to the permitted amount, which can exceed maxAmount.
	permit2 := v.chain.Contracts.permit2()
	allowance, err := v.chain.Ledger.Allowance(ctx, p.Token, p.From, permit2)
	if err != nil {
		return nil, fmt.Errorf("failed to read allowance: %w", err)
	}
	if allowance.Cmp(p.Amount) < 0 {
		return x402.Invalid(x402.ReasonAllowanceRequired), nil
	}

	balance, err := v.chain.Ledger.Balance(ctx, p.Token, p.From)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	if balance.Cmp(p.Amount) < 0 {
		return x402.Invalid(x402.ReasonInsufficientBalance), nil
	}

	return x402.Valid(p.From.Hex()), nil
}

// checkPolicy runs the checks that need neither the signature nor the
// ledger: spender, recipient, asset, deadline, validAfter, amount.
func (v *Verifier) checkPolicy(p *permit, requirements *x402.PaymentRequirements, maxAmount *big.Int) string {
	spender, ok := v.chain.Contracts.Spender(requirements.Scheme)
	if !ok || p.Spender != spender {
		return x402.ReasonInvalidSpender
	}

	if !common.IsHexAddress(requirements.PayTo) || p.To != common.HexToAddress(requirements.PayTo) {
		return x402.ReasonInvalidRecipient
	}

	if !common.IsHexAddress(requirements.Asset) || p.Token != common.HexToAddress(requirements.Asset) {
		return x402.ReasonInvalidAsset
	}

	now := v.now()
	minDeadline := big.NewInt(now.Add(v.deadlineMargin).Unix())
	if p.Deadline.Cmp(minDeadline) < 0 {
		return x402.ReasonDeadlineExpired
	}

	if p.ValidAfter.Cmp(big.NewInt(now.Unix())) > 0 {
		return x402.ReasonNotYetValid
	}

	if p.Amount.Cmp(maxAmount) < 0 {
		return x402.ReasonInsufficientAuthorized
	}

	return ""
}

// signatureValid checks the payer's signature: ecrecover for externally owned
// accounts, ERC-1271 for contract wallets. Any failure is an invalid
// signature, never an error.
func (v *Verifier) signatureValid(ctx context.Context, p *permit) bool {
	hash, err := digest(p, v.chain.ChainID, v.chain.Contracts.permit2())
	if err != nil {
		v.logger.WithError(err).Warn("Failed to hash authorization")
		return false
	}

	if signer, err := recoverSigner(hash, p.Signature); err == nil && signer == p.From {
		return true
	}

	ok, err := v.chain.Ledger.VerifySignature(ctx, p.From, hash, p.Signature)
	if err != nil {
		v.logger.WithError(err).WithField("payer", p.From.Hex()).Info("Contract signature check failed")
		return false
	}
	return ok
}
