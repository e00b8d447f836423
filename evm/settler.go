package evm

import (
	"context"
	"math/big"

	x402 "github.com/becomeliminal/x402-upto"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// Settler executes verified authorizations on one chain.
type Settler struct {
	chain    *Chain
	verifier *Verifier
	logger   logrus.FieldLogger
}

// NewSettler creates a Settler that re-checks signatures with verifier.
func NewSettler(chain *Chain, verifier *Verifier, logger logrus.FieldLogger) *Settler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Settler{
		chain:    chain,
		verifier: verifier,
		logger:   logger.WithField("category", "settler"),
	}
}

// Settle pulls amount from the payer. For the exact scheme amount is ignored
// and the full permitted amount is pulled. Failures are returned as a failed
// SettleResult; a reverted transaction keeps its hash.
func (s *Settler) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements, amount string) (*x402.SettleResult, error) {
	p, err := parsePermit(&payload.Payload)
	if err != nil {
		return s.result(x402.Failed(x402.ReasonInvalidPayload, err.Error()), nil), nil
	}

	if requirements.Scheme == x402.SchemeExact {
		amount = p.Amount.String()
	}

	value, ok := new(big.Int).SetString(amount, 10)
	if !ok || value.Sign() < 0 {
		return s.result(x402.Failed(x402.ReasonInvalidSettlementAmount, "settlement amount must be a non-negative integer"), p), nil
	}

	if value.Cmp(p.Amount) > 0 {
		return s.result(x402.Failed(x402.ReasonSettlementExceeds,
			"settlement amount "+value.String()+" exceeds permitted "+p.Amount.String()), p), nil
	}

	if value.Sign() == 0 {
		return s.result(x402.Settled("", "0"), p), nil
	}

	if !s.verifier.signatureValid(ctx, p) {
		return s.result(x402.Failed(x402.ReasonTamperedPayload, "signature does not match authorization"), p), nil
	}

	proxy, ok := s.chain.Contracts.Spender(requirements.Scheme)
	if !ok {
		return s.result(x402.Failed(x402.ReasonSettlementFailed, "no proxy for scheme "+string(requirements.Scheme)), p), nil
	}

	var data []byte
	if requirements.Scheme == x402.SchemeExact {
		data, err = packExactSettle(p)
	} else {
		data, err = packUptoSettle(p, value)
	}
	if err != nil {
		return s.result(x402.Failed(x402.ReasonSettlementFailed, err.Error()), p), nil
	}

	logger := s.logger.WithFields(logrus.Fields{
		"payer":  p.From.Hex(),
		"nonce":  p.Nonce.String(),
		"amount": value.String(),
	})

	tx, err := s.chain.Ledger.Write(ctx, proxy, data)
	if err != nil {
		logger.WithError(err).Error("Settlement write failed")
		return s.result(x402.Failed(x402.ReasonSettlementFailed, err.Error()), p), nil
	}

	receipt, err := s.chain.Ledger.WaitForConfirmation(ctx, tx)
	if err != nil {
		logger.WithError(err).WithField("tx", tx.Hex()).Error("Settlement confirmation failed")
		failed := x402.Failed(x402.ReasonSettlementFailed, err.Error())
		failed.Transaction = tx.Hex()
		return s.result(failed, p), nil
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		logger.WithField("tx", tx.Hex()).Error("Settlement transaction reverted")
		reverted := x402.Failed(x402.ReasonTransactionReverted, "transaction reverted")
		reverted.Transaction = tx.Hex()
		return s.result(reverted, p), nil
	}

	logger.WithField("tx", tx.Hex()).Info("Settlement confirmed")
	return s.result(x402.Settled(tx.Hex(), value.String()), p), nil
}

func (s *Settler) result(r *x402.SettleResult, p *permit) *x402.SettleResult {
	r.Network = s.chain.Network
	if p != nil {
		r.Payer = p.From.Hex()
	}
	return r
}
