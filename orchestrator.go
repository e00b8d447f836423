package x402

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Request is the framework-independent view of an inbound request.
type Request struct {
	Method string
	Path   string
	URL    string
	Header http.Header
}

// ResourceResponse is what the protected handler produced.
type ResourceResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// SettlementReceipt is surfaced to the client as X-Payment-* headers.
// Transaction is empty while a background settlement is Pending.
type SettlementReceipt struct {
	SettledAmount string
	Payer         string
	Network       string
	Transaction   string
	Pending       bool
}

// SettleFunc is called after the protected handler has run. It returns nil,
// without settling, when the handler failed (status >= 400) or settlement
// could not be completed.
type SettleFunc func(ctx context.Context, resp *ResourceResponse) *SettlementReceipt

// FlowResult is the outcome of Orchestrator.Process. It is one of FlowPass,
// *FlowPaymentRequired, *FlowInvalidPayment, *FlowProtocolError or *FlowVerified.
type FlowResult interface {
	isFlowResult()
}

// FlowPass means no route matched; the caller proceeds as if payments were absent.
type FlowPass struct{}

// FlowPaymentRequired is the 402 challenge for an unpaid request.
type FlowPaymentRequired struct {
	Challenge *PaymentRequired
	Header    string
}

// FlowInvalidPayment is a policy rejection: 412 for permit_allowance_required, else 402.
type FlowInvalidPayment struct {
	Status int
	Body   *InvalidPaymentBody
	Header string
}

// FlowProtocolError is a shape or infrastructure error: 400 for malformed
// payloads, 500 for server misconfiguration, 503 when verification is unavailable.
type FlowProtocolError struct {
	Status int
	Body   *ErrorBody
}

// FlowVerified means the payment was verified. The caller runs the protected
// handler, then calls Settle with its response.
type FlowVerified struct {
	Payer        string
	Payload      *PaymentPayload
	Requirements *PaymentRequirements
	Settle       SettleFunc
}

func (FlowPass) isFlowResult()             {}
func (*FlowPaymentRequired) isFlowResult() {}
func (*FlowInvalidPayment) isFlowResult()  {}
func (*FlowProtocolError) isFlowResult()   {}
func (*FlowVerified) isFlowResult()        {}

// Orchestrator sequences challenge, decode, verify, and (after the resource
// runs) meter and settle. It holds no per-request state and is safe for
// concurrent use.
type Orchestrator struct {
	facilitator       Facilitator
	strategy          Strategy
	assets            map[string]AssetInfo
	validity          time.Duration
	intents           IntentStore
	tasks             TaskRunner
	settlementTimeout time.Duration
	logger            logrus.FieldLogger
	now               func() time.Time
}

// NewOrchestrator builds an Orchestrator from a validated configuration.
func NewOrchestrator(cfg *Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Orchestrator{
		facilitator:       cfg.Facilitator,
		strategy:          cfg.Strategy,
		assets:            cfg.Assets,
		validity:          cfg.ValidityDuration,
		intents:           cfg.Intents,
		tasks:             cfg.Tasks,
		settlementTimeout: cfg.SettlementTimeout,
		logger:            cfg.Logger.WithField("category", "x402"),
		now:               time.Now,
	}, nil
}

// pendingSettlement is the verified state a settle closure captures.
type pendingSettlement struct {
	request      *Request
	rule         *PricingRule
	payload      *PaymentPayload
	requirements *PaymentRequirements
	payer        string
}

// Process runs one request through the payment flow. A nil strategy selects
// the configured one.
func (o *Orchestrator) Process(ctx context.Context, req *Request, routes Routes, strategy Strategy) FlowResult {
	rule, ok := routes.Match(req.Method, req.Path)
	if !ok {
		return FlowPass{}
	}

	if strategy == nil {
		strategy = o.strategy
	}

	accepts, err := o.buildRequirements(rule, strategy)
	if err != nil {
		o.logger.WithError(err).WithField("path", req.Path).Error("Route pricing is misconfigured")
		return protocolError(http.StatusInternalServerError, GetPaymentErrorCode(err), err.Error())
	}

	challenge := strategy.challenge(ResourceInfo{
		URL:         req.URL,
		Description: rule.Description,
		MimeType:    rule.MimeType,
	}, accepts)

	paymentHeader := req.Header.Get(HeaderPaymentSignature)
	if paymentHeader == "" {
		paymentHeader = req.Header.Get(HeaderLegacyPayment)
	}

	if paymentHeader == "" {
		encoded, err := EncodePaymentRequired(challenge)
		if err != nil {
			return protocolError(http.StatusInternalServerError, "", err.Error())
		}
		return &FlowPaymentRequired{Challenge: challenge, Header: encoded}
	}

	payload, err := strategy.decode(paymentHeader)
	if err != nil {
		return protocolError(http.StatusBadRequest, ErrCodeMalformedPayload, err.Error())
	}

	requirements, ok := matchRequirements(payload, accepts)
	if !ok {
		return o.invalid(challenge, ReasonNoMatchingRequirements)
	}

	result, err := o.facilitator.Verify(ctx, payload, requirements)
	if err != nil {
		o.logger.WithError(err).WithField("path", req.Path).Warn("Payment verification unavailable")
		return protocolError(http.StatusServiceUnavailable, ReasonVerificationUnavailable, err.Error())
	}

	if !result.IsValid {
		o.logger.WithFields(logrus.Fields{
			"path":   req.Path,
			"reason": result.InvalidReason,
			"payer":  payload.Payload.Authorization.From,
		}).Info("Payment rejected")
		return o.invalid(challenge, result.InvalidReason)
	}

	pending := &pendingSettlement{
		request:      req,
		rule:         rule,
		payload:      payload,
		requirements: requirements,
		payer:        result.Payer,
	}

	return &FlowVerified{
		Payer:        result.Payer,
		Payload:      payload,
		Requirements: requirements,
		Settle:       strategy.settleFunc(o, pending),
	}
}

func (o *Orchestrator) buildRequirements(rule *PricingRule, strategy Strategy) ([]PaymentRequirements, error) {
	accepts := make([]PaymentRequirements, 0, len(rule.AcceptedTokens))

	for _, token := range rule.AcceptedTokens {
		asset := token.AssetContract
		decimals := token.decimals()

		if asset == "" {
			info, ok := o.assets[token.Network]
			if !ok || info.Address == "" {
				return nil, NewPaymentError(ErrCodeAssetNotConfigured,
					fmt.Sprintf("no asset configured for network %s", token.Network), nil)
			}
			asset = info.Address
			if token.TokenDecimals == 0 && info.Decimals > 0 {
				decimals = info.Decimals
			}
		}

		amount := token.Amount
		if amount == "" {
			var err error
			amount, err = ParsePrice(strategy.maxPrice(rule), decimals)
			if err != nil {
				return nil, err
			}
		}

		var extra map[string]string
		if token.TokenName != "" || token.TokenVersion != "" {
			extra = map[string]string{"name": token.TokenName, "version": token.TokenVersion}
		}

		accepts = append(accepts, PaymentRequirements{
			Scheme:            strategy.Scheme(),
			Network:           token.Network,
			Asset:             asset,
			MaxAmount:         amount,
			PayTo:             token.Recipient,
			MaxTimeoutSeconds: int(o.validity.Seconds()),
			Extra:             extra,
		})
	}

	return accepts, nil
}

// matchRequirements finds the server requirements the client accepted. A V1
// payload names only scheme and network, so it matches on those.
func matchRequirements(payload *PaymentPayload, accepts []PaymentRequirements) (*PaymentRequirements, bool) {
	accepted := &payload.Accepted
	legacy := payload.X402Version < ProtocolVersion

	for i := range accepts {
		r := &accepts[i]
		if accepted.Scheme != r.Scheme || accepted.Network != r.Network {
			continue
		}
		if !legacy && (!strings.EqualFold(accepted.Asset, r.Asset) || !strings.EqualFold(accepted.PayTo, r.PayTo)) {
			continue
		}

		match := *r
		if legacy {
			payload.Accepted = match
		}
		return &match, true
	}

	return nil, false
}

func (o *Orchestrator) invalid(challenge *PaymentRequired, reason string) FlowResult {
	status := http.StatusPaymentRequired
	if reason == ReasonAllowanceRequired {
		status = http.StatusPreconditionFailed
	}

	encoded, err := EncodePaymentRequired(challenge)
	if err != nil {
		return protocolError(http.StatusInternalServerError, "", err.Error())
	}

	body := &InvalidPaymentBody{PaymentRequired: *challenge, Reason: reason}
	body.Error = "Invalid payment"

	return &FlowInvalidPayment{Status: status, Body: body, Header: encoded}
}

func protocolError(status int, reason, message string) *FlowProtocolError {
	return &FlowProtocolError{Status: status, Body: &ErrorBody{Error: message, Reason: reason}}
}

func (o *Orchestrator) log(p *pendingSettlement) logrus.FieldLogger {
	return o.logger.WithFields(logrus.Fields{
		"path":    p.request.Path,
		"payer":   p.payer,
		"scheme":  p.requirements.Scheme,
		"network": p.requirements.Network,
		"nonce":   p.payload.Payload.Authorization.Nonce,
	})
}

// settle runs the settlement for amount, awaiting it unless a TaskRunner is
// configured. Settlement runs detached from the request's cancellation: the
// resource has already been served.
func (o *Orchestrator) settle(ctx context.Context, p *pendingSettlement, amount string) *SettlementReceipt {
	receipt := &SettlementReceipt{
		SettledAmount: amount,
		Payer:         p.payer,
		Network:       p.requirements.Network,
	}

	detached := context.WithoutCancel(ctx)

	if o.tasks != nil {
		o.tasks.Go("settle "+p.payload.Payload.Authorization.Nonce, func(taskCtx context.Context) error {
			_, err := o.executeSettlement(taskCtx, p, amount)
			return err
		})
		receipt.Pending = true
		return receipt
	}

	settleCtx, cancel := context.WithTimeout(detached, o.settlementTimeout)
	defer cancel()

	result, err := o.executeSettlement(settleCtx, p, amount)
	if err != nil {
		return nil
	}

	receipt.Transaction = result.Transaction
	if result.SettledAmount != "" {
		receipt.SettledAmount = result.SettledAmount
	}
	return receipt
}

// executeSettlement records the intent, settles, and logs the outcome. A
// failed SettleResult is returned as an error.
func (o *Orchestrator) executeSettlement(ctx context.Context, p *pendingSettlement, amount string) (*SettleResult, error) {
	logger := o.log(p).WithField("amount", amount)

	if o.intents != nil {
		intent := &SettlementIntent{
			ID:               uuid.NewString(),
			Payload:          *p.payload,
			Requirements:     *p.requirements,
			SettlementAmount: amount,
			Scheme:           p.requirements.Scheme,
			CreatedAt:        o.now().UTC(),
		}
		if err := o.intents.Record(ctx, intent); err != nil {
			logger.WithError(err).Error("Failed to record settlement intent")
		} else {
			logger = logger.WithField("intent", intent.ID)
		}
	}

	result, err := o.facilitator.Settle(ctx, p.payload, p.requirements, amount)
	if err != nil {
		logger.WithError(err).Error("Settlement call failed")
		return nil, fmt.Errorf("settlement call failed: %w", err)
	}

	if !result.Success {
		logger.WithFields(logrus.Fields{
			"reason":      result.ErrorReason,
			"transaction": result.Transaction,
		}).Error("Settlement failed: " + result.ErrorMessage)
		return result, errors.New(result.ErrorReason)
	}

	logger.WithField("transaction", result.Transaction).Info("Payment settled")
	return result, nil
}
