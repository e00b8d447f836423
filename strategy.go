package x402

import (
	"context"
	"net/http"
)

// Strategy captures what differs between payment schemes: which price field
// a route advertises, how payment headers are decoded, how the challenge is
// built, and how the settle closure is made. Everything else in the
// Orchestrator is scheme-agnostic.
//
// The interface is sealed; UptoStrategy and ExactStrategy are the only
// implementations.
type Strategy interface {
	Scheme() Scheme

	maxPrice(rule *PricingRule) string
	decode(header string) (*PaymentPayload, error)
	challenge(resource ResourceInfo, accepts []PaymentRequirements) *PaymentRequired
	settleFunc(o *Orchestrator, s *pendingSettlement) SettleFunc
}

// UptoStrategy is the metered scheme. After the resource runs, Meter decides
// how much of the authorized amount to settle. Without a meter (on the
// strategy or the route) the full maximum is charged.
type UptoStrategy struct {
	Meter MeterFunc
}

// Scheme implements Strategy.
func (s *UptoStrategy) Scheme() Scheme { return SchemeUpto }

func (s *UptoStrategy) maxPrice(rule *PricingRule) string {
	if rule.MaxPrice != "" {
		return rule.MaxPrice
	}
	return rule.Price
}

// The metered scheme has no V1 form, so legacy envelopes are rejected.
func (s *UptoStrategy) decode(header string) (*PaymentPayload, error) {
	payload, err := DecodePaymentPayload(header)
	if err != nil {
		return nil, err
	}
	if payload.X402Version < ProtocolVersion {
		return nil, malformed("the upto scheme requires x402Version >= %d, got %d", ProtocolVersion, payload.X402Version)
	}
	return payload, nil
}

func (s *UptoStrategy) challenge(resource ResourceInfo, accepts []PaymentRequirements) *PaymentRequired {
	return &PaymentRequired{
		X402Version: ProtocolVersion,
		Error:       "Payment required: authorize up to maxAmount, usage is settled after the response",
		Resource:    resource,
		Accepts:     accepts,
	}
}

func (s *UptoStrategy) settleFunc(o *Orchestrator, p *pendingSettlement) SettleFunc {
	meter := p.rule.Meter
	if meter == nil {
		meter = s.Meter
	}

	return func(ctx context.Context, resp *ResourceResponse) *SettlementReceipt {
		if resp == nil || resp.StatusCode >= http.StatusBadRequest {
			return nil
		}

		amount := p.requirements.MaxAmount
		if meter != nil {
			metered, err := meter(ctx, &MeterInput{
				Request:      p.request,
				Response:     resp,
				Requirements: p.requirements,
				Payer:        p.payer,
			})
			if err != nil {
				o.log(p).WithError(err).Error("Metering failed, payment not settled")
				return nil
			}
			if !decimalInteger.MatchString(metered) {
				o.log(p).WithField("amount", metered).Error("Metering returned an invalid amount, payment not settled")
				return nil
			}
			amount = metered
		}

		return o.settle(ctx, p, amount)
	}
}

// ExactStrategy is the fixed-price scheme: the full authorized amount is
// settled once the resource succeeds.
type ExactStrategy struct{}

// Scheme implements Strategy.
func (s *ExactStrategy) Scheme() Scheme { return SchemeExact }

func (s *ExactStrategy) maxPrice(rule *PricingRule) string {
	return rule.Price
}

func (s *ExactStrategy) decode(header string) (*PaymentPayload, error) {
	return DecodePaymentPayload(header)
}

func (s *ExactStrategy) challenge(resource ResourceInfo, accepts []PaymentRequirements) *PaymentRequired {
	return &PaymentRequired{
		X402Version: ProtocolVersion,
		Error:       "Payment required",
		Resource:    resource,
		Accepts:     accepts,
	}
}

func (s *ExactStrategy) settleFunc(o *Orchestrator, p *pendingSettlement) SettleFunc {
	return func(ctx context.Context, resp *ResourceResponse) *SettlementReceipt {
		if resp == nil || resp.StatusCode >= http.StatusBadRequest {
			return nil
		}
		return o.settle(ctx, p, p.payload.Payload.Authorization.Permitted.Amount)
	}
}
