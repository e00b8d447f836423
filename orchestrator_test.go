package x402

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type memoryIntents struct {
	mu      sync.Mutex
	intents []*SettlementIntent
	err     error
}

func (m *memoryIntents) Record(ctx context.Context, intent *SettlementIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.intents = append(m.intents, intent)
	return nil
}

// newTestOrchestrator validates cfg in place, so cfg.Strategy holds the
// default strategy afterwards.
func newTestOrchestrator(t *testing.T, cfg *Config) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return o
}

func paidRequest(t *testing.T, accepted PaymentRequirements) *Request {
	header := http.Header{}
	header.Set(HeaderPaymentSignature, makePaymentHeader(t, accepted))
	return &Request{Method: "GET", Path: "/v1/paid", URL: "https://api.example.com/v1/paid", Header: header}
}

func TestOrchestrator_Pass(t *testing.T) {
	cfg := testConfig(&MockFacilitator{})
	o := newTestOrchestrator(t, &cfg)

	result := o.Process(context.Background(), &Request{Method: "GET", Path: "/v1/free", Header: http.Header{}}, cfg.EndpointPricing, cfg.Strategy)
	if _, ok := result.(FlowPass); !ok {
		t.Errorf("expected FlowPass, got %T", result)
	}
}

func TestOrchestrator_ExplicitAmountOverridesPrice(t *testing.T) {
	cfg := testConfig(&MockFacilitator{})
	cfg.EndpointPricing["/v1/paid"] = PricingRule{
		Price: "$5",
		AcceptedTokens: []TokenRequirement{
			{Network: testNetwork, AssetContract: testAsset, Recipient: testRecipient, Amount: "123", TokenName: "USDC", TokenVersion: "2"},
			{Network: testNetwork, Recipient: testRecipient, TokenDecimals: 18},
		},
	}
	o := newTestOrchestrator(t, &cfg)

	result := o.Process(context.Background(), &Request{Method: "GET", Path: "/v1/paid", Header: http.Header{}}, cfg.EndpointPricing, cfg.Strategy)
	required, ok := result.(*FlowPaymentRequired)
	if !ok {
		t.Fatalf("expected FlowPaymentRequired, got %T", result)
	}

	accepts := required.Challenge.Accepts
	if accepts[0].MaxAmount != "123" || accepts[0].Extra["name"] != "USDC" || accepts[0].Extra["version"] != "2" {
		t.Errorf("unexpected first requirement %+v", accepts[0])
	}
	if accepts[1].MaxAmount != "5000000000000000000" {
		t.Errorf("expected $5 at 18 decimals, got %s", accepts[1].MaxAmount)
	}
}

func TestOrchestrator_UptoMaxPrice(t *testing.T) {
	cfg := testConfig(&MockFacilitator{})
	rule := cfg.EndpointPricing["/v1/paid"]
	rule.MaxPrice = "$0.50"
	cfg.EndpointPricing["/v1/paid"] = rule
	o := newTestOrchestrator(t, &cfg)

	req := &Request{Method: "GET", Path: "/v1/paid", Header: http.Header{}}

	upto := o.Process(context.Background(), req, cfg.EndpointPricing, &UptoStrategy{}).(*FlowPaymentRequired)
	if upto.Challenge.Accepts[0].MaxAmount != "500000" {
		t.Errorf("expected upto to advertise MaxPrice, got %s", upto.Challenge.Accepts[0].MaxAmount)
	}

	exact := o.Process(context.Background(), req, cfg.EndpointPricing, &ExactStrategy{}).(*FlowPaymentRequired)
	if exact.Challenge.Accepts[0].MaxAmount != "10000" || exact.Challenge.Accepts[0].Scheme != SchemeExact {
		t.Errorf("expected exact to advertise Price, got %+v", exact.Challenge.Accepts[0])
	}
}

func TestOrchestrator_NilStrategyUsesConfigured(t *testing.T) {
	cfg := testConfig(&MockFacilitator{})
	cfg.Strategy = &ExactStrategy{}
	o := newTestOrchestrator(t, &cfg)

	result := o.Process(context.Background(), &Request{Method: "GET", Path: "/v1/paid", Header: http.Header{}}, cfg.EndpointPricing, nil)
	required, ok := result.(*FlowPaymentRequired)
	if !ok {
		t.Fatalf("expected FlowPaymentRequired, got %T", result)
	}
	if required.Challenge.Accepts[0].Scheme != SchemeExact {
		t.Errorf("expected the configured exact scheme, got %s", required.Challenge.Accepts[0].Scheme)
	}

	unset := testConfig(&MockFacilitator{})
	o = newTestOrchestrator(t, &Config{Facilitator: unset.Facilitator, Logger: unset.Logger})
	result = o.Process(context.Background(), &Request{Method: "GET", Path: "/v1/paid", Header: http.Header{}}, unset.EndpointPricing, nil)
	if required, ok := result.(*FlowPaymentRequired); !ok || required.Challenge.Accepts[0].Scheme != SchemeUpto {
		t.Errorf("expected the default upto scheme, got %+v", result)
	}
}

func TestOrchestrator_RecordsIntentBeforeSettling(t *testing.T) {
	intents := &memoryIntents{}
	var recordedAtSettle int
	f := &MockFacilitator{}
	f.SettleFunc = func(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements, amount string) (*SettleResult, error) {
		intents.mu.Lock()
		recordedAtSettle = len(intents.intents)
		intents.mu.Unlock()
		return Settled("0xabc", amount), nil
	}

	cfg := testConfig(f)
	cfg.Intents = intents
	o := newTestOrchestrator(t, &cfg)

	result := o.Process(context.Background(), paidRequest(t, testRequirements(SchemeUpto, "10000")), cfg.EndpointPricing, cfg.Strategy)
	verified, ok := result.(*FlowVerified)
	if !ok {
		t.Fatalf("expected FlowVerified, got %T", result)
	}

	receipt := verified.Settle(context.Background(), &ResourceResponse{StatusCode: http.StatusOK})
	if receipt == nil || receipt.Transaction != "0xabc" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	if recordedAtSettle != 1 {
		t.Fatalf("expected the intent to be recorded before settling, saw %d", recordedAtSettle)
	}
	intent := intents.intents[0]
	if intent.ID == "" || intent.SettlementAmount != "10000" || intent.Scheme != SchemeUpto {
		t.Errorf("unexpected intent %+v", intent)
	}
	if intent.Payload.Payload.Authorization.Nonce != "42" || intent.Requirements.PayTo != testRecipient {
		t.Errorf("expected intent to carry payload and requirements, got %+v", intent)
	}
}

func TestOrchestrator_IntentFailureStillSettles(t *testing.T) {
	logger, hook := test.NewNullLogger()
	f := &MockFacilitator{}
	cfg := testConfig(f)
	cfg.Logger = logger
	cfg.Intents = &memoryIntents{err: errors.New("disk full")}
	o := newTestOrchestrator(t, &cfg)

	verified := o.Process(context.Background(), paidRequest(t, testRequirements(SchemeUpto, "10000")), cfg.EndpointPricing, cfg.Strategy).(*FlowVerified)
	if receipt := verified.Settle(context.Background(), &ResourceResponse{StatusCode: http.StatusOK}); receipt == nil {
		t.Fatal("expected settlement to proceed")
	}
	if len(f.settlements()) != 1 {
		t.Errorf("expected one settlement, got %v", f.settlements())
	}

	found := false
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.ErrorLevel && entry.Message == "Failed to record settlement intent" {
			found = true
		}
	}
	if !found {
		t.Error("expected the intent failure to be logged")
	}
}

func TestOrchestrator_SettlementOutlivesRequest(t *testing.T) {
	var settleCtxErr error
	f := &MockFacilitator{}
	f.SettleFunc = func(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements, amount string) (*SettleResult, error) {
		settleCtxErr = ctx.Err()
		return Settled("0xabc", amount), nil
	}
	cfg := testConfig(f)
	o := newTestOrchestrator(t, &cfg)

	ctx, cancel := context.WithCancel(context.Background())
	verified := o.Process(ctx, paidRequest(t, testRequirements(SchemeUpto, "10000")), cfg.EndpointPricing, cfg.Strategy).(*FlowVerified)
	cancel()

	receipt := verified.Settle(ctx, &ResourceResponse{StatusCode: http.StatusOK})
	if receipt == nil {
		t.Fatal("expected settlement despite the cancelled request")
	}
	if settleCtxErr != nil {
		t.Errorf("expected settlement context to be live, got %v", settleCtxErr)
	}
}

func TestOrchestrator_DeferredSettlement(t *testing.T) {
	logger, _ := test.NewNullLogger()
	tasks := NewBackgroundTasks(time.Minute, logger)

	release := make(chan struct{})
	f := &MockFacilitator{}
	f.SettleFunc = func(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements, amount string) (*SettleResult, error) {
		<-release
		return Settled("0xabc", amount), nil
	}

	cfg := testConfig(f)
	cfg.Tasks = tasks
	o := newTestOrchestrator(t, &cfg)

	verified := o.Process(context.Background(), paidRequest(t, testRequirements(SchemeUpto, "10000")), cfg.EndpointPricing, cfg.Strategy).(*FlowVerified)
	receipt := verified.Settle(context.Background(), &ResourceResponse{StatusCode: http.StatusOK})

	if receipt == nil || !receipt.Pending || receipt.Transaction != "" || receipt.SettledAmount != "10000" {
		t.Fatalf("expected a pending receipt, got %+v", receipt)
	}

	close(release)
	if err := tasks.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if settled := f.settlements(); len(settled) != 1 || settled[0] != "10000" {
		t.Errorf("expected background settlement of 10000, got %v", settled)
	}
}

func TestOrchestrator_SettleErrorReturnsNil(t *testing.T) {
	f := &MockFacilitator{}
	f.SettleFunc = func(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements, amount string) (*SettleResult, error) {
		return nil, ErrFacilitatorUnavailable
	}
	cfg := testConfig(f)
	o := newTestOrchestrator(t, &cfg)

	verified := o.Process(context.Background(), paidRequest(t, testRequirements(SchemeUpto, "10000")), cfg.EndpointPricing, cfg.Strategy).(*FlowVerified)
	if receipt := verified.Settle(context.Background(), &ResourceResponse{StatusCode: http.StatusOK}); receipt != nil {
		t.Errorf("expected nil receipt, got %+v", receipt)
	}
}

func TestOrchestrator_InvalidMeterAmount(t *testing.T) {
	f := &MockFacilitator{}
	cfg := testConfig(f)
	cfg.Strategy = &UptoStrategy{Meter: func(ctx context.Context, in *MeterInput) (string, error) {
		return "-5", nil
	}}
	o := newTestOrchestrator(t, &cfg)

	verified := o.Process(context.Background(), paidRequest(t, testRequirements(SchemeUpto, "10000")), cfg.EndpointPricing, cfg.Strategy).(*FlowVerified)
	if receipt := verified.Settle(context.Background(), &ResourceResponse{StatusCode: http.StatusOK}); receipt != nil {
		t.Errorf("expected nil receipt, got %+v", receipt)
	}
	if len(f.settlements()) != 0 {
		t.Errorf("expected no settlement, got %v", f.settlements())
	}
}

func TestOrchestrator_CaseInsensitiveMatch(t *testing.T) {
	cfg := testConfig(&MockFacilitator{})
	o := newTestOrchestrator(t, &cfg)

	accepted := testRequirements(SchemeUpto, "10000")
	accepted.Asset = "0x036cbd53842c5426634e7929541ec2318f3dcf7e"

	result := o.Process(context.Background(), paidRequest(t, accepted), cfg.EndpointPricing, cfg.Strategy)
	if _, ok := result.(*FlowVerified); !ok {
		t.Errorf("expected FlowVerified, got %T", result)
	}
}
