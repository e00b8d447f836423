package x402

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds the middleware configuration.
type Config struct {
	// Facilitator verifies and settles payments (local engine or remote client).
	Facilitator Facilitator

	// Strategy selects the payment scheme. Defaults to the upto (metered) scheme.
	Strategy Strategy

	// EndpointPricing maps URL patterns to pricing rules.
	// Patterns support exact matches ("/v1/endpoint"), wildcards ("/v1/*"),
	// path.Match globs, and an optional method prefix ("POST /v1/endpoint").
	// Used by HTTP middleware (grpc-gateway).
	EndpointPricing Routes

	// MethodPricing maps gRPC method names to pricing rules.
	// Methods are full names like "/package.Service/Method".
	// Supports wildcards: "/package.Service/*" matches all methods in a service.
	// Used by native gRPC interceptors.
	MethodPricing Routes

	// Assets maps a CAIP-2 network to its default asset. Tokens without an
	// AssetContract are resolved here.
	Assets map[string]AssetInfo

	// ValidityDuration is how long payment requirements are valid.
	// Defaults to 5 minutes.
	ValidityDuration time.Duration

	// SkipPaths lists paths that should bypass payment checks entirely.
	SkipPaths []string

	// SkipMethods lists gRPC methods that should bypass payment checks.
	SkipMethods []string

	// Intents, when set, records a SettlementIntent before every settlement.
	Intents IntentStore

	// Tasks, when set, runs settlements in the background instead of holding
	// the response until the ledger confirms.
	Tasks TaskRunner

	// SettlementTimeout bounds a single settlement. Defaults to 2 minutes.
	SettlementTimeout time.Duration

	// Logger receives structured logs. Defaults to the logrus standard logger.
	Logger logrus.FieldLogger

	// PaywallHTML, when set, is served to browsers instead of the JSON 402 body.
	PaywallHTML string
}

// AssetInfo describes the default settlement asset of a network.
type AssetInfo struct {
	Address  string `yaml:"address"`
	Symbol   string `yaml:"symbol"`
	Decimals int    `yaml:"decimals"`
}

// MeterFunc computes the amount to settle, in atomic units, once the
// protected resource has produced its response.
type MeterFunc func(ctx context.Context, in *MeterInput) (string, error)

// MeterInput is what a metering function sees.
type MeterInput struct {
	Request      *Request
	Response     *ResourceResponse
	Requirements *PaymentRequirements
	Payer        string
}

// PricingRule defines payment requirements for an endpoint.
type PricingRule struct {
	// Price is the dollar-decimal price, e.g. "$0.01". For the upto scheme it
	// is the maximum a single request may be charged.
	Price string `yaml:"price"`

	// MaxPrice, when set, overrides Price as the upto scheme's maximum.
	MaxPrice string `yaml:"maxPrice"`

	// AcceptedTokens lists the currencies/tokens accepted for this endpoint.
	AcceptedTokens []TokenRequirement `yaml:"tokens"`

	// Description explains what this payment is for.
	Description string `yaml:"description"`

	// MimeType of the resource being sold (optional).
	MimeType string `yaml:"mimeType"`

	// Meter overrides the strategy's metering function for this route.
	Meter MeterFunc `yaml:"-"`
}

// TokenRequirement specifies a payment option (network + token).
type TokenRequirement struct {
	// Network is the blockchain network in CAIP-2 format (e.g., "eip155:8453").
	Network string `yaml:"network"`

	// AssetContract is the token contract address. When empty the network's
	// asset from Config.Assets is used.
	AssetContract string `yaml:"asset"`

	// Symbol is the token symbol (e.g., "USDC").
	Symbol string `yaml:"symbol"`

	// Recipient is the address that will receive payment.
	Recipient string `yaml:"recipient"`

	// Amount is an explicit atomic amount that overrides the rule's price.
	Amount string `yaml:"amount"`

	// TokenName and TokenVersion are advertised in the requirements' extra.
	TokenName    string `yaml:"tokenName"`
	TokenVersion string `yaml:"tokenVersion"`

	// TokenDecimals is used to convert the rule's price. Defaults to 6.
	TokenDecimals int `yaml:"decimals"`
}

// Routes maps route patterns to pricing rules.
type Routes map[string]PricingRule

// Validate checks if the configuration is valid and fills defaults.
func (c *Config) Validate() error {
	if c.Facilitator == nil {
		return fmt.Errorf("facilitator is required")
	}

	if c.Strategy == nil {
		c.Strategy = &UptoStrategy{}
	}

	if c.ValidityDuration == 0 {
		c.ValidityDuration = 5 * time.Minute
	}

	if c.SettlementTimeout == 0 {
		c.SettlementTimeout = 2 * time.Minute
	}

	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}

	for pattern, rule := range c.EndpointPricing {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("invalid pricing rule for pattern %q: %w", pattern, err)
		}
	}

	for method, rule := range c.MethodPricing {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("invalid pricing rule for method %q: %w", method, err)
		}
	}

	for network, asset := range c.Assets {
		if !hexAddress.MatchString(asset.Address) {
			return fmt.Errorf("invalid asset address for network %q", network)
		}
	}

	return nil
}

// Validate checks if the pricing rule is valid.
func (p *PricingRule) Validate() error {
	if len(p.AcceptedTokens) == 0 {
		return fmt.Errorf("at least one accepted token is required")
	}

	for _, price := range []string{p.Price, p.MaxPrice} {
		if price == "" {
			continue
		}
		if _, err := ParsePrice(price, DefaultTokenDecimals); err != nil {
			return fmt.Errorf("invalid price %q: %w", price, err)
		}
	}

	for i, token := range p.AcceptedTokens {
		if err := token.Validate(); err != nil {
			return fmt.Errorf("invalid token requirement at index %d: %w", i, err)
		}
		if token.Amount == "" && p.Price == "" && p.MaxPrice == "" {
			return fmt.Errorf("token requirement at index %d has no amount and the rule has no price", i)
		}
	}

	return nil
}

// Validate checks if the token requirement is valid.
func (t *TokenRequirement) Validate() error {
	if t.Network == "" {
		return fmt.Errorf("network is required")
	}

	if !hexAddress.MatchString(t.Recipient) {
		return fmt.Errorf("recipient must be a hex address")
	}

	if t.AssetContract != "" && !hexAddress.MatchString(t.AssetContract) {
		return fmt.Errorf("asset contract must be a hex address")
	}

	if t.Amount != "" && !decimalInteger.MatchString(t.Amount) {
		return fmt.Errorf("amount must be an atomic decimal integer")
	}

	return nil
}

func (t *TokenRequirement) decimals() int {
	if t.TokenDecimals > 0 {
		return t.TokenDecimals
	}
	return DefaultTokenDecimals
}

// MatchEndpoint finds the pricing rule for a given HTTP method and path.
func (c *Config) MatchEndpoint(method, requestPath string) (*PricingRule, bool) {
	for _, skipPath := range c.SkipPaths {
		if matchPath(requestPath, skipPath) {
			return nil, false
		}
	}
	return c.EndpointPricing.Match(method, requestPath)
}

// MatchMethod finds the pricing rule for a given gRPC method.
func (c *Config) MatchMethod(fullMethod string) (*PricingRule, bool) {
	for _, skipMethod := range c.SkipMethods {
		if matchPath(fullMethod, skipMethod) {
			return nil, false
		}
	}
	return c.MethodPricing.Match("", fullMethod)
}

// Match finds the rule for a request. Exact patterns win, then the longest
// matching pattern. A pattern may be prefixed with an HTTP method.
func (r Routes) Match(method, requestPath string) (*PricingRule, bool) {
	var bestMatch string
	var bestRule *PricingRule

	for pattern, rule := range r {
		patternMethod, patternPath := splitPattern(pattern)
		if patternMethod != "" && !strings.EqualFold(patternMethod, method) {
			continue
		}

		if patternPath == requestPath {
			ruleCopy := rule
			return &ruleCopy, true
		}

		if matchPath(requestPath, patternPath) && len(pattern) > len(bestMatch) {
			bestMatch = pattern
			ruleCopy := rule
			bestRule = &ruleCopy
		}
	}

	if bestRule != nil {
		return bestRule, true
	}

	return nil, false
}

func splitPattern(pattern string) (method, p string) {
	if i := strings.IndexByte(pattern, ' '); i > 0 {
		return pattern[:i], strings.TrimSpace(pattern[i+1:])
	}
	return "", pattern
}

func matchPath(requestPath, pattern string) bool {
	if requestPath == pattern {
		return true
	}

	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return strings.HasPrefix(requestPath, prefix+"/") || requestPath == prefix
	}

	matched, _ := path.Match(pattern, requestPath)
	return matched
}

// routesFile is the YAML layout read by LoadRoutes.
type routesFile struct {
	Assets map[string]AssetInfo   `yaml:"assets"`
	Routes map[string]PricingRule `yaml:"routes"`
	Skip   []string               `yaml:"skip"`
}

// LoadRoutes reads pricing rules, network assets and skip paths from YAML:
//
//	assets:
//	  eip155:84532: {address: "0x036C...", symbol: USDC, decimals: 6}
//	routes:
//	  "GET /v1/search":
//	    price: "$0.01"
//	    tokens:
//	      - network: eip155:84532
//	        recipient: "0x..."
//	skip: ["/health"]
func (c *Config) LoadRoutes(r io.Reader) error {
	var file routesFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return fmt.Errorf("failed to parse routes: %w", err)
	}

	if c.EndpointPricing == nil {
		c.EndpointPricing = Routes{}
	}
	for pattern, rule := range file.Routes {
		c.EndpointPricing[pattern] = rule
	}

	if c.Assets == nil {
		c.Assets = map[string]AssetInfo{}
	}
	for network, asset := range file.Assets {
		c.Assets[network] = asset
	}

	c.SkipPaths = append(c.SkipPaths, file.Skip...)
	return nil
}
