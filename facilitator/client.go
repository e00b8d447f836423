package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	x402 "github.com/becomeliminal/x402-upto"
	"github.com/sirupsen/logrus"
)

// Options tunes a Client. Zero values select the defaults.
type Options struct {
	// MaxRetries is the number of retries after the first attempt. Defaults
	// to 3; a negative value disables retries. Settle is never retried.
	MaxRetries int

	// BaseBackoff is the wait before the first retry; it doubles per retry,
	// so retry n waits BaseBackoff * 2^(n-1). Defaults to 200ms.
	BaseBackoff time.Duration

	// Timeout bounds each attempt. Defaults to 10s.
	Timeout time.Duration

	// FailureThreshold is how many consecutive failures open the breaker. Defaults to 5.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before a trial request. Defaults to 30s.
	ResetTimeout time.Duration

	// HTTPClient overrides the transport. Its Timeout is replaced by Timeout.
	HTTPClient *http.Client

	Logger logrus.FieldLogger
}

// Client talks to a remote facilitator with retries and a circuit breaker.
// It implements x402.Facilitator.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	maxRetries  int
	baseBackoff time.Duration
	breaker     *CircuitBreaker
	logger      logrus.FieldLogger
}

// NewClient creates a client for the facilitator at baseURL.
func NewClient(baseURL string, opts Options) *Client {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 200 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	httpClient := &http.Client{}
	if opts.HTTPClient != nil {
		c := *opts.HTTPClient
		httpClient = &c
	}
	httpClient.Timeout = opts.Timeout

	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  httpClient,
		maxRetries:  opts.MaxRetries,
		baseBackoff: opts.BaseBackoff,
		breaker:     NewCircuitBreaker(opts.FailureThreshold, opts.ResetTimeout),
		logger: opts.Logger.WithFields(logrus.Fields{
			"category":    "facilitator_client",
			"facilitator": baseURL,
		}),
	}
}

// Breaker exposes the client's circuit breaker.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// Verify implements x402.Facilitator.
func (c *Client) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerifyResult, error) {
	path := PathVerify
	if requirements.Scheme == x402.SchemeExact {
		path = PathVerifyExact
	}

	var result x402.VerifyResult
	if err := c.call(ctx, http.MethodPost, path, &VerifyRequest{Payload: payload, Requirements: requirements}, &result, c.maxRetries); err != nil {
		return nil, err
	}
	return &result, nil
}

// Settle implements x402.Facilitator. Settlement is sent once: a failed
// attempt may still have landed on chain, and the nonce makes a blind resend
// unsafe.
func (c *Client) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements, amount string) (*x402.SettleResult, error) {
	req := &SettleRequest{Payload: payload, Requirements: requirements, SettlementAmount: amount}
	path := PathSettle
	if requirements.Scheme == x402.SchemeExact {
		path = PathSettleExact
		req.SettlementAmount = ""
	}

	var result x402.SettleResult
	if err := c.call(ctx, http.MethodPost, path, req, &result, 0); err != nil {
		return nil, err
	}
	return &result, nil
}

// Supported implements x402.Facilitator.
func (c *Client) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	var result x402.SupportedResponse
	if err := c.call(ctx, http.MethodGet, PathSupported, nil, &result, c.maxRetries); err != nil {
		return nil, err
	}
	return &result, nil
}

// Health checks the facilitator's liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	var result HealthResponse
	if err := c.call(ctx, http.MethodGet, PathHealth, nil, &result, c.maxRetries); err != nil {
		return err
	}
	if result.Status != "ok" {
		return fmt.Errorf("facilitator status %q", result.Status)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method, path string, in, out interface{}, retries int) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", path, err)
		}
	}

	respBody, err := c.do(ctx, method, path, body, retries)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// do sends the request, retrying network errors and 5xx responses up to
// retries times with exponential backoff. The breaker is consulted before
// every attempt. A 4xx is returned immediately and counts as a breaker
// success.
func (c *Client) do(ctx context.Context, method, path string, body []byte, retries int) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			backoff := c.baseBackoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}

			c.logger.WithField("path", path).Info(fmt.Sprintf("Retrying facilitator call (attempt %d/%d)", attempt+1, retries+1))
		}

		if err := c.breaker.Allow(); err != nil {
			return nil, err
		}

		respBody, status, err := c.send(ctx, method, path, body)
		if err != nil {
			c.breaker.Failure()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("%w: %s %s: %v", x402.ErrFacilitatorUnavailable, method, path, err)
			continue
		}

		if status >= http.StatusInternalServerError {
			c.breaker.Failure()
			c.logger.WithField("path", path).Warn(fmt.Sprintf("Facilitator server error (HTTP %d)", status))
			lastErr = &StatusError{Code: status, Body: string(respBody)}
			continue
		}

		c.breaker.Success()

		if status >= http.StatusBadRequest {
			return nil, &StatusError{Code: status, Body: string(respBody)}
		}
		return respBody, nil
	}

	c.logger.WithError(lastErr).WithField("path", path).Error(fmt.Sprintf("Facilitator call failed after %d attempts", retries+1))
	return nil, lastErr
}

func (c *Client) send(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}

	return respBody, resp.StatusCode, nil
}
