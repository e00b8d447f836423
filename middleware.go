package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// V2 header names.
const (
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"
	HeaderPaymentRequired  = "PAYMENT-REQUIRED"

	// V1 legacy header names.
	HeaderLegacyPayment         = "X-PAYMENT"
	HeaderLegacyPaymentResponse = "X-PAYMENT-RESPONSE"

	// Settlement receipt headers.
	HeaderPaymentSettled = "X-Payment-Settled"
	HeaderPaymentPayer   = "X-Payment-Payer"
)

// PaymentMiddleware creates HTTP middleware that enforces x402 payment requirements.
// It detects V2 headers (PAYMENT-SIGNATURE) first and falls back to V1 (X-PAYMENT).
//
// The protected handler's response is buffered so that it can be metered and
// settled before anything reaches the client; a failed handler (status >= 400)
// is never charged.
func PaymentMiddleware(cfg Config) func(http.Handler) http.Handler {
	orchestrator, err := NewOrchestrator(&cfg)
	if err != nil {
		panic(fmt.Sprintf("invalid x402 middleware configuration: %v", err))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, requiresPayment := cfg.MatchEndpoint(r.Method, r.URL.Path); !requiresPayment {
				next.ServeHTTP(w, r)
				return
			}

			req := &Request{
				Method: r.Method,
				Path:   r.URL.Path,
				URL:    requestURL(r),
				Header: r.Header,
			}

			switch result := orchestrator.Process(r.Context(), req, cfg.EndpointPricing, cfg.Strategy).(type) {
			case FlowPass:
				next.ServeHTTP(w, r)

			case *FlowPaymentRequired:
				sendPaymentRequired(w, r, result, &cfg)

			case *FlowInvalidPayment:
				w.Header().Set(HeaderPaymentRequired, result.Header)
				sendJSON(w, result.Status, result.Body)

			case *FlowProtocolError:
				sendJSON(w, result.Status, result.Body)

			case *FlowVerified:
				serveVerified(w, r, next, result)
			}
		})
	}
}

func serveVerified(w http.ResponseWriter, r *http.Request, next http.Handler, verified *FlowVerified) {
	paymentCtx := &PaymentContext{
		Verified:     true,
		PayerAddress: verified.Payer,
		MaxAmount:    verified.Requirements.MaxAmount,
		Asset:        verified.Requirements.Asset,
		Scheme:       verified.Requirements.Scheme,
		Network:      verified.Requirements.Network,
	}
	ctx := context.WithValue(r.Context(), PaymentContextKey, paymentCtx)

	rec := newResponseRecorder()
	next.ServeHTTP(rec, r.WithContext(ctx))

	receipt := verified.Settle(ctx, &ResourceResponse{
		StatusCode: rec.status,
		Header:     rec.header,
		Body:       rec.body.Bytes(),
	})

	for key, values := range rec.header {
		w.Header()[key] = values
	}

	if receipt != nil {
		w.Header().Set(HeaderPaymentSettled, receipt.SettledAmount)
		w.Header().Set(HeaderPaymentPayer, receipt.Payer)

		paymentResponse := &PaymentResponse{
			Success:       true,
			Transaction:   receipt.Transaction,
			Network:       receipt.Network,
			Payer:         receipt.Payer,
			SettledAmount: receipt.SettledAmount,
			Pending:       receipt.Pending,
		}
		if encoded, err := EncodePaymentResponse(paymentResponse); err == nil {
			if r.Header.Get(HeaderPaymentSignature) == "" && r.Header.Get(HeaderLegacyPayment) != "" {
				w.Header().Set(HeaderLegacyPaymentResponse, encoded)
			} else {
				w.Header().Set(HeaderPaymentResponse, encoded)
			}
		}
	}

	w.WriteHeader(rec.status)
	w.Write(rec.body.Bytes())
}

// responseRecorder buffers a handler's response until settlement has run.
type responseRecorder struct {
	header      http.Header
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{header: http.Header{}, status: http.StatusOK}
}

func (r *responseRecorder) Header() http.Header {
	return r.header
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.status = status
	r.wroteHeader = true
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.body.Write(b)
}

// sendPaymentRequired sends a 402 Payment Required response with V2 format.
func sendPaymentRequired(w http.ResponseWriter, r *http.Request, result *FlowPaymentRequired, cfg *Config) {
	w.Header().Set(HeaderPaymentRequired, result.Header)

	if cfg.PaywallHTML != "" && isBrowserRequest(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(cfg.PaywallHTML))
		return
	}

	sendJSON(w, http.StatusPaymentRequired, result.Challenge)
}

func sendJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// GetPaymentFromContext extracts payment information from the request context.
func GetPaymentFromContext(ctx context.Context) (*PaymentContext, bool) {
	payment, ok := ctx.Value(PaymentContextKey).(*PaymentContext)
	return payment, ok
}

// RequirePayment extracts payment from context and returns error if not found.
func RequirePayment(ctx context.Context) (*PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("payment context not found")
	}
	if !payment.Verified {
		return nil, fmt.Errorf("payment not verified")
	}
	return payment, nil
}

func isBrowserRequest(r *http.Request) bool {
	userAgent := r.Header.Get("User-Agent")
	if userAgent == "" {
		return false
	}

	accept := r.Header.Get("Accept")
	if accept != "" && !strings.Contains(accept, "text/html") {
		return false
	}

	browserIndicators := []string{"Mozilla/", "Chrome/", "Safari/", "Firefox/", "Edge/", "Opera/"}
	for _, indicator := range browserIndicators {
		if strings.Contains(userAgent, indicator) {
			return true
		}
	}

	return false
}
