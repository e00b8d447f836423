package grpc

import (
	"context"
	"fmt"
	"net/http"

	x402 "github.com/becomeliminal/x402-upto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryServerInterceptor creates a gRPC unary server interceptor that enforces x402 payments.
// Detects V2 metadata (payment-signature) first, falls back to V1 (x402-payment).
// Settlement happens after the handler returns without error; failed calls are
// never charged.
func UnaryServerInterceptor(cfg x402.Config) grpc.UnaryServerInterceptor {
	orchestrator, err := x402.NewOrchestrator(&cfg)
	if err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if _, requiresPayment := cfg.MatchMethod(info.FullMethod); !requiresPayment {
			return handler(ctx, req)
		}

		md, _ := metadata.FromIncomingContext(ctx)

		verified, err := process(ctx, orchestrator, &cfg, info.FullMethod, md)
		if err != nil {
			return nil, err
		}
		if verified == nil {
			return handler(ctx, req)
		}

		ctx = context.WithValue(ctx, x402.PaymentContextKey, paymentContext(verified))

		resp, err := handler(ctx, req)
		if err != nil {
			return nil, err
		}

		if receipt := verified.Settle(ctx, &x402.ResourceResponse{StatusCode: http.StatusOK}); receipt != nil {
			grpc.SetTrailer(ctx, receiptTrailer(receipt, isLegacy(md)))
		}

		return resp, nil
	}
}

// process runs the orchestrator for a method call. It returns the verified
// payment, nil for an unpriced call, or the status error to send.
func process(ctx context.Context, o *x402.Orchestrator, cfg *x402.Config, fullMethod string, md metadata.MD) (*x402.FlowVerified, error) {
	req := &x402.Request{
		Path:   fullMethod,
		URL:    "grpc://" + fullMethod,
		Header: paymentHeaders(md),
	}

	switch result := o.Process(ctx, req, cfg.MethodPricing, cfg.Strategy).(type) {
	case *x402.FlowVerified:
		return result, nil

	case *x402.FlowPaymentRequired:
		grpc.SetHeader(ctx, metadata.Pairs(MetadataKeyPaymentRequired, result.Header))
		return nil, status.Error(codes.ResourceExhausted, result.Header)

	case *x402.FlowInvalidPayment:
		grpc.SetHeader(ctx, metadata.Pairs(
			MetadataKeyPaymentRequired, result.Header,
			MetadataKeyPaymentReason, result.Body.Reason,
		))
		code := codes.ResourceExhausted
		if result.Status == http.StatusPreconditionFailed {
			code = codes.FailedPrecondition
		}
		return nil, status.Error(code, result.Header)

	case *x402.FlowProtocolError:
		return nil, status.Error(protocolCode(result.Status), result.Body.Error)

	default:
		return nil, nil
	}
}

func protocolCode(httpStatus int) codes.Code {
	switch httpStatus {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func paymentContext(verified *x402.FlowVerified) *x402.PaymentContext {
	return &x402.PaymentContext{
		Verified:     true,
		PayerAddress: verified.Payer,
		MaxAmount:    verified.Requirements.MaxAmount,
		Asset:        verified.Requirements.Asset,
		Scheme:       verified.Requirements.Scheme,
		Network:      verified.Requirements.Network,
	}
}

// GetPaymentFromContext extracts payment information from the gRPC context.
func GetPaymentFromContext(ctx context.Context) (*x402.PaymentContext, bool) {
	payment, ok := ctx.Value(x402.PaymentContextKey).(*x402.PaymentContext)
	return payment, ok
}

// RequirePayment extracts payment from context and returns error if not found.
func RequirePayment(ctx context.Context) (*x402.PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.ResourceExhausted, "payment context not found")
	}
	if !payment.Verified {
		return nil, status.Error(codes.ResourceExhausted, "payment not verified")
	}
	return payment, nil
}
