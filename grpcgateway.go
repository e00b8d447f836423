package x402

import (
	"context"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"
)

// Metadata keys carrying a verified payment into gRPC handlers.
const (
	MetadataPaymentVerified = "x-payment-verified"
	MetadataPaymentPayer    = "x-payment-payer"
	MetadataPaymentMax      = "x-payment-max-amount"
	MetadataPaymentAsset    = "x-payment-asset"
	MetadataPaymentScheme   = "x-payment-scheme"
	MetadataPaymentNetwork  = "x-payment-network"
)

// WithPaymentMetadata returns a ServeMuxOption that propagates payment information
// from HTTP context to gRPC metadata, making it accessible in gRPC handlers
func WithPaymentMetadata() runtime.ServeMuxOption {
	return runtime.WithMetadata(func(ctx context.Context, r *http.Request) metadata.MD {
		payment, ok := GetPaymentFromContext(ctx)
		if !ok || payment == nil || !payment.Verified {
			return metadata.MD{}
		}
		return PaymentMetadata(payment)
	})
}

// PaymentMetadata encodes a verified payment as gRPC metadata.
func PaymentMetadata(payment *PaymentContext) metadata.MD {
	md := metadata.MD{}
	md.Set(MetadataPaymentVerified, "true")
	md.Set(MetadataPaymentPayer, payment.PayerAddress)
	md.Set(MetadataPaymentMax, payment.MaxAmount)
	md.Set(MetadataPaymentAsset, payment.Asset)
	md.Set(MetadataPaymentScheme, string(payment.Scheme))
	md.Set(MetadataPaymentNetwork, payment.Network)
	return md
}

// GetPaymentFromGRPCContext extracts payment information from gRPC metadata
// Use this in gRPC handlers to access payment details
func GetPaymentFromGRPCContext(ctx context.Context) (*PaymentContext, bool) {
	if payment, ok := GetPaymentFromContext(ctx); ok {
		return payment, true
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, false
	}

	verified := md.Get(MetadataPaymentVerified)
	if len(verified) == 0 || verified[0] != "true" {
		return nil, false
	}

	first := func(key string) string {
		if values := md.Get(key); len(values) > 0 {
			return values[0]
		}
		return ""
	}

	return &PaymentContext{
		Verified:     true,
		PayerAddress: first(MetadataPaymentPayer),
		MaxAmount:    first(MetadataPaymentMax),
		Asset:        first(MetadataPaymentAsset),
		Scheme:       Scheme(first(MetadataPaymentScheme)),
		Network:      first(MetadataPaymentNetwork),
	}, true
}

// GetHTTPPathPattern extracts the HTTP path pattern from grpc-gateway context
// This is useful if you need to make payment decisions based on the matched route
func GetHTTPPathPattern(ctx context.Context) (string, bool) {
	pattern, ok := runtime.HTTPPathPattern(ctx)
	return pattern, ok
}
