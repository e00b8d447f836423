package grpc

import (
	"context"
	"fmt"
	"net/http"

	x402 "github.com/becomeliminal/x402-upto"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// V2 metadata keys.
const (
	MetadataKeyPaymentSignature = "payment-signature"
	MetadataKeyPaymentResponse  = "payment-response"
	MetadataKeyPaymentRequired  = "payment-required"
	MetadataKeyPaymentReason    = "payment-reason"

	// V1 legacy metadata keys.
	MetadataKeyLegacyPayment         = "x402-payment"
	MetadataKeyLegacyPaymentResponse = "x402-payment-response"

	// Settlement receipt keys, sent as trailers.
	MetadataKeyPaymentSettled = "x-payment-settled"
	MetadataKeyPaymentPayer   = "x-payment-payer"
)

// paymentHeaders lifts the payment metadata into the HTTP header names the
// orchestrator reads. V2 wins when both are present.
func paymentHeaders(md metadata.MD) http.Header {
	header := http.Header{}
	if values := md.Get(MetadataKeyPaymentSignature); len(values) > 0 {
		header.Set(x402.HeaderPaymentSignature, values[0])
	}
	if values := md.Get(MetadataKeyLegacyPayment); len(values) > 0 {
		header.Set(x402.HeaderLegacyPayment, values[0])
	}
	return header
}

// isLegacy reports whether the caller paid with the V1 key only.
func isLegacy(md metadata.MD) bool {
	return len(md.Get(MetadataKeyPaymentSignature)) == 0 && len(md.Get(MetadataKeyLegacyPayment)) > 0
}

// receiptTrailer encodes a settlement receipt as response trailers.
func receiptTrailer(receipt *x402.SettlementReceipt, legacy bool) metadata.MD {
	md := metadata.Pairs(
		MetadataKeyPaymentSettled, receipt.SettledAmount,
		MetadataKeyPaymentPayer, receipt.Payer,
	)

	encoded, err := x402.EncodePaymentResponse(&x402.PaymentResponse{
		Success:       true,
		Transaction:   receipt.Transaction,
		Network:       receipt.Network,
		Payer:         receipt.Payer,
		SettledAmount: receipt.SettledAmount,
		Pending:       receipt.Pending,
	})
	if err == nil {
		if legacy {
			md.Set(MetadataKeyLegacyPaymentResponse, encoded)
		} else {
			md.Set(MetadataKeyPaymentResponse, encoded)
		}
	}

	return md
}

// WithPayment attaches a signed payment to an outgoing client context.
func WithPayment(ctx context.Context, payload *x402.PaymentPayload) (context.Context, error) {
	encoded, err := x402.EncodePaymentPayload(payload)
	if err != nil {
		return ctx, err
	}
	return metadata.AppendToOutgoingContext(ctx, MetadataKeyPaymentSignature, encoded), nil
}

// PaymentRequiredFromError extracts the challenge from an error returned by
// a paid method. The challenge travels as the status message.
func PaymentRequiredFromError(err error) (*x402.PaymentRequired, error) {
	st, ok := status.FromError(err)
	if !ok {
		return nil, fmt.Errorf("not a gRPC status error: %w", err)
	}
	return x402.DecodePaymentRequired(st.Message())
}

// PaymentResponseFromTrailer decodes the settlement receipt from call trailers.
func PaymentResponseFromTrailer(md metadata.MD) (*x402.PaymentResponse, error) {
	if values := md.Get(MetadataKeyPaymentResponse); len(values) > 0 {
		return x402.DecodePaymentResponse(values[0])
	}
	if values := md.Get(MetadataKeyLegacyPaymentResponse); len(values) > 0 {
		return x402.DecodePaymentResponse(values[0])
	}
	return nil, fmt.Errorf("no payment response in trailer")
}
