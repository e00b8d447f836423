package grpc

import (
	"context"
	"fmt"
	"net/http"

	x402 "github.com/becomeliminal/x402-upto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// StreamServerInterceptor creates a gRPC stream server interceptor that enforces x402 payments.
// Payment is verified BEFORE the stream begins and settled once the handler
// returns without error.
func StreamServerInterceptor(cfg x402.Config) grpc.StreamServerInterceptor {
	orchestrator, err := x402.NewOrchestrator(&cfg)
	if err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()

		if _, requiresPayment := cfg.MatchMethod(info.FullMethod); !requiresPayment {
			return handler(srv, ss)
		}

		md, _ := metadata.FromIncomingContext(ctx)

		verified, err := process(ctx, orchestrator, &cfg, info.FullMethod, md)
		if err != nil {
			return err
		}
		if verified == nil {
			return handler(srv, ss)
		}

		wrappedStream := &paymentServerStream{
			ServerStream: ss,
			ctx:          context.WithValue(ctx, x402.PaymentContextKey, paymentContext(verified)),
		}

		if err := handler(srv, wrappedStream); err != nil {
			return err
		}

		if receipt := verified.Settle(wrappedStream.ctx, &x402.ResourceResponse{StatusCode: http.StatusOK}); receipt != nil {
			wrappedStream.SetTrailer(receiptTrailer(receipt, isLegacy(md)))
		}

		return nil
	}
}

type paymentServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *paymentServerStream) Context() context.Context {
	return s.ctx
}
