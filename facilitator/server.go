package facilitator

import (
	"encoding/json"
	"io"
	"net/http"

	x402 "github.com/becomeliminal/x402-upto"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

// Server exposes an x402.Facilitator over HTTP. Policy rejections and failed
// settlements are 200 responses carrying the result; malformed bodies are
// 400; engine faults are 503 so remote clients retry them.
type Server struct {
	facilitator x402.Facilitator
	logger      logrus.FieldLogger
}

// NewServer creates a Server for f.
func NewServer(f x402.Facilitator, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{facilitator: f, logger: logger.WithField("category", "facilitator_server")}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get(PathHealth, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, &HealthResponse{Status: "ok"})
	})
	r.Get(PathSupported, s.handleSupported)

	r.Post(PathVerify, s.handleVerify(x402.SchemeUpto))
	r.Post(PathVerifyExact, s.handleVerify(x402.SchemeExact))
	r.Post(PathSettle, s.handleSettle(x402.SchemeUpto))
	r.Post(PathSettleExact, s.handleSettle(x402.SchemeExact))

	return r
}

func (s *Server) handleSupported(w http.ResponseWriter, r *http.Request) {
	supported, err := s.facilitator.Supported(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Supported failed")
		writeError(w, http.StatusServiceUnavailable, "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, supported)
}

func (s *Server) handleVerify(scheme x402.Scheme) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readBody(w, r)
		if !ok {
			return
		}

		req, err := parseVerifyRequest(body, scheme)
		if err != nil {
			writeError(w, http.StatusBadRequest, x402.GetPaymentErrorCode(err), err.Error())
			return
		}

		result, err := s.facilitator.Verify(r.Context(), req.Payload, req.Requirements)
		if err != nil {
			s.logger.WithError(err).WithField("request_id", middleware.GetReqID(r.Context())).Error("Verification fault")
			writeError(w, http.StatusServiceUnavailable, x402.ReasonVerificationUnavailable, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleSettle(scheme x402.Scheme) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readBody(w, r)
		if !ok {
			return
		}

		req, err := parseSettleRequest(body, scheme)
		if err != nil {
			writeError(w, http.StatusBadRequest, x402.GetPaymentErrorCode(err), err.Error())
			return
		}

		result, err := s.facilitator.Settle(r.Context(), req.Payload, req.Requirements, req.SettlementAmount)
		if err != nil {
			s.logger.WithError(err).WithField("request_id", middleware.GetReqID(r.Context())).Error("Settlement fault")
			writeError(w, http.StatusServiceUnavailable, x402.ReasonSettlementFailed, err.Error())
			return
		}

		if !result.Success {
			s.logger.WithFields(logrus.Fields{
				"reason":  result.ErrorReason,
				"payer":   result.Payer,
				"network": result.Network,
			}).Warn("Settlement rejected")
		}

		writeJSON(w, http.StatusOK, result)
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, x402.ErrCodeMalformedPayload, "failed to read body: "+err.Error())
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason, message string) {
	writeJSON(w, status, &x402.ErrorBody{Error: message, Reason: reason})
}
