package hcserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/EnMasseProject/enmasse-sub000/internal/models"
)

const healthCheckSubject = "health-check"

type HealthCheckRequest struct {
	Subject       string                `json:"subject,omitempty"`
	CorrelationID any                   `json:"correlation_id,omitempty"`
	ReplyTo       string                `json:"reply_to,omitempty"`
	Body          []models.AddressCheck `json:"body"`
}

type HealthCheckResponse struct {
	To            string `json:"to,omitempty"`
	CorrelationID any    `json:"correlation_id,omitempty"`
	Body          bool   `json:"body"`
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req HealthCheckRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to decode health-check request: %w", err))
		return
	}
	if req.Subject != "" && req.Subject != healthCheckSubject {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unexpected subject %q", req.Subject))
		return
	}

	ok := s.crd.VerifyAddresses(req.Body)
	log.Debug().Msgf("health-check of %d addresses for %s: %t", len(req.Body), req.ReplyTo, ok)
	writeJSON(w, http.StatusOK, HealthCheckResponse{
		To:            req.ReplyTo,
		CorrelationID: req.CorrelationID,
		Body:          ok,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
