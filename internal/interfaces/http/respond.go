package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/borrowdesk/locatefee/internal/domain"
)

// Wire status discriminators. Success payloads carry their own
// top-level status field with the domain data flattened beside it;
// failures use errorEnvelope.
const (
	statusSuccess = "success"
	statusError   = "error"
)

type errorBody struct {
	Code    domain.Code `json:"code"`
	Message string      `json:"message"`
	Details string      `json:"details,omitempty"`
}

// errorEnvelope is the uniform failure body.
type errorEnvelope struct {
	Status        string     `json:"status"`
	Error         *errorBody `json:"error"`
	CorrelationID string     `json:"correlation_id"`
	Timestamp     time.Time  `json:"timestamp"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}

// writeError surfaces a typed error: stable code, offending field in
// details for validation failures, nothing from the cause chain.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := &errorBody{Code: domain.CodeInternal, Message: "internal error"}
	var de *domain.Error
	if errors.As(err, &de) {
		body.Code = de.Code
		body.Message = de.Message
		body.Details = de.Field
	}

	status := domain.HTTPStatus(body.Code)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("correlation_id", domain.CorrelationID(r.Context())).Msg("request failed")
	}

	s.writeJSON(w, status, errorEnvelope{
		Status:        statusError,
		Error:         body,
		CorrelationID: domain.CorrelationID(r.Context()),
		Timestamp:     time.Now().UTC(),
	})
}
