package http

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/borrowdesk/locatefee/internal/application/pricing"
	"github.com/borrowdesk/locatefee/internal/domain"
	"github.com/borrowdesk/locatefee/internal/persistence"
)

// calculateResponse flattens the pricing result beside the wire status:
// total_fee, breakdown and borrow_rate_used sit at the top level.
type calculateResponse struct {
	Status string `json:"status"`
	pricing.Response
}

func (s *Server) handleCalculate(w http.ResponseWriter, r *http.Request) {
	var req domain.CalculationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, domain.Validation("body", "request body is not valid JSON"))
		return
	}

	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}

	resp, err := s.calc.Calculate(r.Context(), req, pricing.RequestMeta{
		CorrelationID: domain.CorrelationID(r.Context()),
		RequestID:     r.Header.Get("X-Request-ID"),
		UserAgent:     r.UserAgent(),
		IPAddress:     ip,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, calculateResponse{Status: statusSuccess, Response: resp})
}

type ratesResponse struct {
	Status string `json:"status"`
	pricing.TickerRates
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	rates, err := s.calc.Rates(r.Context(), mux.Vars(r)["ticker"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ratesResponse{Status: statusSuccess, TickerRates: rates})
}

type auditRecordResponse struct {
	Status string `json:"status"`
	domain.AuditRecord
}

func (s *Server) handleAuditGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.audits.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, auditRecordResponse{Status: statusSuccess, AuditRecord: rec})
}

// auditListResponse pages the audit trail.
type auditListResponse struct {
	Status  string               `json:"status"`
	Records []domain.AuditRecord `json:"records"`
	Total   int                  `json:"total"`
	Page    int                  `json:"page"`
	Size    int                  `json:"size"`
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	filter, page, err := parseAuditQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	records, total, err := s.audits.List(r.Context(), filter, page)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	page = page.Normalize()
	s.writeJSON(w, http.StatusOK, auditListResponse{
		Status:  statusSuccess,
		Records: records,
		Total:   total,
		Page:    page.Number,
		Size:    page.Size,
	})
}

func parseAuditQuery(q map[string][]string) (persistence.AuditFilter, persistence.Page, error) {
	get := func(key string) string {
		if vs := q[key]; len(vs) > 0 {
			return vs[0]
		}
		return ""
	}

	var filter persistence.AuditFilter
	filter.ClientID = get("client_id")
	filter.Ticker = get("ticker")
	filter.Fallback = get("fallback") == "true"

	for key, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		if v := get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return filter, persistence.Page{}, domain.Validation(key, "must be an RFC3339 timestamp")
			}
			*dst = &t
		}
	}
	for key, dst := range map[string]**decimal.Decimal{
		"min_value": &filter.MinValue,
		"max_value": &filter.MaxValue,
		"min_rate":  &filter.MinRate,
		"max_rate":  &filter.MaxRate,
	} {
		if v := get(key); v != "" {
			d, err := decimal.NewFromString(v)
			if err != nil {
				return filter, persistence.Page{}, domain.Validation(key, "must be a decimal number")
			}
			*dst = &d
		}
	}

	var page persistence.Page
	for key, dst := range map[string]*int{"page": &page.Number, "page_size": &page.Size} {
		if v := get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return filter, page, domain.Validation(key, "must be a positive integer")
			}
			*dst = n
		}
	}
	return filter, page, nil
}

// healthResponse is the liveness payload.
type healthResponse struct {
	Status  string    `json:"status"`
	Time    time.Time `json:"time"`
	Service string    `json:"service"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:  "healthy",
		Time:    time.Now().UTC(),
		Service: "locatefee",
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusNotFound, errorEnvelope{
		Status:        statusError,
		Error:         &errorBody{Code: domain.CodeNotFound, Message: "no such route"},
		CorrelationID: domain.CorrelationID(r.Context()),
		Timestamp:     time.Now().UTC(),
	})
}
