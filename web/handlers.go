package web

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dhcgn/dmarc-inbox/model"
	"github.com/dhcgn/dmarc-inbox/summary"
)

// Response is the envelope of every JSON answer.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{Error: &ErrorInfo{Code: code, Message: message}})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	if domain := strings.TrimSpace(r.URL.Query().Get("domain")); domain != "" {
		respondJSON(w, http.StatusOK, s.store.QueryByDomain(domain))
		return
	}
	respondJSON(w, http.StatusOK, s.store.QueryAll())
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	key := model.Key{OrgName: chi.URLParam(r, "org"), ReportID: chi.URLParam(r, "id")}
	entry, ok := s.store.Get(key)
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "report not found")
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleListDomains(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.store.Domains())
}

func (s *Server) handleGetDomain(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	d, ok := summary.ForDomain(s.store.QueryByDomain(domain), domain)
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no reports for domain")
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, summary.Build(s.store.QueryAll()))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		respondError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "scheduler not running")
		return
	}
	respondJSON(w, http.StatusOK, s.status.Status())
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		respondError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "scheduler not running")
		return
	}
	respondJSON(w, http.StatusOK, s.status.Failures())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		respondError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "metrics disabled")
		return
	}
	s.metrics.ServeHTTP(w, r)
}
