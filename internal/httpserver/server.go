// Package httpserver exposes the margin service HTTP API.
package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/Duds/CouncilWorks-sub003/internal/auth"
	"github.com/Duds/CouncilWorks-sub003/internal/margin"
	"github.com/Duds/CouncilWorks-sub003/internal/service"
	"github.com/Duds/CouncilWorks-sub003/internal/store"
)

// OrgHeader names the header carrying the caller's organisation. Requests
// without it fall back to the server's default organisation.
const OrgHeader = "X-Organisation-ID"

type Server struct {
	service    *service.Service
	verifier   *auth.Verifier
	store      store.Store
	defaultOrg string
}

func New(svc *service.Service, verifier *auth.Verifier, st store.Store, defaultOrg string) *Server {
	if defaultOrg == "" {
		defaultOrg = "default"
	}
	return &Server{service: svc, verifier: verifier, store: st, defaultOrg: defaultOrg}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)

	r.Get("/margin/status", s.handleStatus)
	r.Get("/margin/metrics", s.handleMetrics)
	r.Get("/margin/forecast", s.handleForecast)
	r.Get("/margin/deployments", s.handleDeployments)

	// Mutations require the write scope when auth is enabled.
	r.Group(func(r chi.Router) {
		r.Use(s.verifier.Middleware)
		r.Post("/margin/signals", s.handleSignals)
		r.Post("/margin/deployments/{id}/status", s.handleDeploymentStatus)
		r.Put("/margin/config", s.handleConfig)
		r.Put("/margin/thresholds", s.handleThresholds)
		r.Put("/margin/policies", s.handlePolicies)
	})

	return r
}

func (s *Server) orgID(r *http.Request) string {
	if org := r.Header.Get(OrgHeader); org != "" {
		return org
	}
	return s.defaultOrg
}

var validModes = map[margin.ResilienceMode]bool{
	margin.ModeNormal:      true,
	margin.ModeElevated:    true,
	margin.ModeHighStress:  true,
	margin.ModeEmergency:   true,
	margin.ModeRecovery:    true,
	margin.ModeMaintenance: true,
}

type signalsBody struct {
	Signals []*margin.Signal      `json:"signals"`
	Mode    margin.ResilienceMode `json:"resilienceMode"`
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	var body signalsBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Mode == "" {
		body.Mode = margin.ModeNormal
	}
	if !validModes[body.Mode] {
		respondError(w, http.StatusBadRequest, "unknown resilience mode")
		return
	}
	result, err := s.service.ProcessSignals(r.Context(), s.orgID(r), body.Signals, body.Mode)
	if err != nil {
		// Engine state already advanced; report the persistence failure.
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.service.Status(s.orgID(r)))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.service.Metrics(s.orgID(r)))
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	horizon := 0
	if raw := r.URL.Query().Get("horizonDays"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid horizonDays")
			return
		}
		horizon = n
	}
	respondJSON(w, http.StatusOK, s.service.Forecast(s.orgID(r), horizon))
}

func (s *Server) handleDeployments(w http.ResponseWriter, r *http.Request) {
	records, err := s.service.ActiveDeployments(r.Context(), s.orgID(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"deployments": records,
	})
}

type deploymentStatusBody struct {
	Status margin.DeploymentStatus `json:"status"`
	Detail string                  `json:"detail,omitempty"`
}

func (s *Server) handleDeploymentStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var body deploymentStatusBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	record, err := s.service.ReportDeploymentStatus(r.Context(), id, body.Status, body.Detail)
	if err != nil {
		status := http.StatusBadRequest
		if err == store.ErrNotFound {
			status = http.StatusNotFound
		}
		respondError(w, status, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	var update margin.ConfigurationUpdate
	if err := decodeJSON(w, r, &update); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	org := s.orgID(r)
	s.service.UpdateConfig(org, update)
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type thresholdsBody struct {
	Thresholds []margin.MarginThreshold `json:"thresholds"`
}

func (s *Server) handleThresholds(w http.ResponseWriter, r *http.Request) {
	var body thresholdsBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, th := range body.Thresholds {
		if !validMarginType(th.MarginType) {
			respondError(w, http.StatusBadRequest, "unknown margin type "+string(th.MarginType))
			return
		}
	}
	s.service.UpdateThresholds(s.orgID(r), body.Thresholds)
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type policiesBody struct {
	Policies []margin.MarginPolicy `json:"policies"`
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	var body policiesBody
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.service.UpdatePolicies(s.orgID(r), body.Policies)
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func validMarginType(mt margin.MarginType) bool {
	for _, known := range margin.MarginTypes {
		if mt == known {
			return true
		}
	}
	return false
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
