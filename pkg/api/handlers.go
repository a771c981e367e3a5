package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/seamusabshere/fuzzy-infer/pkg/inference"
	"github.com/seamusabshere/fuzzy-infer/pkg/logging"
	"github.com/seamusabshere/fuzzy-infer/pkg/models"
)

var validate = validator.New()

// InferRequest is the body of POST /api/v1/entities/{entity}/infer. Null
// and absent record fields are both treated as unknown.
type InferRequest struct {
	Record  map[string]*float64 `json:"record" validate:"required"`
	Targets []string            `json:"targets" validate:"required,min=1,unique,dive,required"`
}

// InferResponse is the result of one inference
type InferResponse struct {
	EntityType string                     `json:"entity_type"`
	Estimates  map[string]models.Estimate `json:"estimates"`
	Basis      inference.Basis            `json:"basis"`
	Sigma      map[string]float64         `json:"sigma,omitempty"`
	Rows       int                        `json:"rows"`
	DurationMs float64                    `json:"duration_ms"`
}

// ConfigView describes one registered configuration
type ConfigView struct {
	Targets    []string `json:"targets" yaml:"targets"`
	Basis      []string `json:"basis" yaml:"basis"`
	RowWeight  string   `json:"row_weight,omitempty" yaml:"row_weight,omitempty"`
	Sigma      string   `json:"sigma" yaml:"sigma"`
	Membership []string `json:"membership,omitempty" yaml:"membership,omitempty"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady handles readiness check requests
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleListEntities lists the entity types with registered configurations
func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	writeSuccessResponse(w, s.catalog.EntityTypes())
}

// handleListConfigs lists the configurations for one entity type
func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	entity := mux.Vars(r)["entity"]
	configs := s.catalog.Configs(entity)
	if len(configs) == 0 {
		writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("%s: %s", models.ErrUnregisteredType, entity))
		return
	}

	views := make([]ConfigView, 0, len(configs))
	for _, cfg := range configs {
		views = append(views, NewConfigView(cfg))
	}
	writeSuccessResponse(w, views)
}

// handleInfer estimates targets for the posted record
func (s *Server) handleInfer(w http.ResponseWriter, r *http.Request) {
	entity := mux.Vars(r)["entity"]

	var req InferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequestResponse(w, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeBadRequestResponse(w, fmt.Sprintf("Invalid request: %v", err))
		return
	}

	record := make(models.Record, len(req.Record))
	for k, v := range req.Record {
		if v != nil {
			record[k] = *v
		}
	}

	result, err := s.engine.Infer(r.Context(), entity, record, req.Targets...)
	if err != nil {
		s.logger.Warn("Inference request failed",
			logging.String("entity_type", entity),
			logging.Strings("targets", req.Targets),
			logging.Error(err))
		writeInferenceError(w, err)
		return
	}

	writeSuccessResponse(w, InferResponse{
		EntityType: entity,
		Estimates:  result.Estimates,
		Basis:      result.Basis,
		Sigma:      result.Sigma,
		Rows:       result.Rows,
		DurationMs: result.Duration.Seconds() * 1000,
	})
}

// handleListImputations lists stored batch estimates for one entity type
func (s *Server) handleListImputations(w http.ResponseWriter, r *http.Request) {
	entity := mux.Vars(r)["entity"]
	imps, err := s.store.ListImputations(r.Context(), entity)
	if err != nil {
		writeInternalServerErrorResponse(w, fmt.Sprintf("Failed to list imputations: %v", err))
		return
	}
	limit := parseLimit(r, len(imps))
	if limit < len(imps) {
		imps = imps[:limit]
	}
	writeSuccessResponse(w, imps)
}

// handleListJobs lists scheduled imputation jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeSuccessResponse(w, s.scheduler.List())
}

// handleGetJob returns one scheduled job
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.scheduler.Get(mux.Vars(r)["id"])
	if err != nil {
		writeErrorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	writeSuccessResponse(w, job)
}

// handleRunJob runs a scheduled job immediately
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.scheduler.Get(id); err != nil {
		writeErrorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	summary, err := s.scheduler.RunNow(r.Context(), id)
	if err != nil {
		writeInferenceError(w, err)
		return
	}
	writeSuccessResponse(w, summary)
}

// NewConfigView summarizes cfg for display
func NewConfigView(cfg *models.InferenceConfig) ConfigView {
	view := ConfigView{
		Targets:   cfg.Targets,
		Basis:     cfg.Basis,
		RowWeight: cfg.RowWeight,
	}
	switch rule := cfg.Sigma.(type) {
	case models.StddevDistance:
		view.Sigma = fmt.Sprintf("stddev/%g + |avg - value|/%g", rule.StddevDivisor, rule.DistanceDivisor)
	case models.FixedSigma:
		view.Sigma = fmt.Sprintf("fixed %g", float64(rule))
	default:
		view.Sigma = "custom"
	}
	if pm, ok := cfg.Membership.(*models.PatternMembership); ok {
		view.Membership = pm.Patterns()
	}
	return view
}

// parseLimit extracts and validates a limit parameter from the request, returning default if invalid
func parseLimit(r *http.Request, defaultLimit int) int {
	limitParam := r.URL.Query().Get("limit")
	if limitParam == "" {
		return defaultLimit
	}

	var limit int
	if n, err := fmt.Sscanf(limitParam, "%d", &limit); err == nil && n == 1 && limit > 0 {
		return limit
	}
	return defaultLimit
}
