package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/arushjasuja/feature-store/internal/api/middleware"
	"github.com/arushjasuja/feature-store/internal/registry"
	"github.com/arushjasuja/feature-store/internal/serving"
)

const maxBatchEntityIDs = 1000

// registerPublicRoutes marks a route as exempt from tenant authentication
// and registers it on mux in one step.
func registerPublicRoutes(mux *http.ServeMux, pattern string, handler http.HandlerFunc) {
	middleware.RegisterPublicEndpoint(publicPathFromPattern(pattern))
	mux.HandleFunc(pattern, handler)
}

// publicPathFromPattern strips the leading HTTP method from a mux pattern
// ("GET /health" -> "/health") since publicEndpoints keys on path only.
func publicPathFromPattern(pattern string) string {
	parts := strings.SplitN(pattern, " ", 2)
	if len(parts) == 2 {
		return parts[1]
	}

	return pattern
}

// setupRoutes registers every HTTP route the server exposes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	registerPublicRoutes(mux, "GET /health", s.handleHealth)
	registerPublicRoutes(mux, "GET /ready", s.handleReady)

	mux.HandleFunc("POST /api/v1/features/online", s.handleOnline)
	mux.HandleFunc("POST /api/v1/features/batch", s.handleBatch)
	mux.HandleFunc("POST /api/v1/features/register", s.handleRegister)
	mux.HandleFunc("GET /api/v1/features", s.handleListFeatures)
	mux.HandleFunc("GET /api/v1/features/{name}", s.handleGetFeature)
	mux.HandleFunc("DELETE /api/v1/cache/invalidate/{entity_id}", s.handleInvalidate)

	mux.HandleFunc("/", s.handleNotFound)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, s.logger, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
	})
}

// handleReady probes every real dependency, per SPEC_FULL.md §7's ruling
// that /ready must reflect actual reachability rather than a hardcoded true.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := make(map[string]string, 3)
	ready := true

	if err := s.store.HealthCheck(ctx); err != nil {
		checks["store"] = err.Error()
		ready = false
	} else {
		checks["store"] = "ok"
	}

	if err := s.cache.Ping(ctx); err != nil {
		checks["cache"] = err.Error()
		ready = false
	} else {
		checks["cache"] = "ok"
	}

	if s.registry != nil {
		if err := s.registry.HealthCheck(ctx); err != nil {
			checks["registry"] = err.Error()
			ready = false
		} else {
			checks["registry"] = "ok"
		}
	}

	status := "ready"

	code := http.StatusOK
	if !ready {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, r, s.logger, code, readyResponse{Status: status, Checks: checks})
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("failed to read request body"))

		return
	}

	var req onlineReadRequest
	if err := decodeJSON(body, &req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("malformed request body: "+err.Error()))

		return
	}

	resp, err := s.engine.OnlineRead(r.Context(), req.EntityID, req.FeatureNames)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, problemFromServingError(err))

		return
	}

	values := make(map[string]onlineFeatureValue, len(resp.Values))
	for name, v := range resp.Values {
		values[name] = onlineFeatureValue{
			Value:            featureValueToJSON(v),
			FreshnessSeconds: resp.Freshness[name],
		}
	}

	writeJSON(w, r, s.logger, http.StatusOK, onlineReadResponse{
		EntityID:     resp.EntityID,
		Values:       values,
		ServedAt:     time.Now().UTC(),
		Source:       string(resp.Source),
		AllFromCache: resp.Source == serving.SourceCache,
	})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("failed to read request body"))

		return
	}

	var req batchReadRequest
	if err := decodeJSON(body, &req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("malformed request body: "+err.Error()))

		return
	}

	if len(req.EntityIDs) == 0 || len(req.EntityIDs) > maxBatchEntityIDs {
		WriteErrorResponse(w, r, s.logger, BadRequest("entity_ids must contain between 1 and 1000 entries"))

		return
	}

	resp, err := s.engine.BatchRead(r.Context(), req.EntityIDs, req.FeatureNames, req.Timestamp)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, problemFromServingError(err))

		return
	}

	features := make(map[string]map[string]interface{}, len(resp.Results))
	for entityID, row := range resp.Results {
		inner := make(map[string]interface{}, len(row))
		for name, v := range row {
			inner[name] = featureValueToJSON(v)
		}

		features[entityID] = inner
	}

	writeJSON(w, r, s.logger, http.StatusOK, batchReadResponse{
		Features: features,
		AsOf:     resp.AsOf,
		Count:    len(features),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("feature registry is not configured"))

		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("failed to read request body"))

		return
	}

	var req registerFeatureRequest
	if err := decodeJSON(body, &req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("malformed request body: "+err.Error()))

		return
	}

	schema := registry.Schema{
		Name:        req.Name,
		Version:     req.Version,
		Dtype:       req.Dtype,
		EntityType:  req.EntityType,
		TTLHours:    req.TTLHours,
		Description: req.Description,
		Tags:        req.Tags,
	}

	if err := registry.ValidateSchema(schema); err != nil {
		WriteErrorResponse(w, r, s.logger, problemFromServingError(err))

		return
	}

	id, createdAt, err := s.registry.Register(r.Context(), schema)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, problemFromServingError(err))

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, registerFeatureResponse{
		FeatureID: id,
		Name:      req.Name,
		Version:   req.Version,
		Status:    "registered",
		CreatedAt: createdAt,
	})
}

func (s *Server) handleListFeatures(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("feature registry is not configured"))

		return
	}

	entityType := r.URL.Query().Get("entity_type")

	schemas, err := s.registry.ListFeatures(r.Context(), entityType)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, problemFromServingError(err))

		return
	}

	features := make([]featureSchemaResponse, 0, len(schemas))
	for _, sc := range schemas {
		features = append(features, schemaToResponse(sc))
	}

	writeJSON(w, r, s.logger, http.StatusOK, listFeaturesResponse{
		Features: features,
		Count:    len(features),
	})
}

func (s *Server) handleGetFeature(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("feature registry is not configured"))

		return
	}

	name := r.PathValue("name")

	var version *int

	if raw := r.URL.Query().Get("version"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			WriteErrorResponse(w, r, s.logger, BadRequest("version must be an integer"))

			return
		}

		version = &v
	}

	schema, err := s.registry.GetFeature(r.Context(), name, version)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, problemFromServingError(err))

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, schemaToResponse(*schema))
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("entity_id")

	count, err := s.engine.Invalidate(r.Context(), entityID)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, problemFromServingError(err))

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, invalidateResponse{
		Status:           "success",
		EntityID:         entityID,
		InvalidatedCount: count,
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("resource not found: "+r.URL.Path))
}

// writeJSON writes a 2xx/non-error JSON response body.
func writeJSON(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		correlationID := middleware.GetCorrelationID(r.Context())
		logger.Error("failed to encode response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
}
