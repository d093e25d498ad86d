package api

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/arushjasuja/feature-store/internal/codec"
	"github.com/arushjasuja/feature-store/internal/registry"
)

// featureValueToJSON converts a codec.FeatureValue into a value safe to pass
// to encoding/json, for embedding in a response body.
func featureValueToJSON(v codec.FeatureValue) interface{} {
	switch v.Kind {
	case codec.KindFloat64:
		return v.Float64
	case codec.KindInt64:
		return v.Int64
	case codec.KindString:
		return v.String
	case codec.KindBool:
		return v.Bool
	case codec.KindNull:
		return nil
	default:
		return nil
	}
}

// onlineReadRequest is the POST /api/v1/features/online request body.
type onlineReadRequest struct {
	EntityID     string   `json:"entity_id"`
	FeatureNames []string `json:"feature_names"`
}

// onlineFeatureValue is one entry in an onlineReadResponse's Values map.
type onlineFeatureValue struct {
	Value            interface{} `json:"value"`
	FreshnessSeconds float64     `json:"freshness_seconds"`
}

// onlineReadResponse is the POST /api/v1/features/online response body.
type onlineReadResponse struct {
	EntityID     string                        `json:"entity_id"`
	Values       map[string]onlineFeatureValue `json:"values"`
	ServedAt     time.Time                     `json:"served_at"`
	Source       string                        `json:"source"`
	AllFromCache bool                          `json:"all_from_cache"`
}

// batchReadRequest is the POST /api/v1/features/batch request body.
type batchReadRequest struct {
	EntityIDs    []string   `json:"entity_ids"`
	FeatureNames []string   `json:"feature_names"`
	Timestamp    *time.Time `json:"timestamp,omitempty"`
}

// batchReadResponse is the POST /api/v1/features/batch response body.
type batchReadResponse struct {
	Features map[string]map[string]interface{} `json:"features"`
	AsOf     time.Time                          `json:"as_of"`
	Count    int                                `json:"count"`
}

// registerFeatureRequest is the POST /api/v1/features/register request body,
// mirroring registry.Schema's mutable fields.
type registerFeatureRequest struct {
	Name        string   `json:"name"`
	Version     int      `json:"version"`
	Dtype       string   `json:"dtype"`
	EntityType  string   `json:"entity_type"`
	TTLHours    int      `json:"ttl_hours"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// registerFeatureResponse is the POST /api/v1/features/register response body.
type registerFeatureResponse struct {
	FeatureID int64     `json:"feature_id"`
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// featureSchemaResponse mirrors registry.Schema for GET responses.
type featureSchemaResponse struct {
	FeatureID   int64     `json:"feature_id"`
	Name        string    `json:"name"`
	Version     int       `json:"version"`
	Dtype       string    `json:"dtype"`
	EntityType  string    `json:"entity_type"`
	TTLHours    int       `json:"ttl_hours"`
	Description string    `json:"description"`
	Tags        []string  `json:"tags"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func schemaToResponse(s registry.Schema) featureSchemaResponse {
	return featureSchemaResponse{
		FeatureID:   s.ID,
		Name:        s.Name,
		Version:     s.Version,
		Dtype:       s.Dtype,
		EntityType:  s.EntityType,
		TTLHours:    s.TTLHours,
		Description: s.Description,
		Tags:        s.Tags,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

// listFeaturesResponse is the GET /api/v1/features response body.
type listFeaturesResponse struct {
	Features []featureSchemaResponse `json:"features"`
	Count    int                     `json:"count"`
}

// invalidateResponse is the DELETE /api/v1/cache/invalidate/{entity_id} response body.
type invalidateResponse struct {
	Status           string `json:"status"`
	EntityID         string `json:"entity_id"`
	InvalidatedCount int64  `json:"invalidated_count"`
}

// healthResponse is the GET /health response body.
type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// readyResponse is the GET /ready response body.
type readyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// decodeJSON decodes a request body into dst, rejecting unknown fields so
// malformed requests surface as 400s rather than being silently ignored.
func decodeJSON(body []byte, dst interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	return dec.Decode(dst)
}
