package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dhaslett/restreamd/internal/database"
	"github.com/dhaslett/restreamd/internal/version"
)

// SystemHandler exposes liveness and build information.
type SystemHandler struct {
	db *database.DB
}

// NewSystemHandler creates a system handler.
func NewSystemHandler(db *database.DB) *SystemHandler {
	return &SystemHandler{db: db}
}

// Register registers the system routes with the API.
func (h *SystemHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/api/v1/health",
		Summary:     "Service health",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getVersion",
		Method:      "GET",
		Path:        "/api/v1/version",
		Summary:     "Build information",
		Tags:        []string{"System"},
	}, h.GetVersion)
}

// HealthOutput reports overall service health.
type HealthOutput struct {
	Body struct {
		Status   string `json:"status" enum:"ok,degraded"`
		Database string `json:"database" enum:"ok,error"`
	}
}

// GetHealth reports service and database health.
func (h *SystemHandler) GetHealth(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	out := &HealthOutput{}
	out.Body.Status = "ok"
	out.Body.Database = "ok"
	if err := h.db.Ping(ctx); err != nil {
		out.Body.Status = "degraded"
		out.Body.Database = "error"
	}
	return out, nil
}

// VersionOutput reports build information.
type VersionOutput struct {
	Body version.Info
}

// GetVersion returns the build version, commit, and date.
func (h *SystemHandler) GetVersion(_ context.Context, _ *struct{}) (*VersionOutput, error) {
	return &VersionOutput{Body: version.GetInfo()}, nil
}
