package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dhaslett/restreamd/internal/ffmpeg"
	"github.com/dhaslett/restreamd/internal/service"
)

// CapabilitiesHandler exposes hardware encoder capability reporting.
type CapabilitiesHandler struct {
	svc *service.ChannelService
}

// NewCapabilitiesHandler creates a capabilities handler.
func NewCapabilitiesHandler(svc *service.ChannelService) *CapabilitiesHandler {
	return &CapabilitiesHandler{svc: svc}
}

// Register registers the capability routes with the API.
func (h *CapabilitiesHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getCapabilities",
		Method:      "GET",
		Path:        "/api/v1/capabilities",
		Summary:     "List hardware encoder capabilities",
		Description: "Results are cached; use the refresh endpoint after hardware changes.",
		Tags:        []string{"Capabilities"},
	}, h.GetCapabilities)

	huma.Register(api, huma.Operation{
		OperationID: "refreshCapabilities",
		Method:      "POST",
		Path:        "/api/v1/capabilities/refresh",
		Summary:     "Re-probe hardware encoder capabilities",
		Tags:        []string{"Capabilities"},
	}, h.RefreshCapabilities)
}

// CapabilitiesOutput lists the detected hardware encoders.
type CapabilitiesOutput struct {
	Body struct {
		Capabilities []ffmpeg.HWCapability `json:"capabilities"`
	}
}

// GetCapabilities returns the cached capability set.
func (h *CapabilitiesHandler) GetCapabilities(ctx context.Context, _ *struct{}) (*CapabilitiesOutput, error) {
	caps, err := h.svc.Capabilities(ctx)
	if err != nil {
		return nil, apiError(err)
	}
	out := &CapabilitiesOutput{}
	out.Body.Capabilities = caps
	return out, nil
}

// RefreshCapabilities re-probes and returns the fresh capability set.
func (h *CapabilitiesHandler) RefreshCapabilities(ctx context.Context, _ *struct{}) (*CapabilitiesOutput, error) {
	caps, err := h.svc.RefreshCapabilities(ctx)
	if err != nil {
		return nil, apiError(err)
	}
	out := &CapabilitiesOutput{}
	out.Body.Capabilities = caps
	return out, nil
}
