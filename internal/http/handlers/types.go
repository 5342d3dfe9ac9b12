// Package handlers implements the REST API operations for restreamd.
package handlers

import (
	"github.com/danielgtaylor/huma/v2"

	"github.com/dhaslett/restreamd/internal/fault"
	"github.com/dhaslett/restreamd/internal/models"
)

// apiError maps a classified service error onto an HTTP status.
func apiError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch fault.KindOf(err) {
	case fault.KindValidation:
		return huma.Error400BadRequest(msg)
	case fault.KindNotFound:
		return huma.Error404NotFound(msg)
	case fault.KindConflict:
		return huma.Error409Conflict(msg)
	case fault.KindResource:
		return huma.Error503ServiceUnavailable(msg)
	case fault.KindSpawn:
		return huma.Error502BadGateway(msg)
	default:
		return huma.Error500InternalServerError(msg)
	}
}

// parseChannelID parses a channel id path parameter.
func parseChannelID(raw string) (models.ULID, error) {
	id, err := models.ParseULID(raw)
	if err != nil {
		return models.ULID{}, huma.Error400BadRequest("invalid channel id: " + raw)
	}
	return id, nil
}
