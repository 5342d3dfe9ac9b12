package models

import "errors"

// Common validation errors for models.
var (
	// ErrNameRequired indicates a required name field is empty.
	ErrNameRequired = errors.New("name is required")

	// ErrInputURLRequired indicates a required input URL field is empty.
	ErrInputURLRequired = errors.New("input_url is required")

	// ErrInvalidStatus indicates an unknown channel status value.
	ErrInvalidStatus = errors.New("invalid channel status")

	// ErrOutputRequired indicates a channel declares no outputs.
	ErrOutputRequired = errors.New("at least one output is required")

	// ErrInvalidOutputType indicates an unknown output kind.
	ErrInvalidOutputType = errors.New("invalid output type")

	// ErrOutputHostRequired indicates a UDP output without a host.
	ErrOutputHostRequired = errors.New("output host is required")

	// ErrOutputPortInvalid indicates a UDP output port outside 1-65535.
	ErrOutputPortInvalid = errors.New("output port must be between 1 and 65535")

	// ErrOutputPathRequired indicates a file output without a path.
	ErrOutputPathRequired = errors.New("output path is required")
)
