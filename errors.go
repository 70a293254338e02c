package hybrideval

import "errors"

var (
	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("hybrideval: invalid configuration")

	// ErrUnknownVariant is returned when a variant name is not one of the
	// configured text-preparation strategies.
	ErrUnknownVariant = errors.New("hybrideval: unknown variant")

	// ErrUnknownBackend is returned for an unrecognised index backend.
	ErrUnknownBackend = errors.New("hybrideval: unknown index backend")

	// ErrEngineClosed is returned when operating on a closed engine.
	ErrEngineClosed = errors.New("hybrideval: engine is closed")

	// ErrVisionRequired is returned when a variant needs a vision model
	// but none is configured.
	ErrVisionRequired = errors.New("hybrideval: vision provider required for this variant")
)
