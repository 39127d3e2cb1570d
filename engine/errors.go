package engine

import "errors"

var (
	// Construction
	ErrWeightsNotFound = errors.New("engine: weight artifact not found")
	ErrLoadFailed      = errors.New("engine: failed to construct engine")

	// Generation
	ErrGenerationFailed   = errors.New("engine: image generation failed")
	ErrBackendUnavailable = errors.New("engine: no generation backend linked into this build")
	ErrInvalidParams      = errors.New("engine: invalid generation parameters")
	ErrClosed             = errors.New("engine: engine is closed")
)
