package engine

import (
	"context"
	"fmt"
	"os"
	"strings"

	"kontextworker/imaging"
)

// Engine is a constructed, ready-to-use generation engine.
type Engine interface {
	// Generate runs one image-edit pass. Not safe for concurrent use.
	Generate(ctx context.Context, p Params) (*imaging.Buffer, error)
	// ReleaseTransient hands back what host memory the binding can between
	// jobs. Bindings cannot reach accelerator or ggml compute buffers from
	// here; those live until Close.
	ReleaseTransient()
	// Close releases the engine. Generate fails with ErrClosed afterwards.
	Close() error
	// Backend names the linked binding, e.g. "stub" or "stable-diffusion.cpp".
	Backend() string
}

// OffloadPolicy controls how much of the model is kept off the accelerator
// between uses.
type OffloadPolicy string

const (
	OffloadNone       OffloadPolicy = "none"
	OffloadModel      OffloadPolicy = "model"
	OffloadSequential OffloadPolicy = "sequential"
)

// ParseOffloadPolicy accepts none, model or sequential (case-insensitive).
func ParseOffloadPolicy(s string) (OffloadPolicy, error) {
	switch p := OffloadPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case OffloadNone, OffloadModel, OffloadSequential:
		return p, nil
	}
	return "", fmt.Errorf("engine: unknown offload policy %q", s)
}

// Artifacts are the local files an engine is built from.
type Artifacts struct {
	// WeightPath is the quantized diffusion transformer (required).
	WeightPath string
	// PipelineDir holds the pipeline configuration tree mirrored from the model repository.
	PipelineDir string
	// Optional component weights found inside PipelineDir.
	VAEPath   string
	ClipLPath string
	T5XXLPath string
}

// LoadOptions configure engine construction.
type LoadOptions struct {
	Artifacts    Artifacts
	Precision    string // bf16, fp16, fp32
	Quantization string // gguf keeps the weight file's own tensor types
	Offload      OffloadPolicy
	Threads      int // 0 lets the backend decide
}

// LinkedBackend names the binding compiled into this build.
func LinkedBackend() string {
	return linkedBackend
}

// Load constructs the engine linked into this build. It blocks for the full
// construction and is not cancelable.
func Load(opts LoadOptions) (Engine, error) {
	if opts.Artifacts.WeightPath == "" {
		return nil, fmt.Errorf("%w: no weight path configured", ErrWeightsNotFound)
	}
	if _, err := os.Stat(opts.Artifacts.WeightPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrWeightsNotFound, opts.Artifacts.WeightPath)
	} else if err != nil {
		return nil, fmt.Errorf("%w: unable to access %s: %v", ErrLoadFailed, opts.Artifacts.WeightPath, err)
	}
	if opts.Offload == "" {
		opts.Offload = OffloadModel
	}
	return loadImpl(opts)
}
