package engine

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"

	"kontextworker/imaging"
)

// Params is one fully-resolved generation call.
type Params struct {
	Source         *imaging.Buffer
	Prompt         string
	NegativePrompt string
	Steps          int
	GuidanceScale  float64
	Width          int
	Height         int
	Seed           int64 // negative picks a random seed
}

// ValidateParams checks the invariants every binding relies on.
// Sizes are not rounded or range-checked beyond being positive.
func ValidateParams(p Params) error {
	if p.Source == nil || p.Source.Width <= 0 || p.Source.Height <= 0 {
		return fmt.Errorf("%w: source image is required", ErrInvalidParams)
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return fmt.Errorf("%w: prompt cannot be empty", ErrInvalidParams)
	}
	// C strings end at the first NUL.
	if strings.ContainsRune(p.Prompt, '\x00') || strings.ContainsRune(p.NegativePrompt, '\x00') {
		return fmt.Errorf("%w: prompt contains null bytes", ErrInvalidParams)
	}
	if p.Steps < 1 {
		return fmt.Errorf("%w: steps %d must be at least 1", ErrInvalidParams, p.Steps)
	}
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("%w: size %dx%d must be positive", ErrInvalidParams, p.Width, p.Height)
	}
	return nil
}

// ResolveSeed returns seed, or a random non-negative seed when seed < 0.
func ResolveSeed(seed int64) int64 {
	if seed >= 0 {
		return seed
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 42
	}
	return int64(binary.LittleEndian.Uint64(buf[:]) >> 1)
}
