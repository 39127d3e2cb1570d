package logging

import (
	"time"

	"go.uber.org/zap"
)

// GenerationFields describes a generation call for structured logs.
//
//	logger.Info("generating", logging.GenerationFields(1024, 1024, 20, 3.5)...)
func GenerationFields(width, height, steps int, guidanceScale float64) []zap.Field {
	return []zap.Field{
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Int("steps", steps),
		zap.Float64("guidance_scale", guidanceScale),
	}
}

// TimingFields reports engine load time (zero on warm jobs) and wall time.
func TimingFields(load, total time.Duration) []zap.Field {
	return []zap.Field{
		zap.Float64("load_seconds", load.Seconds()),
		zap.Float64("total_seconds", total.Seconds()),
	}
}

// ArtifactFields identifies a remote artifact.
func ArtifactFields(repo, file, revision string) []zap.Field {
	return []zap.Field{
		zap.String("repo", repo),
		zap.String("file", file),
		zap.String("revision", revision),
	}
}
