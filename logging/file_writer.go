package logging

import (
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults.
const (
	DefaultMaxSizeMB  = 100
	DefaultMaxBackups = 5
	DefaultMaxAgeDays = 30
)

// FileWriterConfig controls lumberjack rotation. Zero values take defaults.
type FileWriterConfig struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// DisableCompress turns off gzip of rotated files (on by default).
	DisableCompress bool
}

// NewFileWriterWithConfig returns a rotating WriteSyncer for path.
func NewFileWriterWithConfig(path string, config FileWriterConfig) zapcore.WriteSyncer {
	return zapcore.AddSync(newRotator(path, config))
}

func newRotator(path string, config FileWriterConfig) *lumberjack.Logger {
	cfg := applyFileWriterDefaults(config)
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   !cfg.DisableCompress,
	}
}

func applyFileWriterDefaults(config FileWriterConfig) FileWriterConfig {
	if config.MaxSizeMB == 0 {
		config.MaxSizeMB = DefaultMaxSizeMB
	}
	if config.MaxBackups == 0 {
		config.MaxBackups = DefaultMaxBackups
	}
	if config.MaxAgeDays == 0 {
		config.MaxAgeDays = DefaultMaxAgeDays
	}
	return config
}
