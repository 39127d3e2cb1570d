// Package logging provides the structured zap logger used across the worker.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures NewLogger.
type Options struct {
	// Level is the minimum level for both outputs. Debug is forced in Development.
	Level zapcore.Level
	// FilePath enables the rotated JSON file sink. Empty disables it.
	FilePath string
	// Development switches the console to a colored, human-readable encoder.
	Development bool
	// FileConfig overrides rotation settings; zero fields use defaults.
	FileConfig FileWriterConfig
	// Console receives console output. Nil means stdout.
	Console zapcore.WriteSyncer
}

// Logger wraps zap.Logger and redacts sensitive values (hub tokens, bearer
// headers, key=value secrets) from every field before it is encoded.
//
//	logger, err := logging.NewLogger(logging.Options{Level: logging.InfoLevel, FilePath: "kontextworker.log"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//	logger.Info("engine ready", zap.Float64("load_seconds", 41.2))
type Logger struct {
	zap   *zap.Logger
	sugar *zap.SugaredLogger
	opts  Options
}

// NewLogger builds a console logger, tee'd to a rotated file when
// opts.FilePath is set. The file's parent directory is created if needed.
func NewLogger(opts Options) (*Logger, error) {
	level := opts.Level
	if opts.Development {
		level = zapcore.DebugLevel
	}

	var fileWriter zapcore.WriteSyncer
	if opts.FilePath != "" {
		if dir := filepath.Dir(opts.FilePath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		fileWriter = NewFileWriterWithConfig(opts.FilePath, opts.FileConfig)
	}

	console := opts.Console
	if console == nil {
		console = zapcore.Lock(os.Stdout)
	}
	core := NewMultiCore(level, console, fileWriter, opts.Development)
	return newFromCore(core, opts), nil
}

// NewFromCore wraps an arbitrary core. Tests use it with zaptest/observer
// or an in-memory writer.
func NewFromCore(core zapcore.Core) *Logger {
	return newFromCore(core, Options{})
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return newFromCore(zapcore.NewNopCore(), Options{})
}

func newFromCore(core zapcore.Core, opts Options) *Logger {
	z := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &Logger{zap: z, sugar: z.Sugar(), opts: opts}
}

// Sync flushes buffered entries. Call before exiting.
func (l *Logger) Sync() error {
	if l == nil || l.zap == nil {
		return nil
	}
	return l.zap.Sync()
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, redactFields(fields)...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, redactFields(fields)...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, redactFields(fields)...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, redactFields(fields)...) }

// Fatal logs at FatalLevel then calls os.Exit(1).
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.zap.Fatal(msg, redactFields(fields)...) }

// Infow logs loosely-typed key-value pairs at InfoLevel.
func (l *Logger) Infow(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, redactKeysAndValues(keysAndValues)...)
}

// Warnw logs loosely-typed key-value pairs at WarnLevel.
func (l *Logger) Warnw(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, redactKeysAndValues(keysAndValues)...)
}

// Infof logs a formatted message at InfoLevel. Arguments are not redacted.
func (l *Logger) Infof(template string, args ...interface{}) {
	l.sugar.Infof(template, args...)
}

// With returns a child logger that adds fields to every entry.
func (l *Logger) With(fields ...zap.Field) *Logger {
	z := l.zap.With(redactFields(fields)...)
	return &Logger{zap: z, sugar: z.Sugar(), opts: l.opts}
}

// Named adds a sub-logger name ("lifecycle", "artifacts", "http").
func (l *Logger) Named(name string) *Logger {
	z := l.zap.Named(name)
	return &Logger{zap: z, sugar: z.Sugar(), opts: l.opts}
}

// Zap exposes the underlying logger for libraries that want a *zap.Logger.
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

// IsDevelopment reports whether the console uses the development encoder.
func (l *Logger) IsDevelopment() bool {
	return l.opts.Development
}

// LogFilePath returns the rotated file path, or "" when file output is off.
func (l *Logger) LogFilePath() string {
	return l.opts.FilePath
}

func redactFields(fields []zap.Field) []zap.Field {
	if len(fields) == 0 {
		return fields
	}
	result := make([]zap.Field, len(fields))
	for i, field := range fields {
		result[i] = redactField(field)
	}
	return result
}

func redactField(field zap.Field) zap.Field {
	if IsSensitiveField(field.Key) {
		return zap.String(field.Key, RedactedPlaceholder)
	}
	switch field.Type {
	case zapcore.StringType:
		if redacted := RedactSensitiveData(field.String); redacted != field.String {
			return zap.String(field.Key, redacted)
		}
	case zapcore.ErrorType:
		if err, ok := field.Interface.(error); ok && err != nil {
			if msg := err.Error(); ContainsSensitiveData(msg) {
				return zap.String(field.Key, RedactSensitiveData(msg))
			}
		}
	}
	return field
}

func redactKeysAndValues(keysAndValues []interface{}) []interface{} {
	if len(keysAndValues) == 0 {
		return keysAndValues
	}
	result := make([]interface{}, len(keysAndValues))
	copy(result, keysAndValues)

	for i := 0; i < len(result)-1; i += 2 {
		key, ok := result[i].(string)
		if !ok {
			continue
		}
		if IsSensitiveField(key) {
			result[i+1] = RedactedPlaceholder
			continue
		}
		if value, ok := result[i+1].(string); ok {
			result[i+1] = RedactSensitiveData(value)
		}
	}
	return result
}
