package core

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"kontextworker/engine"
)

// Config holds all configuration values.
// It is built once at startup by LoadConfig and passed to constructors.
type Config struct {
	// Artifact storage
	ModelsDir     string // Base path for all cached artifacts
	ModelRepo     string // Repository holding the pipeline configuration files
	ModelRevision string // Pinned revision of ModelRepo
	WeightRepo    string // Repository holding the quantized weight file
	WeightFile    string // Weight filename inside WeightRepo
	HubEndpoint   string // Model hub base URL
	HubToken      string // Optional bearer token for gated repositories
	AutoProvision bool   // Fetch artifacts before serving

	// Generation defaults
	DefaultSteps int
	DefaultScale float64
	OutputFormat string // png, bmp or tiff

	// Engine construction
	EnginePrecision    string // Compute dtype (bf16, fp16, fp32)
	EngineQuantization string // Weight quantization scheme (gguf)
	EngineOffload      string // parsed by engine.ParseOffloadPolicy
	EngineThreads      int    // CPU threads for the engine, 0 = runtime decides

	// Transport
	Port              int
	ImageFetchTimeout time.Duration
	MaxImageBytes     int64
	MaxImagePixels    int64 // 0 disables the decoded-size check
	AllowInsecureTLS  bool

	// Job history
	JobDBPath        string
	JobRetentionDays int // 0 keeps history forever

	// Logging
	LogLevel string
	LogFile  string
	DevMode  bool
}

// Defaults for zero-config deployment.
const (
	DefaultModelsDir      = "./models"
	DefaultSteps          = 20
	DefaultScale          = 3.5
	DefaultModelRepo      = "black-forest-labs/FLUX.1-Kontext-Dev"
	DefaultModelRevision  = "main"
	DefaultWeightRepo     = "QuantStack/FLUX.1-Kontext-dev-GGUF"
	DefaultWeightFile     = "flux1-kontext-dev-Q5_K_M.gguf"
	DefaultHubEndpoint    = "https://huggingface.co"
	DefaultPort           = 3000
	DefaultMaxImageBytes  = 50 * BytesPerMB
	DefaultMaxImagePixels = 178956970
	DefaultLogFile        = "kontextworker.log"
)

// LoadConfig loads configuration from environment variables with sensible defaults.
// Call godotenv.Load before this if a .env file should be honored.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ModelsDir:     GetEnvOrDefault("MODELS_DIR", DefaultModelsDir),
		ModelRepo:     GetEnvOrDefault("MODEL_REPO", DefaultModelRepo),
		ModelRevision: GetEnvOrDefault("MODEL_REVISION", DefaultModelRevision),
		WeightRepo:    GetEnvOrDefault("WEIGHT_REPO", DefaultWeightRepo),
		WeightFile:    GetEnvOrDefault("WEIGHT_FILE", DefaultWeightFile),
		HubEndpoint:   strings.TrimRight(GetEnvOrDefault("HF_ENDPOINT", DefaultHubEndpoint), "/"),
		HubToken:      GetEnvOrDefault("HF_TOKEN", ""),
		AutoProvision: ParseBoolEnv("AUTO_PROVISION", false),

		DefaultSteps: ParseIntEnv("DEFAULT_STEPS", DefaultSteps),
		DefaultScale: ParseFloat64Env("DEFAULT_SCALE", DefaultScale),
		OutputFormat: strings.ToLower(GetEnvOrDefault("OUTPUT_FORMAT", "png")),

		EnginePrecision:    strings.ToLower(GetEnvOrDefault("ENGINE_PRECISION", "bf16")),
		EngineQuantization: strings.ToLower(GetEnvOrDefault("ENGINE_QUANTIZATION", "gguf")),
		EngineOffload:      strings.ToLower(GetEnvOrDefault("ENGINE_OFFLOAD", string(engine.OffloadModel))),
		EngineThreads:      ParseIntEnv("ENGINE_THREADS", 0),

		Port:              ParseIntEnv("RP_PORT", DefaultPort),
		ImageFetchTimeout: ParseDurationEnv("IMAGE_FETCH_TIMEOUT_SECONDS", 30),
		MaxImageBytes:     ParseInt64Env("MAX_IMAGE_BYTES", DefaultMaxImageBytes),
		MaxImagePixels:    ParseInt64Env("MAX_IMAGE_PIXELS", DefaultMaxImagePixels),
		AllowInsecureTLS:  ParseBoolEnv("ALLOW_SELF_SIGNED_CERTS", false),

		JobDBPath:        GetEnvOrDefault("JOB_DB_PATH", ""),
		JobRetentionDays: ParseIntEnv("JOB_RETENTION_DAYS", 30),

		LogLevel: GetEnvOrDefault("LOG_LEVEL", "info"),
		LogFile:  GetEnvOrDefault("LOG_FILE", DefaultLogFile),
		DevMode:  ParseBoolEnv("DEV_MODE", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges. It returns the first *ConfigError found.
func (c *Config) Validate() error {
	if c.ModelsDir == "" {
		return ErrMissingConfig("MODELS_DIR")
	}
	if c.WeightFile == "" {
		return ErrMissingConfig("WEIGHT_FILE")
	}
	if c.DefaultSteps < 1 {
		return ErrInvalidValue("DEFAULT_STEPS", fmt.Sprint(c.DefaultSteps), "must be at least 1")
	}
	if c.DefaultScale <= 0 {
		return ErrInvalidValue("DEFAULT_SCALE", fmt.Sprint(c.DefaultScale), "must be positive")
	}
	switch c.OutputFormat {
	case "png", "bmp", "tiff":
	default:
		return ErrInvalidValue("OUTPUT_FORMAT", c.OutputFormat, "must be one of png, bmp, tiff")
	}
	if c.JobRetentionDays < 0 {
		return ErrInvalidValue("JOB_RETENTION_DAYS", fmt.Sprint(c.JobRetentionDays), "must not be negative")
	}
	if _, err := engine.ParseOffloadPolicy(c.EngineOffload); err != nil {
		return ErrInvalidValue("ENGINE_OFFLOAD", c.EngineOffload, "must be one of none, model, sequential")
	}
	if c.Port < 1 || c.Port > 65535 {
		return ErrInvalidValue("RP_PORT", fmt.Sprint(c.Port), "must be a valid TCP port")
	}
	if c.MaxImageBytes <= 0 {
		return ErrInvalidValue("MAX_IMAGE_BYTES", fmt.Sprint(c.MaxImageBytes), "must be positive")
	}
	if c.MaxImagePixels < 0 {
		return ErrInvalidValue("MAX_IMAGE_PIXELS", fmt.Sprint(c.MaxImagePixels), "must not be negative")
	}
	return nil
}

// WeightPath is where the large weight artifact lives on disk.
func (c *Config) WeightPath() string {
	return filepath.Join(c.ModelsDir, "diffusion_models", c.WeightFile)
}

// ListenAddr returns the HTTP listen address for the job transport.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("0.0.0.0:%d", c.Port)
}

// GetHTTPClient returns an HTTP client honoring the TLS settings.
// A zero timeout means no client-side timeout; callers use contexts instead.
func GetHTTPClient(cfg *Config, timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg != nil && cfg.AllowInsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
