package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"kontextworker/engine"
	"kontextworker/imaging"
	"kontextworker/lifecycle"
	"kontextworker/logging"
	"kontextworker/resolution"
)

// Envelope messages.
const (
	MsgMissingFields = "Missing required fields: image, prompt"
	msgDecodePrefix  = "Failed to decode image input: "
	msgFetchPrefix   = "Failed to fetch image input: "
	msgInvalidPrefix = "Invalid job input: "
)

// Engines hands out the process engine. *lifecycle.Manager implements it.
type Engines interface {
	Acquire(ctx context.Context) (*lifecycle.Handle, error)
	Release(*lifecycle.Handle)
}

// Decoder turns an image field into pixels. *imaging.Codec implements it.
type Decoder interface {
	Decode(ctx context.Context, source string) (*imaging.Buffer, error)
}

// Defaults fill fields the request leaves out.
type Defaults struct {
	Steps         int
	GuidanceScale float64
	// OutputFormat is png, bmp or tiff; empty means png.
	OutputFormat string
}

// Response is the job output: exactly one field is set.
type Response struct {
	ImageBase64 string `json:"image_base64,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Result carries details of a successful generation for logs and history.
type Result struct {
	Output       *imaging.Buffer
	Size         resolution.Size
	Steps        int
	Guidance     float64
	LoadSeconds  float64
	TotalSeconds float64
	// Backend and Offload describe the engine that ran the job.
	Backend string
	Offload engine.OffloadPolicy
}

// Handler processes jobs one at a time on behalf of the transport.
type Handler struct {
	decoder  Decoder
	engines  Engines
	defaults Defaults
	logger   *logging.Logger
}

// New returns a Handler.
func New(decoder Decoder, engines Engines, defaults Defaults, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{decoder: decoder, engines: engines, defaults: defaults, logger: logger.Named("handler")}
}

// Rejected builds the envelope for a job that failed validation.
func Rejected(msg string) Response {
	return Response{Error: msg}
}

// InvalidJob builds the envelope for a job that could not be parsed.
func InvalidJob(err error) Response {
	var perr *ParseError
	if errors.As(err, &perr) {
		err = perr.Err
	}
	return Rejected(msgInvalidPrefix + err.Error())
}

// Handle runs one job.
//
// Validation and decode problems come back as a Response with Error set and
// a nil error; nothing else is touched in that case. Engine construction
// failures (*lifecycle.EngineConstructionError) and generation failures
// (*lifecycle.EngineRuntimeError) are returned as errors for the transport
// to act on. Nothing is retried.
func (h *Handler) Handle(ctx context.Context, req Request) (Response, *Result, error) {
	log := h.logger
	if req.ID != "" {
		log = log.With(zap.String("job_id", req.ID))
	}

	if req.Image == "" || req.Prompt == "" {
		return Rejected(MsgMissingFields), nil, nil
	}

	steps := req.Steps.IntOr(h.defaults.Steps)
	guidance := req.GuidanceScale.FloatOr(h.defaults.GuidanceScale)
	if steps < 1 {
		return Rejected(fmt.Sprintf("Invalid num_inference_steps: %d must be at least 1", steps)), nil, nil
	}
	if w := req.Width.Dimension(); w != nil && *w < 0 {
		return Rejected(fmt.Sprintf("Invalid width: %d", *w)), nil, nil
	}
	if hgt := req.Height.Dimension(); hgt != nil && *hgt < 0 {
		return Rejected(fmt.Sprintf("Invalid height: %d", *hgt)), nil, nil
	}

	start := time.Now()

	log.Info("reading input image")
	src, err := h.decoder.Decode(ctx, req.Image)
	if err != nil {
		var inputErr *imaging.InputError
		if errors.As(err, &inputErr) {
			log.Warn("rejected image input", zap.String("stage", string(inputErr.Stage)), zap.Error(inputErr.Err))
			if inputErr.Stage == imaging.StageFetch {
				return Rejected(msgFetchPrefix + inputErr.Err.Error()), nil, nil
			}
			return Rejected(msgDecodePrefix + inputErr.Err.Error()), nil, nil
		}
		return Response{}, nil, err
	}

	size := resolution.Negotiate(src.Width, src.Height, req.Width.Dimension(), req.Height.Dimension())

	handle, err := h.engines.Acquire(ctx)
	if err != nil {
		return Response{}, nil, err
	}
	defer h.engines.Release(handle)
	loadTime := time.Since(start)
	log.Info("engine acquired",
		zap.String("backend", handle.Backend()),
		zap.String("offload", string(handle.Offload())),
		zap.Float64("load_seconds", loadTime.Seconds()))

	log.Info("generating image", logging.GenerationFields(size.Width, size.Height, steps, guidance)...)
	out, err := handle.Generate(ctx, engine.Params{
		Source:         src,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Steps:          steps,
		GuidanceScale:  guidance,
		Width:          size.Width,
		Height:         size.Height,
		Seed:           -1,
	})
	if err != nil {
		return Response{}, nil, err
	}

	encoded, err := imaging.Encode(out, h.defaults.OutputFormat)
	if err != nil {
		return Response{}, nil, fmt.Errorf("handler: encode output: %w", err)
	}

	total := time.Since(start)
	log.Info("job complete", logging.TimingFields(loadTime, total)...)

	return Response{ImageBase64: encoded}, &Result{
		Output:       out,
		Size:         size,
		Steps:        steps,
		Guidance:     guidance,
		LoadSeconds:  loadTime.Seconds(),
		TotalSeconds: total.Seconds(),
		Backend:      handle.Backend(),
		Offload:      handle.Offload(),
	}, nil
}
