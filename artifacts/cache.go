package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"kontextworker/core"
	"kontextworker/engine"
	"kontextworker/logging"
	"kontextworker/metrics"
)

// Artifact kinds used in metrics and logs.
const (
	KindWeight   = "weight"
	KindPipeline = "pipeline"
	KindOther    = "other"
)

// Remote identifies a file in a hub repository.
type Remote struct {
	Repo     string
	File     string
	Revision string
}

// Descriptor pairs a remote artifact with its local path. ExistsLocally is a
// snapshot; Ensure re-checks the filesystem before downloading.
type Descriptor struct {
	Remote        Remote
	LocalPath     string
	ExistsLocally bool
	// Kind labels metrics for this artifact; empty means KindOther.
	Kind string
}

func (d Descriptor) kind() string {
	if d.Kind == "" {
		return KindOther
	}
	return d.Kind
}

// Stat refreshes ExistsLocally.
func (d *Descriptor) Stat() {
	d.ExistsLocally = fileExists(d.LocalPath)
}

// Options configure a Cache.
type Options struct {
	ModelsDir     string
	ModelRepo     string
	ModelRevision string
	WeightRepo    string
	WeightFile    string
	// WeightRevision defaults to "main".
	WeightRevision string
	// Parallel bounds concurrent pipeline file downloads (default 4).
	Parallel int
}

// OptionsFromConfig maps the process configuration onto cache options.
func OptionsFromConfig(cfg *core.Config) Options {
	return Options{
		ModelsDir:     cfg.ModelsDir,
		ModelRepo:     cfg.ModelRepo,
		ModelRevision: cfg.ModelRevision,
		WeightRepo:    cfg.WeightRepo,
		WeightFile:    cfg.WeightFile,
	}
}

// Cache ensures artifacts exist under the models directory.
type Cache struct {
	opts    Options
	hub     *Hub
	logger  *logging.Logger
	metrics *metrics.Collector
}

// NewCache returns a Cache. logger and collector may be nil.
func NewCache(opts Options, hub *Hub, logger *logging.Logger, collector *metrics.Collector) *Cache {
	if opts.Parallel <= 0 {
		opts.Parallel = 4
	}
	if opts.WeightRevision == "" {
		opts.WeightRevision = "main"
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Cache{opts: opts, hub: hub, logger: logger.Named("artifacts"), metrics: collector}
}

// WeightDescriptor describes the quantized diffusion weight file.
func (c *Cache) WeightDescriptor() Descriptor {
	d := Descriptor{
		Remote: Remote{
			Repo:     c.opts.WeightRepo,
			File:     c.opts.WeightFile,
			Revision: c.opts.WeightRevision,
		},
		LocalPath: filepath.Join(c.opts.ModelsDir, "diffusion_models", c.opts.WeightFile),
		Kind:      KindWeight,
	}
	d.Stat()
	return d
}

// Ensure returns d.LocalPath, downloading the file first only if nothing
// exists there. An existing file is trusted as-is and causes no network I/O.
func (c *Cache) Ensure(ctx context.Context, d Descriptor) (string, error) {
	if fileExists(d.LocalPath) {
		c.logger.Info("artifact already present, skipping download",
			zap.String("path", d.LocalPath))
		c.metrics.ObserveArtifact(d.kind(), "cached", 0)
		return d.LocalPath, nil
	}

	c.logger.Info("downloading artifact", append(
		logging.ArtifactFields(d.Remote.Repo, d.Remote.File, d.Remote.Revision),
		zap.String("path", d.LocalPath))...)

	start := time.Now()
	n, err := c.hub.Download(ctx, d.Remote.Repo, d.Remote.Revision, d.Remote.File, d.LocalPath, c.progressLogger(d.Remote.File))
	if err != nil {
		c.metrics.ObserveArtifact(d.kind(), "failed", 0)
		return "", &ArtifactError{Op: "download", Repo: d.Remote.Repo, File: d.Remote.File, Err: err}
	}

	c.metrics.ObserveArtifact(d.kind(), "downloaded", n)
	c.logger.Info("artifact downloaded",
		zap.String("path", d.LocalPath),
		zap.String("size", core.FormatBytes(n)),
		zap.Duration("elapsed", time.Since(start)))
	return d.LocalPath, nil
}

// EnsurePipelineFiles lists the pinned model repository and re-fetches every
// file matching PipelinePatterns into the models directory, whether or not a
// local copy exists. It returns the directory holding the tree.
func (c *Cache) EnsurePipelineFiles(ctx context.Context) (string, error) {
	repo, rev := c.opts.ModelRepo, c.opts.ModelRevision

	files, err := c.hub.ListFiles(ctx, repo, rev)
	if err != nil {
		c.metrics.ObserveArtifact(KindPipeline, "failed", 0)
		return "", &ArtifactError{Op: "list", Repo: repo, Err: err}
	}
	selected := Filter(PipelinePatterns, files)
	if len(selected) == 0 {
		c.metrics.ObserveArtifact(KindPipeline, "failed", 0)
		return "", &ArtifactError{Op: "list", Repo: repo, Err: ErrEmptyListing}
	}

	c.logger.Info("fetching pipeline files",
		zap.String("repo", repo),
		zap.String("revision", rev),
		zap.Int("files", len(selected)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Parallel)
	for _, file := range selected {
		g.Go(func() error {
			dest := filepath.Join(c.opts.ModelsDir, filepath.FromSlash(file))
			n, err := c.hub.Download(gctx, repo, rev, file, dest, nil)
			if err != nil {
				c.metrics.ObserveArtifact(KindPipeline, "failed", 0)
				return &ArtifactError{Op: "download", Repo: repo, File: file, Err: err}
			}
			c.metrics.ObserveArtifact(KindPipeline, "downloaded", n)
			c.logger.Debug("pipeline file fetched", zap.String("file", file), zap.Int64("bytes", n))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	return c.opts.ModelsDir, nil
}

// Locate resolves local artifact paths for engine construction without any
// network access. It fails with engine.ErrWeightsNotFound when the weight
// file is absent. Optional component weights are filled in when present.
func (c *Cache) Locate() (engine.Artifacts, error) {
	d := c.WeightDescriptor()
	if !d.ExistsLocally {
		return engine.Artifacts{}, &ArtifactError{
			Op:   "stat",
			Repo: d.Remote.Repo,
			File: d.Remote.File,
			Err:  fmt.Errorf("%w: %s", engine.ErrWeightsNotFound, d.LocalPath),
		}
	}

	dir := c.opts.ModelsDir
	return engine.Artifacts{
		WeightPath:  d.LocalPath,
		PipelineDir: dir,
		VAEPath:     firstExisting(filepath.Join(dir, "vae", "diffusion_pytorch_model.safetensors")),
		ClipLPath:   firstExisting(filepath.Join(dir, "text_encoder", "model.safetensors")),
		T5XXLPath: firstExisting(
			filepath.Join(dir, "text_encoder_2", "model.safetensors"),
			filepath.Join(dir, "text_encoder_2", "t5xxl_fp16.safetensors"),
		),
	}, nil
}

// Provision fetches pipeline files (always) and then the weight artifact
// (skipped when present). It is the startup and `provision` command entry point.
func (c *Cache) Provision(ctx context.Context) error {
	c.logger.Info("ensuring models", zap.String("models_dir", c.opts.ModelsDir))

	c.logger.Info("step 1/2: pipeline configuration files")
	if _, err := c.EnsurePipelineFiles(ctx); err != nil {
		return err
	}

	c.logger.Info("step 2/2: diffusion weights")
	if _, err := c.Ensure(ctx, c.WeightDescriptor()); err != nil {
		return err
	}

	c.logger.Info("all models ready")
	return nil
}

// progressLogger logs download progress at most every 10 seconds.
func (c *Cache) progressLogger(file string) func(core.ProgressInfo) {
	every := rate.Sometimes{Interval: 10 * time.Second}
	return func(p core.ProgressInfo) {
		every.Do(func() {
			c.logger.Info("download progress",
				zap.String("file", file),
				zap.String("downloaded", core.FormatBytes(p.Downloaded)),
				zap.Float64("percent", p.Percent()))
		})
	}
}

// IsWeightsMissing reports whether err means the weight file is absent.
func IsWeightsMissing(err error) bool {
	return errors.Is(err, engine.ErrWeightsNotFound)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func firstExisting(paths ...string) string {
	for _, p := range paths {
		if fileExists(p) {
			return p
		}
	}
	return ""
}
