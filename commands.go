package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"kontextworker/core"
	"kontextworker/db"
	"kontextworker/engine"
	"kontextworker/handler"
	"kontextworker/lifecycle"
	"kontextworker/logging"
	"kontextworker/server"
	"kontextworker/shutdown"
)

// loadRuntime loads configuration and the logger for a command. Commands
// that print results to stdout pass os.Stderr as console.
func loadRuntime(console ...zapcore.WriteSyncer) (*core.Config, *logging.Logger, error) {
	cfg, err := core.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	var w zapcore.WriteSyncer
	if len(console) > 0 {
		w = console[0]
	}
	logger, err := newLogger(cfg, w)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve jobs over HTTP until interrupted",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Usage: "Listen port (overrides RP_PORT)"},
			&cli.BoolFlag{Name: "provision", Usage: "Fetch artifacts before serving (overrides AUTO_PROVISION)"},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if c.IsSet("port") {
		cfg.Port = c.Int("port")
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if c.IsSet("provision") {
		cfg.AutoProvision = c.Bool("provision")
	}

	m := shutdown.NewManager(c.Context, logger)
	m.Start()

	err = serve(m, cfg, logger, engine.Load)
	if m.Signaled() {
		logger.Info("stopped by signal", zap.String("exit", core.ExitCodeName(m.ExitCode())))
		return cli.Exit("", m.ExitCode())
	}
	if err != nil {
		logger.Error("serve failed", zap.Error(err))
		return err
	}
	return nil
}

// serve runs the worker until m's context ends, then tears everything down
// through m. Engine construction failures are fatal through the server's
// FatalFunc.
func serve(m *shutdown.Manager, cfg *core.Config, logger *logging.Logger, loader lifecycle.Loader) error {
	defer m.Shutdown()

	logger.Info("starting kontextworker",
		zap.String("version", core.GetVersionInfo()),
		zap.String("backend", engine.LinkedBackend()),
		zap.String("models_dir", cfg.ModelsDir),
		zap.String("weight_file", cfg.WeightFile),
		zap.String("offload", cfg.EngineOffload),
		zap.Int("default_steps", cfg.DefaultSteps),
		zap.Float64("default_scale", cfg.DefaultScale),
		zap.Bool("auto_provision", cfg.AutoProvision))

	w, err := newWorker(cfg, logger, loader)
	if err != nil {
		return err
	}
	m.Register("engine", 10, func(context.Context) error { return w.engines.Close() })
	m.Register("partial-downloads", 30, shutdown.RemovePartialDownloads(logger, cfg.ModelsDir))

	if err := w.prepare(m.Context()); err != nil {
		return err
	}

	history, closeHistory, err := openHistory(m.Context(), cfg, logger)
	if err != nil {
		return err
	}
	m.Register("job-history", 20, func(context.Context) error {
		closeHistory()
		return nil
	})

	events := server.NewBroadcaster(server.DefaultBroadcasterConfig(), logger)
	go events.Run(m.Context())
	m.Register("event-stream", 1, func(context.Context) error {
		events.Close()
		return nil
	})

	deps := server.Deps{
		Runner:    w.handler,
		Engine:    w.engines,
		Store:     w.store,
		Collector: w.collector,
		Events:    events,
		Logger:    logger,
	}
	if history != nil {
		deps.History = history
	}
	srv, err := server.New(server.DefaultConfig(cfg.ListenAddr()), deps)
	if err != nil {
		return err
	}
	m.Register("http-server", 0, srv.Shutdown)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-m.Context().Done():
	}

	if err := m.Shutdown(); err != nil {
		return err
	}
	if err := <-errCh; err != nil {
		return err
	}
	logger.Info("goodbye")
	return nil
}

func provisionCommand() *cli.Command {
	return &cli.Command{
		Name:   "provision",
		Usage:  "Download pipeline files and the weight artifact into MODELS_DIR",
		Action: provisionAction,
	}
}

func provisionAction(c *cli.Context) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync()

	m := shutdown.NewManager(c.Context, logger)
	m.Register("partial-downloads", 30, shutdown.RemovePartialDownloads(logger, cfg.ModelsDir))
	m.Start()
	defer m.Shutdown()

	cache := newCache(cfg, logger, nil)
	start := time.Now()
	err = cache.Provision(m.Context())
	if m.Signaled() {
		return cli.Exit("provisioning interrupted", m.ExitCode())
	}
	if err != nil {
		color.New(color.FgRed, color.Bold).Fprintf(c.App.ErrWriter, "✗ provisioning failed: %v\n", err)
		return cli.Exit("", core.ExitCodeError)
	}

	color.New(color.FgGreen, color.Bold).Fprintf(c.App.Writer, "✓ all models ready ")
	color.New(color.FgHiBlack).Fprintf(c.App.Writer, "(%s in %v)\n", cfg.ModelsDir, time.Since(start).Round(time.Second))
	return nil
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:   "check",
		Usage:  "Report whether the artifacts needed to serve are present",
		Action: checkAction,
	}
}

func checkAction(c *cli.Context) error {
	cfg, err := core.LoadConfig()
	if err != nil {
		return err
	}

	report := runChecks(cfg)
	report.Print(c.App.Writer)
	if !report.OK() {
		return cli.Exit("", core.ExitCodeError)
	}
	return nil
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Run one job from a file (or stdin) and print the job output",
		ArgsUsage: "[job.json]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Write the generated image here instead of printing JSON"},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	var in io.Reader = os.Stdin
	if path := c.Args().First(); path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return cli.Exit(fmt.Sprintf("open job: %v", err), core.ExitCodeUsage)
		}
		defer f.Close()
		in = f
	}
	raw, err := io.ReadAll(in)
	if err != nil {
		return err
	}

	cfg, logger, err := loadRuntime(zapcore.Lock(os.Stderr))
	if err != nil {
		return err
	}
	defer logger.Sync()

	m := shutdown.NewManager(c.Context, logger)
	m.Start()
	defer m.Shutdown()

	resp, err := runOnce(m.Context(), cfg, logger, engine.Load, raw)
	if m.Signaled() {
		return cli.Exit("", m.ExitCode())
	}
	if err != nil {
		return cli.Exit(err.Error(), core.ExitCodeError)
	}
	return writeJobOutput(c, resp)
}

// runOnce runs a single job through the same path the server uses.
func runOnce(ctx context.Context, cfg *core.Config, logger *logging.Logger, loader lifecycle.Loader, raw []byte) (handler.Response, error) {
	w, err := newWorker(cfg, logger, loader)
	if err != nil {
		return handler.Response{}, err
	}
	defer w.close()

	if err := w.prepare(ctx); err != nil {
		return handler.Response{}, err
	}

	req, err := handler.ParseJob(raw)
	if err != nil {
		return handler.InvalidJob(err), nil
	}
	if req.ID == "" {
		req.ID = db.NewJobID()
	}
	resp, _, err := w.handler.Handle(ctx, req)
	return resp, err
}

func writeJobOutput(c *cli.Context, resp handler.Response) error {
	out := c.String("output")
	if out == "" || resp.Error != "" {
		enc := json.NewEncoder(c.App.Writer)
		if err := enc.Encode(resp); err != nil {
			return err
		}
		if resp.Error != "" {
			return cli.Exit("", core.ExitCodeError)
		}
		return nil
	}

	data, err := base64.StdEncoding.DecodeString(resp.ImageBase64)
	if err != nil {
		return fmt.Errorf("decode job output: %w", err)
	}
	if err := os.WriteFile(out, data, 0644); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "wrote %s (%s)\n", out, core.FormatBytes(int64(len(data))))
	return nil
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List recent jobs from the job history database",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "db", Usage: "History database (defaults to JOB_DB_PATH)"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20, Usage: "Number of jobs to show"},
			&cli.BoolFlag{Name: "json", Usage: "Print JSON instead of a table"},
		},
		Action: historyAction,
	}
}

func historyAction(c *cli.Context) error {
	path := c.String("db")
	if path == "" {
		path = core.GetEnvOrDefault("JOB_DB_PATH", "")
	}
	if path == "" {
		return cli.Exit("no history database: set JOB_DB_PATH or pass --db", core.ExitCodeUsage)
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cli.Exit(fmt.Sprintf("history database %s does not exist", path), core.ExitCodeError)
	}

	database, err := db.Open(path)
	if err != nil {
		return err
	}
	defer database.Close()

	jobs, err := db.NewRepository(database).RecentJobs(c.Context, c.Int("limit"))
	if err != nil {
		return err
	}

	if c.Bool("json") {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}
	printHistory(c.App.Writer, jobs)
	return nil
}
