package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/kardianos/service"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"kontextworker/core"
	"kontextworker/engine"
	"kontextworker/shutdown"
)

// serviceStopGrace is how long Stop waits beyond the shutdown timeout.
const serviceStopGrace = 5 * time.Second

// program runs serve under the host service manager.
type program struct {
	cancel context.CancelFunc
	exit   chan struct{}
}

// Start must not block; the worker runs in its own goroutine.
func (p *program) Start(s service.Service) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.exit = make(chan struct{})

	go func() {
		defer close(p.exit)
		defer logger.Sync()

		err := serve(shutdown.NewManager(ctx, logger), cfg, logger, engine.Load)
		if err != nil && ctx.Err() == nil {
			logger.Error("worker stopped unexpectedly", zap.Error(err))
			logger.Sync()
			os.Exit(core.ExitCodeError)
		}
	}()
	return nil
}

// Stop cancels the worker and waits for it to finish its shutdown.
func (p *program) Stop(s service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()

	select {
	case <-p.exit:
		return nil
	case <-time.After(shutdown.DefaultTimeout + serviceStopGrace):
		return errors.New("timeout waiting for service to stop")
	}
}

// serviceConfig describes the installed service. The working directory is
// the one install ran from so .env and relative paths keep resolving.
func serviceConfig() *service.Config {
	cfg := &service.Config{
		Name:        "kontextworker",
		DisplayName: "Kontext Image Worker",
		Description: "Serves FLUX.1-Kontext image-edit jobs over HTTP",
		Arguments:   []string{"service", "run"},
		Option: service.KeyValue{
			"StartType": "automatic",
			"Restart":   "on-failure",
		},
	}
	if wd, err := os.Getwd(); err == nil {
		cfg.WorkingDirectory = wd
	}
	return cfg
}

func newService() (service.Service, error) {
	s, err := service.New(&program{}, serviceConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	return s, nil
}

func serviceCommand() *cli.Command {
	sub := []*cli.Command{
		{
			Name:   "run",
			Usage:  "Run under the service manager (used by the installed service)",
			Action: serviceRunAction,
		},
		{
			Name:   "status",
			Usage:  "Show whether the service is installed and running",
			Action: serviceStatusAction,
		},
	}
	for _, action := range service.ControlAction {
		sub = append(sub, &cli.Command{
			Name:   action,
			Usage:  fmt.Sprintf("%s the system service", action),
			Action: serviceControlAction(action),
		})
	}

	return &cli.Command{
		Name:        "service",
		Usage:       "Install and control kontextworker as a system service",
		Subcommands: sub,
	}
}

func serviceRunAction(c *cli.Context) error {
	s, err := newService()
	if err != nil {
		return err
	}
	return s.Run()
}

func serviceControlAction(action string) cli.ActionFunc {
	return func(c *cli.Context) error {
		s, err := newService()
		if err != nil {
			return err
		}
		if err := service.Control(s, action); err != nil {
			color.New(color.FgRed, color.Bold).Fprintf(c.App.ErrWriter, "✗ %s failed: %v\n", action, err)
			return cli.Exit("", core.ExitCodeError)
		}
		color.New(color.FgGreen, color.Bold).Fprintf(c.App.Writer, "✓ service %s ok\n", action)
		return nil
	}
}

func serviceStatusAction(c *cli.Context) error {
	s, err := newService()
	if err != nil {
		return err
	}

	status, err := s.Status()
	if errors.Is(err, service.ErrNotInstalled) {
		color.New(color.FgYellow).Fprintln(c.App.Writer, "! service not installed")
		return cli.Exit("", core.ExitCodeError)
	}
	if err != nil {
		return err
	}

	switch status {
	case service.StatusRunning:
		color.New(color.FgGreen).Fprintln(c.App.Writer, "✓ running")
	case service.StatusStopped:
		color.New(color.FgYellow).Fprintln(c.App.Writer, "! stopped")
	default:
		color.New(color.FgHiBlack).Fprintln(c.App.Writer, "? unknown")
	}
	return nil
}
