// Command kontextworker serves FLUX.1-Kontext image-edit jobs over HTTP and
// manages the model artifacts they need.
//
// Usage:
//
//	kontextworker <command> [options]
//
// Exit codes:
//   - 0: success
//   - 1: error (missing weights, download failure, engine construction failure)
//   - 2: bad command-line usage
//   - 130/143: stopped by SIGINT/SIGTERM
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"kontextworker/core"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: could not load .env: %v\n", err)
	}

	if err := newApp().Run(os.Args); err != nil {
		os.Exit(core.ExitCodeError)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "kontextworker",
		Usage:          "FLUX.1-Kontext image-edit job worker",
		Version:        core.GetVersionInfo(),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			serveCommand(),
			provisionCommand(),
			checkCommand(),
			runCommand(),
			submitCommand(),
			historyCommand(),
			serviceCommand(),
		},
	}
}

// exitErrHandler keeps exit codes from cli.Exit and maps configuration
// errors to their actionable message.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	if cfgErr, ok := core.IsConfigError(err); ok {
		fmt.Fprintf(os.Stderr, "Configuration error [%s]: %v\n", cfgErr.Code, cfgErr)
		os.Exit(core.ExitCodeError)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(core.ExitCodeError)
}
