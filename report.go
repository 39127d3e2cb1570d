package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"kontextworker/core"
	"kontextworker/db"
	"kontextworker/engine"
)

// CheckStatus is the result of one check.
type CheckStatus int

const (
	CheckPassed CheckStatus = iota
	CheckWarning
	CheckFailed
)

// Check is one line of the check report.
type Check struct {
	Name    string
	Status  CheckStatus
	Message string
}

// CheckReport is printed by the check command.
type CheckReport struct {
	Checks []Check
}

// OK reports whether no check failed.
func (r CheckReport) OK() bool {
	for _, c := range r.Checks {
		if c.Status == CheckFailed {
			return false
		}
	}
	return true
}

// runChecks inspects the models directory without any network access.
func runChecks(cfg *core.Config) CheckReport {
	var r CheckReport
	add := func(name string, status CheckStatus, format string, args ...any) {
		r.Checks = append(r.Checks, Check{Name: name, Status: status, Message: fmt.Sprintf(format, args...)})
	}

	add("configuration", CheckPassed, "%s@%s, %s", cfg.WeightRepo, cfg.WeightFile, cfg.EngineOffload)
	add("engine backend", CheckPassed, "%s", engine.LinkedBackend())

	if info, err := os.Stat(cfg.ModelsDir); err != nil || !info.IsDir() {
		add("models directory", CheckWarning, "%s does not exist yet", cfg.ModelsDir)
	} else {
		add("models directory", CheckPassed, "%s", cfg.ModelsDir)
	}

	index := filepath.Join(cfg.ModelsDir, "model_index.json")
	if _, err := os.Stat(index); err != nil {
		add("pipeline files", CheckWarning, "model_index.json missing; run provision")
	} else {
		add("pipeline files", CheckPassed, "%s@%s", cfg.ModelRepo, cfg.ModelRevision)
	}

	weights := cfg.WeightPath()
	if info, err := os.Stat(weights); err != nil || info.IsDir() {
		add("diffusion weights", CheckFailed, "%v", core.ErrWeightsMissing(weights))
	} else {
		add("diffusion weights", CheckPassed, "%s (%s)", weights, core.FormatBytes(info.Size()))
	}
	return r
}

// Print writes the report with colored status markers.
func (r CheckReport) Print(w io.Writer) {
	fmt.Fprintln(w)
	color.New(color.FgCyan, color.Bold).Fprintf(w, "━━━ kontextworker check ━━━\n\n")

	passed, failed := 0, 0
	for _, c := range r.Checks {
		var icon string
		var clr *color.Color
		switch c.Status {
		case CheckPassed:
			icon, clr = "✓", color.New(color.FgGreen)
			passed++
		case CheckWarning:
			icon, clr = "!", color.New(color.FgYellow)
		default:
			icon, clr = "✗", color.New(color.FgRed)
			failed++
		}
		clr.Fprintf(w, "  %s %s", icon, c.Name)
		if c.Message != "" {
			color.New(color.FgHiBlack).Fprintf(w, " - %s", c.Message)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w)
	if failed == 0 {
		color.New(color.FgGreen, color.Bold).Fprintf(w, "━━━ Ready to serve (%d/%d passed) ━━━\n", passed, len(r.Checks))
	} else {
		color.New(color.FgRed, color.Bold).Fprintf(w, "━━━ Not ready (%d failed) ━━━\n", failed)
	}
}

// printHistory writes jobs as an aligned table.
func printHistory(w io.Writer, jobs []db.JobRecord) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "no jobs recorded")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tID\tSTATUS\tSIZE\tSTEPS\tLOAD\tTOTAL\tERROR")
	for _, j := range jobs {
		size := "-"
		if j.Width > 0 {
			size = fmt.Sprintf("%dx%d", j.Width, j.Height)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%.1fs\t%.1fs\t%s\n",
			j.CreatedAt.Local().Format(time.DateTime),
			j.ID,
			statusColor(j.Status).Sprint(j.Status),
			size,
			j.Steps,
			j.LoadSeconds,
			j.TotalSeconds,
			j.ErrorMessage,
		)
	}
	tw.Flush()
}

func statusColor(status string) *color.Color {
	switch status {
	case db.StatusSuccess:
		return color.New(color.FgGreen)
	case db.StatusRejected:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}
