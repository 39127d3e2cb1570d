package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"kontextworker/core"
	"kontextworker/handler"
	"kontextworker/imaging"
	"kontextworker/resolution"
	"kontextworker/server"
)

func submitCommand() *cli.Command {
	return &cli.Command{
		Name:  "submit",
		Usage: "Send a local image to a running worker and save the result",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "http://localhost:3000/runsync", Usage: "Worker endpoint"},
			&cli.StringFlag{Name: "image", Aliases: []string{"i"}, Required: true, Usage: "Source image file"},
			&cli.StringFlag{Name: "prompt", Aliases: []string{"p"}, Required: true, Usage: "Edit instruction"},
			&cli.StringFlag{Name: "negative-prompt", Usage: "What to avoid"},
			&cli.IntFlag{Name: "steps", Usage: "Inference steps (worker default when unset)"},
			&cli.Float64Flag{Name: "guidance", Usage: "Guidance scale (worker default when unset)"},
			&cli.BoolFlag{Name: "no-snap", Usage: "Send the image at its own size instead of the nearest preferred bucket"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Value: "output.png", Usage: "Where to write the result"},
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Minute, Usage: "Give up after this long"},
		},
		Action: submitAction,
	}
}

// SubmitOptions describe one client-side submission.
type SubmitOptions struct {
	URL            string
	ImagePath      string
	Prompt         string
	NegativePrompt string
	Steps          int
	Guidance       float64
	Snap           bool
	Client         *http.Client
}

func submitAction(c *cli.Context) error {
	opts := SubmitOptions{
		URL:            c.String("url"),
		ImagePath:      c.String("image"),
		Prompt:         c.String("prompt"),
		NegativePrompt: c.String("negative-prompt"),
		Steps:          c.Int("steps"),
		Guidance:       c.Float64("guidance"),
		Snap:           !c.Bool("no-snap"),
		Client:         &http.Client{Timeout: c.Duration("timeout")},
	}

	data, err := submit(c.Context, opts)
	if err != nil {
		return cli.Exit(err.Error(), core.ExitCodeError)
	}
	if err := os.WriteFile(c.String("output"), data, 0644); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "saved %s (%s)\n", c.String("output"), core.FormatBytes(int64(len(data))))
	return nil
}

// submit snaps the source to the closest preferred bucket (unless
// disabled), posts it and returns the decoded output image bytes.
func submit(ctx context.Context, opts SubmitOptions) ([]byte, error) {
	raw, err := os.ReadFile(opts.ImagePath)
	if err != nil {
		return nil, err
	}

	src, err := imaging.NewCodec(nil, 0).Decode(ctx, base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", opts.ImagePath, err)
	}

	size := resolution.Size{Width: src.Width, Height: src.Height}
	if opts.Snap {
		if snapped, ok := resolution.SnapToBucket(src.Width, src.Height); ok {
			size = snapped
		}
	}
	if size.Width != src.Width || size.Height != src.Height {
		if src, err = imaging.Resize(src, size.Width, size.Height); err != nil {
			return nil, err
		}
	}

	encoded, err := imaging.Encode(src, imaging.FormatPNG)
	if err != nil {
		return nil, err
	}

	req := handler.Request{
		Image:          encoded,
		Prompt:         opts.Prompt,
		NegativePrompt: opts.NegativePrompt,
		Width:          handler.NewNumber(float64(size.Width)),
		Height:         handler.NewNumber(float64(size.Height)),
	}
	if opts.Steps > 0 {
		req.Steps = handler.NewNumber(float64(opts.Steps))
	}
	if opts.Guidance > 0 {
		req.GuidanceScale = handler.NewNumber(opts.Guidance)
	}

	body, err := json.Marshal(handler.Job{Input: req})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("worker returned %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	out, err := parseOutput(payload)
	if err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, fmt.Errorf("job rejected: %s", out.Error)
	}
	return base64.StdEncoding.DecodeString(out.ImageBase64)
}

// parseOutput accepts both the wrapped /run shape and the bare output.
func parseOutput(payload []byte) (handler.Response, error) {
	var wrapped server.RunResponse
	if err := json.Unmarshal(payload, &wrapped); err == nil && wrapped.Status != "" {
		return wrapped.Output, nil
	}
	var bare handler.Response
	if err := json.Unmarshal(payload, &bare); err != nil {
		return handler.Response{}, fmt.Errorf("unexpected worker response: %w", err)
	}
	return bare, nil
}
