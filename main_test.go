package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kontextworker/core"
	"kontextworker/db"
	"kontextworker/engine"
	"kontextworker/handler"
	"kontextworker/imaging"
	"kontextworker/logging"
	"kontextworker/server"
)

type solidEngine struct{}

func (solidEngine) Generate(_ context.Context, p engine.Params) (*imaging.Buffer, error) {
	return imaging.NewBuffer(p.Width, p.Height)
}
func (solidEngine) ReleaseTransient() {}
func (solidEngine) Close() error      { return nil }
func (solidEngine) Backend() string   { return "solid" }

func testConfig(t *testing.T) *core.Config {
	t.Helper()
	dir := t.TempDir()
	return &core.Config{
		ModelsDir:          dir,
		ModelRepo:          core.DefaultModelRepo,
		ModelRevision:      core.DefaultModelRevision,
		WeightRepo:         core.DefaultWeightRepo,
		WeightFile:         "weights.gguf",
		HubEndpoint:        "http://127.0.0.1:0",
		DefaultSteps:       4,
		DefaultScale:       3.5,
		OutputFormat:       "png",
		EnginePrecision:    "bf16",
		EngineQuantization: "gguf",
		EngineOffload:      string(engine.OffloadModel),
		Port:               core.DefaultPort,
		ImageFetchTimeout:  time.Second,
		MaxImageBytes:      core.DefaultMaxImageBytes,
		MaxImagePixels:     core.DefaultMaxImagePixels,
		LogLevel:           "error",
	}
}

func writeWeights(t *testing.T, cfg *core.Config) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.WeightPath()), 0755))
	require.NoError(t, os.WriteFile(cfg.WeightPath(), make([]byte, 2048), 0644))
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func TestNewApp_Commands(t *testing.T) {
	app := newApp()

	var names []string
	for _, c := range app.Commands {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(t,
		[]string{"serve", "provision", "check", "run", "submit", "history", "service"},
		names)

	svc := app.Command("service")
	require.NotNil(t, svc)
	for _, sub := range []string{"run", "status", "install", "uninstall", "start", "stop", "restart"} {
		assert.NotNil(t, svc.Command(sub), "service %s", sub)
	}
}

func TestServiceConfig(t *testing.T) {
	cfg := serviceConfig()
	assert.Equal(t, "kontextworker", cfg.Name)
	assert.Equal(t, []string{"service", "run"}, cfg.Arguments)
	assert.NotEmpty(t, cfg.WorkingDirectory)
}

func TestRunChecks_MissingWeights(t *testing.T) {
	cfg := testConfig(t)

	report := runChecks(cfg)
	assert.False(t, report.OK())

	var buf bytes.Buffer
	report.Print(&buf)
	out := buf.String()
	assert.Contains(t, out, "diffusion weights")
	assert.Contains(t, out, "Not ready")
}

func TestRunChecks_Ready(t *testing.T) {
	cfg := testConfig(t)
	writeWeights(t, cfg)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.ModelsDir, "model_index.json"), []byte("{}"), 0644))

	report := runChecks(cfg)
	assert.True(t, report.OK())

	for _, c := range report.Checks {
		assert.NotEqual(t, CheckFailed, c.Status, c.Name)
		if c.Name == "diffusion weights" {
			assert.Contains(t, c.Message, "2.00 KB")
		}
	}

	var buf bytes.Buffer
	report.Print(&buf)
	assert.Contains(t, buf.String(), "Ready to serve")
}

func TestPrintHistory(t *testing.T) {
	var buf bytes.Buffer
	printHistory(&buf, nil)
	assert.Equal(t, "no jobs recorded\n", buf.String())

	buf.Reset()
	printHistory(&buf, []db.JobRecord{
		{ID: "job-ok", Status: db.StatusSuccess, Width: 1024, Height: 768, Steps: 20, CreatedAt: time.Now()},
		{ID: "job-bad", Status: db.StatusRejected, ErrorMessage: handler.MsgMissingFields, CreatedAt: time.Now()},
	})
	out := buf.String()
	assert.Contains(t, out, "job-ok")
	assert.Contains(t, out, "1024x768")
	assert.Contains(t, out, handler.MsgMissingFields)
	assert.Equal(t, 3, strings.Count(out, "\n"))
}

func TestRunOnce(t *testing.T) {
	cfg := testConfig(t)
	writeWeights(t, cfg)
	src := filepath.Join(t.TempDir(), "src.png")
	writePNG(t, src, 32, 24)
	raw, err := os.ReadFile(src)
	require.NoError(t, err)

	loader := func(engine.LoadOptions) (engine.Engine, error) { return solidEngine{}, nil }

	job := `{"input":{"image":"` + base64.StdEncoding.EncodeToString(raw) + `","prompt":"make it blue","width":64}}`
	resp, err := runOnce(context.Background(), cfg, logging.NewNop(), loader, []byte(job))
	require.NoError(t, err)
	require.Empty(t, resp.Error)

	out, err := imaging.NewCodec(nil, 0).Decode(context.Background(), resp.ImageBase64)
	require.NoError(t, err)
	assert.Equal(t, 64, out.Width)
	assert.Equal(t, 24, out.Height)
}

func TestRunOnce_Envelopes(t *testing.T) {
	cfg := testConfig(t)
	writeWeights(t, cfg)
	loader := func(engine.LoadOptions) (engine.Engine, error) { return solidEngine{}, nil }

	resp, err := runOnce(context.Background(), cfg, logging.NewNop(), loader, []byte(`{"input":{"prompt":"x"}}`))
	require.NoError(t, err)
	assert.Equal(t, handler.MsgMissingFields, resp.Error)

	resp, err = runOnce(context.Background(), cfg, logging.NewNop(), loader, []byte(`not json`))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp.Error, "Invalid job input: "), resp.Error)
}

func TestRunOnce_PixelLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxImagePixels = 100
	writeWeights(t, cfg)
	src := filepath.Join(t.TempDir(), "src.png")
	writePNG(t, src, 32, 24)
	raw, err := os.ReadFile(src)
	require.NoError(t, err)

	loads := 0
	loader := func(engine.LoadOptions) (engine.Engine, error) {
		loads++
		return solidEngine{}, nil
	}

	job := `{"input":{"image":"` + base64.StdEncoding.EncodeToString(raw) + `","prompt":"make it blue"}}`
	resp, err := runOnce(context.Background(), cfg, logging.NewNop(), loader, []byte(job))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp.Error, "Failed to decode image input: "), resp.Error)
	assert.Contains(t, resp.Error, "32x24")
	assert.Zero(t, loads)
}

func TestRunOnce_WeightsMissing(t *testing.T) {
	cfg := testConfig(t)
	loader := func(engine.LoadOptions) (engine.Engine, error) { return solidEngine{}, nil }

	_, err := runOnce(context.Background(), cfg, logging.NewNop(), loader, []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, core.ErrCodeWeightsMissing, core.GetErrorCode(err))
}

func TestParseOutput(t *testing.T) {
	wrapped, err := json.Marshal(server.RunResponse{
		ID:     "abc",
		Status: server.StatusCompleted,
		Output: handler.Response{ImageBase64: "Zm9v"},
	})
	require.NoError(t, err)

	out, err := parseOutput(wrapped)
	require.NoError(t, err)
	assert.Equal(t, "Zm9v", out.ImageBase64)

	out, err = parseOutput([]byte(`{"error":"Missing required fields: image, prompt"}`))
	require.NoError(t, err)
	assert.Equal(t, handler.MsgMissingFields, out.Error)

	_, err = parseOutput([]byte(`<html>`))
	assert.Error(t, err)
}

func TestSubmit(t *testing.T) {
	var got handler.Job
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))

		buf, _ := imaging.NewBuffer(8, 8)
		encoded, _ := imaging.Encode(buf, imaging.FormatPNG)
		json.NewEncoder(w).Encode(server.RunResponse{
			ID:     "job-1",
			Status: server.StatusCompleted,
			Output: handler.Response{ImageBase64: encoded},
		})
	}))
	defer srv.Close()

	src := filepath.Join(t.TempDir(), "src.png")
	writePNG(t, src, 64, 48)

	data, err := submit(context.Background(), SubmitOptions{
		URL:       srv.URL + "/runsync",
		ImagePath: src,
		Prompt:    "add a hat",
		Steps:     12,
		Snap:      true,
	})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))

	assert.Equal(t, "add a hat", got.Input.Prompt)
	assert.Equal(t, 12, got.Input.Steps.IntOr(0))
	assert.False(t, got.Input.GuidanceScale.Set)
	assert.Equal(t, 1184, got.Input.Width.IntOr(0))
	assert.Equal(t, 880, got.Input.Height.IntOr(0))

	sent, err := imaging.NewCodec(nil, 0).Decode(context.Background(), got.Input.Image)
	require.NoError(t, err)
	assert.Equal(t, 1184, sent.Width)
	assert.Equal(t, 880, sent.Height)
}

func TestSubmit_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"Failed to decode image input: bad"}`))
	}))
	defer srv.Close()

	src := filepath.Join(t.TempDir(), "src.png")
	writePNG(t, src, 16, 16)

	_, err := submit(context.Background(), SubmitOptions{URL: srv.URL, ImagePath: src, Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to decode image input")
}

func TestSubmit_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "engine exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := filepath.Join(t.TempDir(), "src.png")
	writePNG(t, src, 16, 16)

	_, err := submit(context.Background(), SubmitOptions{URL: srv.URL, ImagePath: src, Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine exploded")
}
