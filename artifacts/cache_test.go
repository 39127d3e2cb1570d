package artifacts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"kontextworker/core"
	"kontextworker/engine"
	"kontextworker/metrics"
)

const (
	testModelRepo  = "black-forest-labs/FLUX.1-Kontext-Dev"
	testWeightRepo = "QuantStack/FLUX.1-Kontext-dev-GGUF"
	testWeightFile = "flux1-kontext-dev-Q5_K_M.gguf"
)

func repoFiles() map[string]string {
	return map[string]string{
		testModelRepo + "/model_index.json":                                      `{"_class_name":"FluxKontextPipeline"}`,
		testModelRepo + "/scheduler/scheduler_config.json":                       `{}`,
		testModelRepo + "/tokenizer/vocab.json":                                  `{}`,
		testModelRepo + "/tokenizer_2/spiece.model":                              "sp",
		testModelRepo + "/vae/config.json":                                       `{}`,
		testModelRepo + "/transformer/config.json":                               `{}`,
		testModelRepo + "/transformer/diffusion_pytorch_model-00001-of-00003.safetensors": "huge",
		testModelRepo + "/flux1-kontext-dev.safetensors":                         "huge",
		testModelRepo + "/LICENSE.md":                                            "license",
		testWeightRepo + "/" + testWeightFile:                                    "GGUF-weights",
	}
}

func newTestCache(t *testing.T, hub *fakeHub, token string) (*Cache, string) {
	t.Helper()
	dir := t.TempDir()
	cache := NewCache(Options{
		ModelsDir:     dir,
		ModelRepo:     testModelRepo,
		ModelRevision: "main",
		WeightRepo:    testWeightRepo,
		WeightFile:    testWeightFile,
	}, NewHub(hub.server.URL, token, hub.server.Client()), nil, nil)
	return cache, dir
}

func weightPath() string {
	return "/" + testWeightRepo + "/resolve/main/" + testWeightFile
}

func TestEnsure_DownloadsOnceThenSkips(t *testing.T) {
	hub := newFakeHub(t, repoFiles())
	cache, dir := newTestCache(t, hub, "")

	d := cache.WeightDescriptor()
	if d.ExistsLocally {
		t.Fatal("ExistsLocally = true before download")
	}

	path, err := cache.Ensure(context.Background(), d)
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	want := filepath.Join(dir, "diffusion_models", testWeightFile)
	if path != want {
		t.Errorf("Ensure() = %q, want %q", path, want)
	}
	if got, _ := os.ReadFile(path); string(got) != "GGUF-weights" {
		t.Errorf("content = %q", got)
	}

	before := hub.total()
	path2, err := cache.Ensure(context.Background(), d)
	if err != nil {
		t.Fatalf("second Ensure() error = %v", err)
	}
	if path2 != path {
		t.Errorf("second Ensure() = %q, want %q", path2, path)
	}
	if after := hub.total(); after != before {
		t.Errorf("second Ensure() made %d network calls, want 0", after-before)
	}
}

func TestEnsure_TrustsExistingFile(t *testing.T) {
	hub := newFakeHub(t, repoFiles())
	cache, _ := newTestCache(t, hub, "")

	d := cache.WeightDescriptor()
	os.MkdirAll(filepath.Dir(d.LocalPath), 0755)
	if err := os.WriteFile(d.LocalPath, []byte("stale but trusted"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := cache.Ensure(context.Background(), d); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if hub.total() != 0 {
		t.Errorf("made %d network calls, want 0", hub.total())
	}
	if got, _ := os.ReadFile(d.LocalPath); string(got) != "stale but trusted" {
		t.Errorf("existing file was overwritten: %q", got)
	}
}

func TestEnsure_LabelsMetricsByDescriptorKind(t *testing.T) {
	hub := newFakeHub(t, repoFiles())
	collector := metrics.NewCollector()
	dir := t.TempDir()
	cache := NewCache(Options{
		ModelsDir:     dir,
		ModelRepo:     testModelRepo,
		ModelRevision: "main",
		WeightRepo:    testWeightRepo,
		WeightFile:    testWeightFile,
	}, NewHub(hub.server.URL, "", hub.server.Client()), nil, collector)

	index := Descriptor{
		Remote:    Remote{Repo: testModelRepo, File: "model_index.json", Revision: "main"},
		LocalPath: filepath.Join(dir, "model_index.json"),
		Kind:      KindPipeline,
	}
	license := Descriptor{
		Remote:    Remote{Repo: testModelRepo, File: "LICENSE.md", Revision: "main"},
		LocalPath: filepath.Join(dir, "LICENSE.md"),
	}
	for _, d := range []Descriptor{index, index, license, cache.WeightDescriptor()} {
		if _, err := cache.Ensure(context.Background(), d); err != nil {
			t.Fatalf("Ensure(%s) error = %v", d.Remote.File, err)
		}
	}

	const want = `
# HELP kontext_artifact_fetches_total Artifact ensure calls, by kind (weight, pipeline, other) and result (cached, downloaded, failed).
# TYPE kontext_artifact_fetches_total counter
kontext_artifact_fetches_total{kind="other",result="downloaded"} 1
kontext_artifact_fetches_total{kind="pipeline",result="cached"} 1
kontext_artifact_fetches_total{kind="pipeline",result="downloaded"} 1
kontext_artifact_fetches_total{kind="weight",result="downloaded"} 1
`
	if err := testutil.GatherAndCompare(collector.Registry(), strings.NewReader(want), "kontext_artifact_fetches_total"); err != nil {
		t.Error(err)
	}
}

func TestEnsure_FailureIsArtifactError(t *testing.T) {
	hub := newFakeHub(t, map[string]string{testModelRepo + "/model_index.json": "{}"})
	cache, _ := newTestCache(t, hub, "")

	d := cache.WeightDescriptor()
	_, err := cache.Ensure(context.Background(), d)

	var artErr *ArtifactError
	if !errors.As(err, &artErr) {
		t.Fatalf("Ensure() error = %v, want *ArtifactError", err)
	}
	if artErr.Op != "download" || artErr.File != testWeightFile {
		t.Errorf("ArtifactError = %+v", artErr)
	}
	var statusErr *core.HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != 404 {
		t.Errorf("cause = %v, want 404 HTTPStatusError", err)
	}
	if _, err := os.Stat(d.LocalPath); !os.IsNotExist(err) {
		t.Error("weight path should not exist after failed download")
	}
}

func TestEnsurePipelineFiles_SelectsAndAlwaysRefetches(t *testing.T) {
	hub := newFakeHub(t, repoFiles())
	cache, dir := newTestCache(t, hub, "hf_secret")

	for i := 0; i < 2; i++ {
		got, err := cache.EnsurePipelineFiles(context.Background())
		if err != nil {
			t.Fatalf("EnsurePipelineFiles() #%d error = %v", i+1, err)
		}
		if got != dir {
			t.Errorf("EnsurePipelineFiles() = %q, want %q", got, dir)
		}
	}

	wantFetched := []string{
		"model_index.json",
		"scheduler/scheduler_config.json",
		"tokenizer/vocab.json",
		"tokenizer_2/spiece.model",
		"transformer/config.json",
		"vae/config.json",
	}
	for _, f := range wantFetched {
		if n := hub.count("/" + testModelRepo + "/resolve/main/" + f); n != 2 {
			t.Errorf("%s fetched %d times, want 2", f, n)
		}
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(f))); err != nil {
			t.Errorf("%s not written: %v", f, err)
		}
	}

	for _, f := range []string{
		"transformer/diffusion_pytorch_model-00001-of-00003.safetensors",
		"flux1-kontext-dev.safetensors",
		"LICENSE.md",
	} {
		if n := hub.count("/" + testModelRepo + "/resolve/main/" + f); n != 0 {
			t.Errorf("%s fetched %d times, want 0", f, n)
		}
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()
	for _, a := range hub.auth {
		if a != "Bearer hf_secret" {
			t.Fatalf("Authorization = %q, want bearer token on every request", a)
		}
	}
}

func TestEnsurePipelineFiles_ListingFailure(t *testing.T) {
	hub := newFakeHub(t, map[string]string{})
	cache, _ := newTestCache(t, hub, "")

	_, err := cache.EnsurePipelineFiles(context.Background())
	var artErr *ArtifactError
	if !errors.As(err, &artErr) || artErr.Op != "list" {
		t.Fatalf("error = %v, want list ArtifactError", err)
	}
}

func TestProvision_SecondRunOnlyRefetchesPipelineFiles(t *testing.T) {
	hub := newFakeHub(t, repoFiles())
	cache, _ := newTestCache(t, hub, "")

	if err := cache.Provision(context.Background()); err != nil {
		t.Fatalf("first Provision() error = %v", err)
	}
	if err := cache.Provision(context.Background()); err != nil {
		t.Fatalf("second Provision() error = %v", err)
	}

	if n := hub.count(weightPath()); n != 1 {
		t.Errorf("weight downloaded %d times, want 1", n)
	}
	if n := hub.count("/" + testModelRepo + "/resolve/main/model_index.json"); n != 2 {
		t.Errorf("model_index.json fetched %d times, want 2", n)
	}
}

func TestLocate(t *testing.T) {
	hub := newFakeHub(t, repoFiles())
	cache, dir := newTestCache(t, hub, "")

	_, err := cache.Locate()
	if !IsWeightsMissing(err) || !errors.Is(err, engine.ErrWeightsNotFound) {
		t.Fatalf("Locate() error = %v, want ErrWeightsNotFound", err)
	}

	weights := filepath.Join(dir, "diffusion_models", testWeightFile)
	vae := filepath.Join(dir, "vae", "diffusion_pytorch_model.safetensors")
	for _, p := range []string{weights, vae} {
		os.MkdirAll(filepath.Dir(p), 0755)
		os.WriteFile(p, []byte("x"), 0644)
	}

	arts, err := cache.Locate()
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if arts.WeightPath != weights || arts.VAEPath != vae || arts.PipelineDir != dir {
		t.Errorf("Locate() = %+v", arts)
	}
	if arts.ClipLPath != "" {
		t.Errorf("ClipLPath = %q, want empty when absent", arts.ClipLPath)
	}
	if hub.total() != 0 {
		t.Errorf("Locate made %d network calls", hub.total())
	}
}

func TestFilter(t *testing.T) {
	names := []string{
		"model_index.json",
		"scheduler/scheduler_config.json",
		"text_encoder_2/model-00001-of-00002.safetensors",
		"processor/nested/deep/file.bin",
		"notes.txt",
		"transformer/weights.safetensors",
		"README.md",
	}
	got := Filter(PipelinePatterns, names)
	sort.Strings(got)
	want := []string{
		"model_index.json",
		"notes.txt",
		"processor/nested/deep/file.bin",
		"scheduler/scheduler_config.json",
		"text_encoder_2/model-00001-of-00002.safetensors",
	}
	if len(got) != len(want) {
		t.Fatalf("Filter() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Filter()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
