package duosplit

import (
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"duosplit/internal/compute"
	"duosplit/internal/evo"
	"duosplit/internal/genotype"
	"duosplit/internal/imageio"
	"duosplit/internal/model"
	"duosplit/internal/stats"
)

func identityLikeQE() *model.QEMatrix {
	return &model.QEMatrix{
		Red:   model.QuantumEfficiency{HydrogenAlpha: 1, OxygenIII: 0},
		Green: model.QuantumEfficiency{HydrogenAlpha: 0.3, OxygenIII: 0.3},
		Blue:  model.QuantumEfficiency{HydrogenAlpha: 0, OxygenIII: 1},
	}
}

func syntheticImage(t *testing.T) model.Image {
	t.Helper()
	img, err := model.NewImage(2, 2,
		[]float64{1, 0, 0, 0},
		[]float64{0.3, 1, 0.3, 1},
		[]float64{0, 0, 1, 0},
	)
	if err != nil {
		t.Fatalf("new image: %v", err)
	}
	return img
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	client, err := New(Options{
		RunsDir:    filepath.Join(t.TempDir(), "runs"),
		ExportsDir: filepath.Join(t.TempDir(), "exports"),
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

// countDeviceOpens replaces openDevice for the duration of the test.
func countDeviceOpens(t *testing.T) *int {
	t.Helper()
	opens := 0
	previous := openDevice
	openDevice = func(kind string, workers int) (compute.Device, error) {
		opens++
		return previous(kind, workers)
	}
	t.Cleanup(func() {
		openDevice = previous
	})
	return &opens
}

func TestRunConvergesOnSyntheticFITS(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	input := filepath.Join(t.TempDir(), "input.fits")
	if err := imageio.WriteRGB(input, syntheticImage(t)); err != nil {
		t.Fatalf("write input: %v", err)
	}
	outDir := t.TempDir()

	summary, err := client.Run(ctx, RunRequest{
		Input:     input,
		QE:        identityLikeQE(),
		Params:    evo.DefaultParams(),
		OutputDir: outDir,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.RunID == "" || summary.Backend != "cpu" {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if math.Abs(summary.BestFitness-0.5) > 1e-3 {
		t.Fatalf("unexpected best fitness %g", summary.BestFitness)
	}
	want := model.Coefficients{HydrogenAlpha: model.Triple{1, 0, 0}, OxygenIII: model.Triple{0, 0, 1}}
	for i := 0; i < 3; i++ {
		if math.Abs(summary.Coefficients.HydrogenAlpha[i]-want.HydrogenAlpha[i]) > 0.05 ||
			math.Abs(summary.Coefficients.OxygenIII[i]-want.OxygenIII[i]) > 0.05 {
			t.Fatalf("coefficients off target: %+v", summary.Coefficients)
		}
	}
	if len(summary.BestByGeneration) != evo.DefaultParams().Generations+1 {
		t.Fatalf("unexpected trace length %d", len(summary.BestByGeneration))
	}
	if len(summary.Outputs) != 4 {
		t.Fatalf("expected 4 output images, got %v", summary.Outputs)
	}

	ha, ok := summary.Planes["ha"]
	if !ok || math.Abs(ha.Max-1) > 0.1 || ha.Min < 0 || math.Abs(ha.Mean-0.25) > 0.1 {
		t.Fatalf("unexpected ha plane stats %+v", summary.Planes)
	}
	report, ok, err := stats.ReadCoefficients(filepath.Dir(summary.ArtifactsDir), summary.RunID)
	if err != nil || !ok {
		t.Fatalf("read coefficients report: ok=%v err=%v", ok, err)
	}
	if report.Planes["oiii"] != summary.Planes["oiii"] {
		t.Fatalf("report plane stats %+v do not match summary %+v", report.Planes, summary.Planes)
	}
	if _, err := os.Stat(filepath.Join(outDir, "ha.fits")); err != nil {
		t.Fatalf("expected ha output: %v", err)
	}

	history, err := client.FitnessHistory(ctx, FitnessHistoryRequest{Latest: true})
	if err != nil {
		t.Fatalf("fitness history: %v", err)
	}
	if len(history) != len(summary.BestByGeneration) {
		t.Fatalf("history length mismatch: %d", len(history))
	}
	diagnostics, err := client.Diagnostics(ctx, DiagnosticsRequest{RunID: summary.RunID, Limit: 3})
	if err != nil {
		t.Fatalf("diagnostics: %v", err)
	}
	if len(diagnostics) != 3 || diagnostics[0].Generation != 0 {
		t.Fatalf("unexpected diagnostics: %+v", diagnostics)
	}

	runs, err := client.Runs(ctx, RunsRequest{})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != summary.RunID || runs[0].Encoding != EncodingReduced {
		t.Fatalf("unexpected runs: %+v", runs)
	}

	exported, err := client.Export(ctx, ExportRequest{Latest: true})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	for _, file := range []string{"coefficients.json", "fitness_series.csv", "fitness.png", "ha.fits", "oiii.fits"} {
		if _, err := os.Stat(filepath.Join(exported.Directory, file)); err != nil {
			t.Fatalf("expected exported %s: %v", file, err)
		}
	}

	ref, err := client.Reference(ctx, ReferenceRequest{QE: identityLikeQE(), RunID: summary.RunID})
	if err != nil {
		t.Fatalf("reference: %v", err)
	}
	if ref.Residuals.Max() > 1e-9 {
		t.Fatalf("reference residuals too large: %+v", ref.Residuals)
	}
	if ref.EvolvedResid == nil || ref.EvolvedResid.Max() > 1e-6 {
		t.Fatalf("evolved coefficients should separate the lines: %+v", ref.EvolvedResid)
	}
}

func TestRunDirectEncodingWithCamera(t *testing.T) {
	client := newTestClient(t)
	img := syntheticImage(t)
	params := evo.DefaultParams()
	params.PopulationSize = 20
	params.Generations = 5
	params.Elitism = 2

	summary, err := client.Run(context.Background(), RunRequest{
		Image:     &img,
		Camera:    "generic-osc",
		Encoding:  EncodingDirect,
		Statistic: "absolute",
		Selection: "elite",
		Params:    params,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(summary.BestByGeneration) != params.Generations+1 {
		t.Fatalf("unexpected trace length %d", len(summary.BestByGeneration))
	}
	if summary.BestFitness > summary.InitialBestFitness {
		t.Fatalf("best fitness regressed: initial=%g best=%g", summary.InitialBestFitness, summary.BestFitness)
	}
}

func TestRunDegenerateQEFailsBeforeDeviceWork(t *testing.T) {
	opens := countDeviceOpens(t)
	client := newTestClient(t)
	img := syntheticImage(t)
	degenerate := &model.QEMatrix{
		Red:   model.QuantumEfficiency{HydrogenAlpha: 1, OxygenIII: 0},
		Green: model.QuantumEfficiency{HydrogenAlpha: 0.3, OxygenIII: 0.3},
		Blue:  model.QuantumEfficiency{HydrogenAlpha: 0.6, OxygenIII: 0.6},
	}

	_, err := client.Run(context.Background(), RunRequest{Image: &img, QE: degenerate})
	if !errors.Is(err, evo.ErrConfig) || !errors.Is(err, genotype.ErrDegenerateQE) {
		t.Fatalf("expected degenerate qe config error, got %v", err)
	}
	if *opens != 0 {
		t.Fatalf("expected no device opened, got %d", *opens)
	}
}

func TestRunRejectsBadRequests(t *testing.T) {
	client := newTestClient(t)
	img := syntheticImage(t)

	if _, err := client.Run(context.Background(), RunRequest{Image: &img}); !errors.Is(err, ErrNoQE) {
		t.Fatalf("expected missing qe error, got %v", err)
	}
	if _, err := client.Run(context.Background(), RunRequest{QE: identityLikeQE()}); !errors.Is(err, ErrNoImage) {
		t.Fatalf("expected missing image error, got %v", err)
	}
	_, err := client.Run(context.Background(), RunRequest{Image: &img, QE: identityLikeQE(), Encoding: "spline"})
	if !errors.Is(err, evo.ErrConfig) {
		t.Fatalf("expected unknown encoding config error, got %v", err)
	}
	_, err = client.Run(context.Background(), RunRequest{Image: &img, QE: identityLikeQE(), Backend: "vulkan"})
	if !errors.Is(err, compute.ErrBackendUnavailable) {
		t.Fatalf("expected unavailable backend, got %v", err)
	}
	params := evo.DefaultParams()
	params.Elitism = params.PopulationSize + 1
	_, err = client.Run(context.Background(), RunRequest{Image: &img, QE: identityLikeQE(), Params: params})
	if !errors.Is(err, evo.ErrConfig) {
		t.Fatalf("expected elitism config error, got %v", err)
	}
}

func TestRunsAndExportWithoutRuns(t *testing.T) {
	client := newTestClient(t)
	runs, err := client.Runs(context.Background(), RunsRequest{})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("expected no runs, got %+v", runs)
	}
	if _, err := client.Export(context.Background(), ExportRequest{Latest: true}); err == nil {
		t.Fatal("expected no runs error")
	}
	if _, err := client.Export(context.Background(), ExportRequest{RunID: "x", Latest: true}); err == nil {
		t.Fatal("expected conflicting selector error")
	}
	_, err = client.FitnessHistory(context.Background(), FitnessHistoryRequest{RunID: "missing"})
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected run not found, got %v", err)
	}
}

func TestReferenceFromCamera(t *testing.T) {
	client := newTestClient(t)
	ref, err := client.Reference(context.Background(), ReferenceRequest{Camera: "generic-osc"})
	if err != nil {
		t.Fatalf("reference: %v", err)
	}
	if ref.Residuals.Max() > 1e-9 || ref.Condition < 1 || len(ref.SingularValues) != 2 {
		t.Fatalf("unexpected reference: %+v", ref)
	}
	if ref.Evolved != nil {
		t.Fatal("expected no evolved coefficients without run id")
	}
}

func TestCamerasIncludesFileProfiles(t *testing.T) {
	client := newTestClient(t)
	path := filepath.Join(t.TempDir(), "cameras.yaml")
	data := []byte(`cameras:
  - name: test-cam
    qe_red: {ha: 0.8, oiii: 0.05}
    qe_green: {ha: 0.1, oiii: 0.6}
    qe_blue: {ha: 0.02, oiii: 0.45}
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write cameras: %v", err)
	}
	cameras, err := client.Cameras(path)
	if err != nil {
		t.Fatalf("cameras: %v", err)
	}
	found := false
	for _, cam := range cameras {
		if cam.Name == "test-cam" {
			found = true
		}
	}
	if !found || len(cameras) < 3 {
		t.Fatalf("unexpected cameras: %+v", cameras)
	}
}

func TestElitePool(t *testing.T) {
	if got := elitePool(evo.Params{PopulationSize: 100, Elitism: 5}); got != 5 {
		t.Fatalf("expected elitism pool, got %d", got)
	}
	if got := elitePool(evo.Params{PopulationSize: 100}); got != 20 {
		t.Fatalf("expected fifth of population, got %d", got)
	}
	if got := elitePool(evo.Params{PopulationSize: 3}); got != 1 {
		t.Fatalf("expected minimum pool, got %d", got)
	}
}
