package stats

import (
	"os"
	"path/filepath"
	"testing"

	"duosplit/internal/model"
)

func sampleArtifacts(runID string) RunArtifacts {
	return RunArtifacts{
		Config: RunConfig{
			RunID:          runID,
			CreatedAtUTC:   "2026-01-02T03:04:05Z",
			Encoding:       "reduced",
			Statistic:      "energy",
			Backend:        "cpu",
			Chunks:         64,
			Selection:      "tournament",
			PopulationSize: 4,
			Generations:    3,
			Elitism:        1,
			InitialStd:     0.5,
			DecayRate:      0.1,
			Seed:           1,
		},
		BestByGeneration:   []float64{0.9, 0.7, 0.7, 0.5},
		BestSoFar:          []float64{0.9, 0.7, 0.7, 0.5},
		InitialBestFitness: 0.9,
		FinalBestFitness:   0.5,
		Coefficients: model.Coefficients{
			HydrogenAlpha: model.Triple{1, 0, 0},
			OxygenIII:     model.Triple{0, 0, 1},
		},
		GenerationDiagnostics: []model.GenerationDiagnostics{{Generation: 0, BestFitness: 0.9}},
	}
}

func TestWriteAndExportRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "exports")

	runID := "run-123"
	runDir, err := WriteRunArtifacts(baseDir, sampleArtifacts(runID))
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}

	files := []string{configFile, historyFile, diagnosticsFile, coeffsFile, seriesFile, plotFile}
	for _, file := range files {
		if _, err := os.Stat(filepath.Join(runDir, file)); err != nil {
			t.Fatalf("expected file %s: %v", file, err)
		}
	}

	if err := os.WriteFile(filepath.Join(runDir, "ha.fits"), []byte("fits"), 0o644); err != nil {
		t.Fatalf("write fake output: %v", err)
	}
	exportedDir, err := ExportRunArtifacts(baseDir, runID, outDir)
	if err != nil {
		t.Fatalf("export artifacts: %v", err)
	}
	for _, file := range append(files, "ha.fits") {
		if _, err := os.Stat(filepath.Join(exportedDir, file)); err != nil {
			t.Fatalf("expected exported file %s: %v", file, err)
		}
	}
	if _, err := os.Stat(filepath.Join(exportedDir, "oiii.fits")); !os.IsNotExist(err) {
		t.Fatalf("expected no oiii.fits export, got %v", err)
	}
}

func TestExportRunArtifactsMissingRun(t *testing.T) {
	if _, err := ExportRunArtifacts(t.TempDir(), "missing", t.TempDir()); err == nil {
		t.Fatal("expected missing run error")
	}
	if _, err := ExportRunArtifacts(t.TempDir(), "", t.TempDir()); err == nil {
		t.Fatal("expected run id error")
	}
}

func TestReadRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	if _, err := WriteRunArtifacts(baseDir, sampleArtifacts("run-1")); err != nil {
		t.Fatalf("write artifacts: %v", err)
	}

	cfg, ok, err := ReadRunConfig(baseDir, "run-1")
	if err != nil || !ok {
		t.Fatalf("read config: ok=%v err=%v", ok, err)
	}
	if cfg.Encoding != "reduced" || cfg.Chunks != 64 {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	history, ok, err := ReadFitnessHistory(baseDir, "run-1")
	if err != nil || !ok {
		t.Fatalf("read history: ok=%v err=%v", ok, err)
	}
	if history.FinalBest != 0.5 || history.Summary.Generations != 3 {
		t.Fatalf("unexpected history: %+v", history)
	}

	report, ok, err := ReadCoefficients(baseDir, "run-1")
	if err != nil || !ok {
		t.Fatalf("read coefficients: ok=%v err=%v", ok, err)
	}
	if report.Coefficients.OxygenIII != (model.Triple{0, 0, 1}) {
		t.Fatalf("unexpected coefficients: %+v", report)
	}

	diagnostics, ok, err := ReadGenerationDiagnostics(baseDir, "run-1")
	if err != nil || !ok {
		t.Fatalf("read diagnostics: ok=%v err=%v", ok, err)
	}
	if len(diagnostics) != len(sampleArtifacts("run-1").GenerationDiagnostics) {
		t.Fatalf("unexpected diagnostics: %+v", diagnostics)
	}

	series, ok, err := ReadFitnessSeries(baseDir, "run-1")
	if err != nil || !ok {
		t.Fatalf("read series: ok=%v err=%v", ok, err)
	}
	if len(series) != 4 || series[3] != 0.5 {
		t.Fatalf("unexpected series: %v", series)
	}

	if _, ok, err := ReadRunConfig(baseDir, "missing"); ok || err != nil {
		t.Fatalf("expected missing config, ok=%v err=%v", ok, err)
	}
}

func TestWriteFitnessSeriesRejectsLengthMismatch(t *testing.T) {
	if err := WriteFitnessSeries(t.TempDir(), []float64{1, 2}, []float64{1}); err == nil {
		t.Fatal("expected length mismatch error")
	}
}

func TestRunIndexOrderingAndUpsert(t *testing.T) {
	baseDir := t.TempDir()

	entries := []RunIndexEntry{
		{RunID: "a", CreatedAtUTC: "2026-01-01T00:00:00Z", FinalBestFitness: 0.9},
		{RunID: "b", CreatedAtUTC: "2026-01-03T00:00:00Z"},
		{RunID: "c", CreatedAtUTC: "2026-01-02T00:00:00Z"},
		{RunID: "a", CreatedAtUTC: "2026-01-01T00:00:00Z", FinalBestFitness: 0.4},
	}
	for _, entry := range entries {
		if err := AppendRunIndex(baseDir, entry); err != nil {
			t.Fatalf("append %s: %v", entry.RunID, err)
		}
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list index: %v", err)
	}
	if len(index) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(index))
	}
	if index[0].RunID != "b" || index[1].RunID != "c" || index[2].RunID != "a" {
		t.Fatalf("unexpected order: %+v", index)
	}
	if index[2].FinalBestFitness != 0.4 {
		t.Fatalf("expected upserted entry, got %+v", index[2])
	}

	if err := AppendRunIndex(baseDir, RunIndexEntry{}); err == nil {
		t.Fatal("expected run id error")
	}
}

func TestListRunIndexEmpty(t *testing.T) {
	index, err := ListRunIndex(t.TempDir())
	if err != nil {
		t.Fatalf("list index: %v", err)
	}
	if len(index) != 0 {
		t.Fatalf("expected empty index, got %+v", index)
	}
}
