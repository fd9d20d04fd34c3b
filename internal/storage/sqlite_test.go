//go:build sqlite

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"duosplit/internal/model"
)

func openSQLiteStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	store := NewSQLiteStore(path)
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestSQLiteStoreRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "duosplit.db")
	store := openSQLiteStore(t, dbPath)

	first := sampleRun("run-b", "2026-01-02T00:00:00Z")
	second := sampleRun("run-a", "2026-01-01T00:00:00Z")
	for _, run := range []model.RunRecord{first, second} {
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("save run: %v", err)
		}
	}
	first.BestFitness = 0.25
	if err := store.SaveRun(ctx, first); err != nil {
		t.Fatalf("upsert run: %v", err)
	}

	loaded, ok, err := store.GetRun(ctx, "run-b")
	if err != nil || !ok {
		t.Fatalf("get run: ok=%v err=%v", ok, err)
	}
	if loaded.BestFitness != 0.25 {
		t.Fatalf("expected upserted fitness, got %+v", loaded)
	}

	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-a" || runs[1].ID != "run-b" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestSQLiteStoreTracesAndCamerasSurviveReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "duosplit.db")
	store := openSQLiteStore(t, dbPath)

	history := []float64{0.9, 0.8, 0.8}
	diagnostics := []model.GenerationDiagnostics{{Generation: 0, BestFitness: 0.9, BestSoFar: 0.9, MutationStd: 0.5}}
	if err := store.SaveFitnessHistory(ctx, "run-1", history); err != nil {
		t.Fatalf("save history: %v", err)
	}
	if err := store.SaveGenerationDiagnostics(ctx, "run-1", diagnostics); err != nil {
		t.Fatalf("save diagnostics: %v", err)
	}
	if err := store.SaveCamera(ctx, sampleCamera("cam")); err != nil {
		t.Fatalf("save camera: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openSQLiteStore(t, dbPath)
	gotHistory, ok, err := reopened.GetFitnessHistory(ctx, "run-1")
	if err != nil || !ok || len(gotHistory) != 3 || gotHistory[1] != 0.8 {
		t.Fatalf("unexpected history: %v ok=%v err=%v", gotHistory, ok, err)
	}
	gotDiagnostics, ok, err := reopened.GetGenerationDiagnostics(ctx, "run-1")
	if err != nil || !ok || len(gotDiagnostics) != 1 || gotDiagnostics[0] != diagnostics[0] {
		t.Fatalf("unexpected diagnostics: %v ok=%v err=%v", gotDiagnostics, ok, err)
	}
	camera, ok, err := reopened.GetCamera(ctx, "cam")
	if err != nil || !ok || camera.Green.OxygenIII != 0.6 {
		t.Fatalf("unexpected camera: %+v ok=%v err=%v", camera, ok, err)
	}
	if _, ok, err := reopened.GetFitnessHistory(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing history, ok=%v err=%v", ok, err)
	}
}

func TestSQLiteStoreRequiresInit(t *testing.T) {
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "x.db"))
	if err := store.SaveRun(context.Background(), sampleRun("r", "")); err == nil {
		t.Fatal("expected not initialized error")
	}
}
