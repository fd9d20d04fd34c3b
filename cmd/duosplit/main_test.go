package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"duosplit/internal/imageio"
	"duosplit/internal/model"
)

func writeSyntheticInput(t *testing.T) string {
	t.Helper()
	img, err := model.NewImage(2, 2,
		[]float64{1, 0, 0, 0},
		[]float64{0.3, 1, 0.3, 1},
		[]float64{0, 0, 1, 0},
	)
	if err != nil {
		t.Fatalf("new image: %v", err)
	}
	path := filepath.Join(t.TempDir(), "input.fits")
	if err := imageio.WriteRGB(path, img); err != nil {
		t.Fatalf("write input: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), args, &stdout, &stderr); err != nil {
		t.Fatalf("%s: %v\nstderr:\n%s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String()
}

func TestRunCommandWritesLineImagesAndArtifacts(t *testing.T) {
	base := t.TempDir()
	runsDir := filepath.Join(base, "runs")
	outDir := filepath.Join(base, "out")
	input := writeSyntheticInput(t)
	common := []string{"--runs-dir", runsDir, "--exports-dir", filepath.Join(base, "exports"), "--log-level", "warn"}

	out := execute(t, append([]string{"run", input,
		"--qrh", "1", "--qgh", "0.3", "--qgo", "0.3", "--qbo", "1",
		"-p", "60", "-g", "80", "-o", outDir}, common...)...)
	if !strings.Contains(out, "run_id=") || !strings.Contains(out, "ha   = (") {
		t.Fatalf("unexpected run output: %s", out)
	}
	for _, name := range []string{"ha.fits", "oiii.fits"} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}

	runs := execute(t, append([]string{"runs"}, common...)...)
	if strings.Count(strings.TrimSpace(runs), "\n") != 0 || !strings.Contains(runs, "encoding=reduced") {
		t.Fatalf("expected one listed run, got: %s", runs)
	}

	fitness := execute(t, append([]string{"fitness", "--latest"}, common...)...)
	if lines := strings.Split(strings.TrimSpace(fitness), "\n"); len(lines) != 81 {
		t.Fatalf("expected 81 fitness lines, got %d", len(lines))
	}

	diagnostics := execute(t, append([]string{"diagnostics", "--latest", "--limit", "2"}, common...)...)
	if lines := strings.Split(strings.TrimSpace(diagnostics), "\n"); len(lines) != 2 || !strings.HasPrefix(lines[0], "generation=0 ") {
		t.Fatalf("unexpected diagnostics output: %s", diagnostics)
	}

	exportDir := filepath.Join(base, "export")
	exported := execute(t, append([]string{"export", "--latest", "--out", exportDir}, common...)...)
	if !strings.Contains(exported, "exported run_id=") {
		t.Fatalf("unexpected export output: %s", exported)
	}
	entries, err := os.ReadDir(exportDir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one exported run directory: %v %v", entries, err)
	}
	if _, err := os.Stat(filepath.Join(exportDir, entries[0].Name(), "coefficients.json")); err != nil {
		t.Fatalf("expected exported coefficients: %v", err)
	}
}

func TestReferenceCommandForCamera(t *testing.T) {
	out := execute(t, "reference", "--camera", "generic-osc", "--runs-dir", filepath.Join(t.TempDir(), "runs"))
	for _, want := range []string{"ha   = (", "oiii = (", "condition="} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in reference output: %s", want, out)
		}
	}
}

func TestCamerasCommandFormats(t *testing.T) {
	table := execute(t, "cameras")
	if !strings.Contains(table, "generic-osc") || !strings.Contains(table, "generic-osc-ir") {
		t.Fatalf("unexpected camera table: %s", table)
	}
	yaml := execute(t, "cameras", "--format", "yaml")
	if !strings.Contains(yaml, "cameras:") || !strings.Contains(yaml, "qe_red") {
		t.Fatalf("unexpected camera yaml: %s", yaml)
	}
}

func TestCamerasCommandSavesMergedCatalog(t *testing.T) {
	dir := t.TempDir()
	extra := filepath.Join(dir, "extra.yaml")
	profile := "cameras:\n  - {name: lab-cam, qe_red: {ha: 1}, qe_green: {ha: 0.3, oiii: 0.3}, qe_blue: {oiii: 1}}\n"
	if err := os.WriteFile(extra, []byte(profile), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	saved := filepath.Join(dir, "all.json")
	out := execute(t, "cameras", "--cameras-file", extra, "--save", saved)
	if !strings.Contains(out, "saved 3 cameras") {
		t.Fatalf("unexpected save output: %s", out)
	}
	table := execute(t, "cameras", "--cameras-file", saved)
	if !strings.Contains(table, "lab-cam") || !strings.Contains(table, "generic-osc-ir") {
		t.Fatalf("saved catalog missing cameras: %s", table)
	}
}

func TestRunCommandRejectsMissingQE(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"run", writeSyntheticInput(t), "--runs-dir", filepath.Join(t.TempDir(), "runs")}, &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "quantum efficiency") {
		t.Fatalf("expected missing qe error, got %v", err)
	}
}
