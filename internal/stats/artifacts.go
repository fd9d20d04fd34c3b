package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"duosplit/internal/model"
	"duosplit/internal/unmix"
)

const runIndexFile = "run_index.json"

const (
	configFile      = "config.json"
	historyFile     = "fitness_history.json"
	diagnosticsFile = "generation_diagnostics.json"
	coeffsFile      = "coefficients.json"
	seriesFile      = "fitness_series.csv"
	plotFile        = "fitness.png"
)

// Output images are optional: runs without an input image have none.
var optionalArtifacts = []string{plotFile, "ha.fits", "oiii.fits"}

// RunConfig records every input that shaped a run.
type RunConfig struct {
	RunID          string         `json:"run_id"`
	CreatedAtUTC   string         `json:"created_at_utc"`
	Input          string         `json:"input,omitempty"`
	Camera         string         `json:"camera,omitempty"`
	QE             model.QEMatrix `json:"qe"`
	Encoding       string         `json:"encoding"`
	Statistic      string         `json:"statistic"`
	Backend        string         `json:"backend"`
	Chunks         int            `json:"chunks"`
	Selection      string         `json:"selection"`
	PopulationSize int            `json:"population_size"`
	Generations    int            `json:"generations"`
	Elitism        int            `json:"elitism"`
	InitialStd     float64        `json:"initial_std"`
	DecayRate      float64        `json:"decay_rate"`
	Seed           int64          `json:"seed"`
}

type RunArtifacts struct {
	Config                RunConfig                     `json:"config"`
	BestByGeneration      []float64                     `json:"best_by_generation"`
	BestSoFar             []float64                     `json:"best_so_far"`
	GenerationDiagnostics []model.GenerationDiagnostics `json:"generation_diagnostics,omitempty"`
	Coefficients          model.Coefficients            `json:"coefficients"`
	InitialBestFitness    float64                       `json:"initial_best_fitness"`
	FinalBestFitness      float64                       `json:"final_best_fitness"`
	Swapped               bool                          `json:"swapped"`
	Warnings              []string                      `json:"warnings,omitempty"`
	Planes                map[string]unmix.PlaneStats   `json:"planes,omitempty"`
}

// FitnessHistory is the on-disk shape of fitness_history.json.
type FitnessHistory struct {
	BestByGeneration []float64     `json:"best_by_generation"`
	BestSoFar        []float64     `json:"best_so_far"`
	InitialBest      float64       `json:"initial_best_fitness"`
	FinalBest        float64       `json:"final_best_fitness"`
	Summary          SeriesSummary `json:"summary"`
}

// CoefficientsReport is the on-disk shape of coefficients.json.
type CoefficientsReport struct {
	Coefficients model.Coefficients `json:"coefficients"`
	BestFitness  float64            `json:"best_fitness"`
	Swapped      bool               `json:"swapped"`
	Warnings     []string           `json:"warnings,omitempty"`
	// Planes summarises each written line image.
	Planes map[string]unmix.PlaneStats `json:"planes,omitempty"`
}

type RunIndexEntry struct {
	RunID            string  `json:"run_id"`
	Input            string  `json:"input,omitempty"`
	Camera           string  `json:"camera,omitempty"`
	Encoding         string  `json:"encoding"`
	Backend          string  `json:"backend"`
	PopulationSize   int     `json:"population_size"`
	Generations      int     `json:"generations"`
	Seed             int64   `json:"seed"`
	FinalBestFitness float64 `json:"final_best_fitness"`
	Swapped          bool    `json:"swapped"`
	CreatedAtUTC     string  `json:"created_at_utc"`
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	history := FitnessHistory{
		BestByGeneration: artifacts.BestByGeneration,
		BestSoFar:        artifacts.BestSoFar,
		InitialBest:      artifacts.InitialBestFitness,
		FinalBest:        artifacts.FinalBestFitness,
		Summary:          Summarize(artifacts.BestByGeneration),
	}
	if err := writeJSON(filepath.Join(runDir, historyFile), history); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, diagnosticsFile), artifacts.GenerationDiagnostics); err != nil {
		return "", err
	}
	report := CoefficientsReport{
		Coefficients: artifacts.Coefficients,
		BestFitness:  artifacts.FinalBestFitness,
		Swapped:      artifacts.Swapped,
		Warnings:     artifacts.Warnings,
		Planes:       artifacts.Planes,
	}
	if err := writeJSON(filepath.Join(runDir, coeffsFile), report); err != nil {
		return "", err
	}
	if err := WriteFitnessSeries(runDir, artifacts.BestByGeneration, artifacts.BestSoFar); err != nil {
		return "", err
	}
	if len(artifacts.BestByGeneration) > 0 {
		if err := PlotFitness(filepath.Join(runDir, plotFile), artifacts.BestByGeneration, artifacts.BestSoFar); err != nil {
			return "", err
		}
	}

	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns index entries newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Later appends win ties.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{configFile, historyFile, diagnosticsFile, coeffsFile, seriesFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	for _, file := range optionalArtifacts {
		path := filepath.Join(src, file)
		if _, err := os.Stat(path); err == nil {
			if err := copyFile(path, filepath.Join(dst, file)); err != nil {
				return "", err
			}
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}

	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, configFile), &cfg)
	return cfg, ok, err
}

func ReadFitnessHistory(baseDir, runID string) (FitnessHistory, bool, error) {
	var history FitnessHistory
	ok, err := readJSON(filepath.Join(baseDir, runID, historyFile), &history)
	return history, ok, err
}

func ReadGenerationDiagnostics(baseDir, runID string) ([]model.GenerationDiagnostics, bool, error) {
	var diagnostics []model.GenerationDiagnostics
	ok, err := readJSON(filepath.Join(baseDir, runID, diagnosticsFile), &diagnostics)
	return diagnostics, ok, err
}

func ReadCoefficients(baseDir, runID string) (CoefficientsReport, bool, error) {
	var report CoefficientsReport
	ok, err := readJSON(filepath.Join(baseDir, runID, coeffsFile), &report)
	return report, ok, err
}

// WriteFitnessSeries writes one row per recorded generation. Generation 0 is
// the initial population.
func WriteFitnessSeries(runDir string, bestByGeneration, bestSoFar []float64) error {
	if len(bestSoFar) != 0 && len(bestSoFar) != len(bestByGeneration) {
		return fmt.Errorf("fitness series length mismatch: best=%d best_so_far=%d", len(bestByGeneration), len(bestSoFar))
	}
	path := filepath.Join(runDir, seriesFile)
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"generation", "best_fitness", "best_so_far"}); err != nil {
		return err
	}
	for i, best := range bestByGeneration {
		soFar := best
		if len(bestSoFar) > 0 {
			soFar = bestSoFar[i]
		}
		if err := writer.Write([]string{
			strconv.Itoa(i),
			strconv.FormatFloat(best, 'f', -1, 64),
			strconv.FormatFloat(soFar, 'f', -1, 64),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadFitnessSeries returns the best_fitness column of fitness_series.csv.
func ReadFitnessSeries(baseDir, runID string) ([]float64, bool, error) {
	path := filepath.Join(baseDir, runID, seriesFile)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []float64{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 2 || strings.TrimSpace(header[1]) != "best_fitness" {
		return nil, false, fmt.Errorf("fitness series header must start with generation,best_fitness")
	}

	series := make([]float64, 0, 256)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		value, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return nil, false, err
		}
		series = append(series, value)
	}
	return series, true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func readJSON(path string, value any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
