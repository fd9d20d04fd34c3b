package duosplit

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"duosplit/internal/camera"
	"duosplit/internal/compute"
	"duosplit/internal/evo"
	"duosplit/internal/genotype"
	"duosplit/internal/imageio"
	"duosplit/internal/model"
	"duosplit/internal/qe"
	"duosplit/internal/stats"
	"duosplit/internal/storage"
	"duosplit/internal/unmix"
)

const (
	defaultRunsDir    = "runs"
	defaultExportsDir = "exports"
	defaultDBPath     = "duosplit.db"

	EncodingReduced = "reduced"
	EncodingDirect  = "direct"
)

var (
	ErrNoQE        = errors.New("no quantum efficiency matrix: set a camera or explicit qe values")
	ErrNoImage     = errors.New("no input image")
	ErrRunNotFound = errors.New("run not found")
)

// openDevice is swapped in tests to observe device traffic.
var openDevice = compute.OpenDevice

type Options struct {
	StoreKind  string
	DBPath     string
	RunsDir    string
	ExportsDir string
	Logger     *logrus.Logger
}

type Client struct {
	store       storage.Store
	initialized bool
	log         *logrus.Logger

	runsDir    string
	exportsDir string
}

type RunRequest struct {
	// Input is a FITS RGB cube. Image takes precedence when set.
	Input string
	Image *model.Image

	// QE takes precedence over Camera.
	QE          *model.QEMatrix
	Camera      string
	CamerasFile string

	Encoding      string
	PenaltyWeight float64
	Statistic     string
	Backend       string
	Workers       int
	Chunks        int
	MapTimeout    time.Duration
	Selection     string
	Params        evo.Params

	// OutputDir receives ha.fits and oiii.fits in addition to the run directory.
	OutputDir string
	// Unmix defaults to unmix.DefaultOptions.
	Unmix *unmix.Options
	// Timings logs every generation's diagnostics at info level.
	Timings bool
}

type RunSummary struct {
	RunID              string
	ArtifactsDir       string
	Backend            string
	Coefficients       model.Coefficients
	InitialBestFitness float64
	BestFitness        float64
	BestByGeneration   []float64
	Swapped            bool
	Warnings           []string
	Outputs            []string
	// Planes summarises the separated images, keyed "ha" and "oiii".
	Planes map[string]unmix.PlaneStats
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID            string
	CreatedAtUTC     string
	Input            string
	Camera           string
	Encoding         string
	Backend          string
	Seed             int64
	Population       int
	Generations      int
	FinalBestFitness float64
	Swapped          bool
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

type FitnessHistoryRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type DiagnosticsRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type ReferenceRequest struct {
	QE          *model.QEMatrix
	Camera      string
	CamerasFile string
	// RunID, when set, adds the residuals of that run's evolved coefficients.
	RunID string
}

type ReferenceSummary struct {
	QE             model.QEMatrix
	Coefficients   model.Coefficients
	Residuals      qe.Residuals
	SingularValues []float64
	Condition      float64
	DenominatorA   float64
	DenominatorB   float64
	Evolved        *model.Coefficients
	EvolvedResid   *qe.Residuals
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	runsDir := opts.RunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:      store,
		log:        logger,
		runsDir:    runsDir,
		exportsDir: exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.ensureStore(ctx)
}

// Run evolves an unmixing for one image, persists the run and writes the two
// separated line images.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	if req.Params == (evo.Params{}) {
		req.Params = evo.DefaultParams()
	}
	if err := req.Params.Validate(); err != nil {
		return RunSummary{}, err
	}
	if req.Encoding == "" {
		req.Encoding = EncodingReduced
	}
	if req.Backend == "" {
		req.Backend = compute.DefaultBackendKind
	}
	if req.Workers <= 0 {
		req.Workers = runtime.NumCPU()
	}
	if req.Selection == "" {
		req.Selection = "tournament"
	}
	statistic, err := compute.ParseStatistic(req.Statistic)
	if err != nil {
		return RunSummary{}, err
	}
	selector, err := evo.SelectorByName(req.Selection, elitePool(req.Params))
	if err != nil {
		return RunSummary{}, err
	}

	cam, matrix, err := resolveQE(req.QE, req.Camera, req.CamerasFile)
	if err != nil {
		return RunSummary{}, err
	}
	img, err := loadImage(req)
	if err != nil {
		return RunSummary{}, err
	}
	if err := genotype.ValidateQE(matrix); err != nil {
		return RunSummary{}, &evo.ConfigError{Field: "qe", Err: err}
	}
	if err := c.ensureStore(ctx); err != nil {
		return RunSummary{}, err
	}

	dev, err := openDevice(req.Backend, req.Workers)
	if err != nil {
		return RunSummary{}, err
	}
	defer dev.Close()

	runID := uuid.NewString()
	log := c.log.WithFields(logrus.Fields{
		"run_id":   runID,
		"encoding": req.Encoding,
		"backend":  dev.Name(),
	})
	log.WithFields(logrus.Fields{
		"width":       img.Width,
		"height":      img.Height,
		"population":  req.Params.PopulationSize,
		"generations": req.Params.Generations,
	}).Info("starting run")

	observer := func(d model.GenerationDiagnostics) {
		entry := log.WithFields(logrus.Fields{
			"generation":   d.Generation,
			"best":         d.BestFitness,
			"mean":         d.MeanFitness,
			"best_so_far":  d.BestSoFar,
			"mutation_std": d.MutationStd,
			"elapsed_ms":   d.ElapsedMS,
		})
		if req.Timings {
			entry.Info("generation")
			return
		}
		entry.Debug("generation")
	}

	cfg := compute.Config{Chunks: req.Chunks, MapTimeout: req.MapTimeout, Statistic: statistic}
	var out outcome
	switch req.Encoding {
	case EncodingReduced:
		out, err = evolve(ctx, dev, genotype.NewReducedEncoding(matrix), img, matrix, cfg, req.Params, selector, observer)
	case EncodingDirect:
		enc := genotype.NewDirectEncoding(matrix)
		if req.PenaltyWeight != 0 {
			enc.PenaltyWeight = req.PenaltyWeight
		}
		out, err = evolve(ctx, dev, enc, img, matrix, cfg, req.Params, selector, observer)
	default:
		err = &evo.ConfigError{Field: "encoding", Err: fmt.Errorf("%w: unknown encoding %q", evo.ErrInvalidConfig, req.Encoding)}
	}
	if err != nil {
		return RunSummary{}, err
	}
	for _, warning := range out.warnings {
		log.Warn(warning)
	}

	unmixOpts := unmix.DefaultOptions()
	if req.Unmix != nil {
		unmixOpts = *req.Unmix
	}
	planes, err := unmix.Apply(img, out.coefficients, unmixOpts)
	if err != nil {
		return RunSummary{}, err
	}
	planeStats := planes.Stats()
	for line, ps := range planeStats {
		log.WithFields(logrus.Fields{
			"line": line,
			"min":  ps.Min,
			"max":  ps.Max,
			"mean": ps.Mean,
		}).Info("line image")
	}

	now := time.Now().UTC()
	createdAt := now.Format(time.RFC3339Nano)
	runCfg := stats.RunConfig{
		RunID:          runID,
		CreatedAtUTC:   createdAt,
		Input:          req.Input,
		Camera:         cam.Name,
		QE:             matrix,
		Encoding:       req.Encoding,
		Statistic:      string(statistic),
		Backend:        dev.Name(),
		Chunks:         out.chunks,
		Selection:      selector.Name(),
		PopulationSize: req.Params.PopulationSize,
		Generations:    req.Params.Generations,
		Elitism:        req.Params.Elitism,
		InitialStd:     req.Params.InitialStd,
		DecayRate:      req.Params.DecayRate,
		Seed:           req.Params.Seed,
	}
	runDir, err := stats.WriteRunArtifacts(c.runsDir, stats.RunArtifacts{
		Config:                runCfg,
		BestByGeneration:      out.bestByGeneration,
		BestSoFar:             out.bestSoFar,
		GenerationDiagnostics: out.diagnostics,
		Coefficients:          out.coefficients,
		InitialBestFitness:    out.initialBest,
		FinalBestFitness:      out.best,
		Swapped:               out.swapped,
		Warnings:              out.warnings,
		Planes:                planeStats,
	})
	if err != nil {
		return RunSummary{}, err
	}

	outputs, err := writeLineImages(planes, runDir, req.OutputDir)
	if err != nil {
		return RunSummary{}, err
	}

	record := model.RunRecord{
		VersionedRecord:    storage.Versioned(),
		ID:                 runID,
		CreatedAtUTC:       createdAt,
		Input:              req.Input,
		Camera:             cam.Name,
		Encoding:           req.Encoding,
		Statistic:          string(statistic),
		Backend:            dev.Name(),
		Width:              img.Width,
		Height:             img.Height,
		PopulationSize:     req.Params.PopulationSize,
		Generations:        req.Params.Generations,
		Elitism:            req.Params.Elitism,
		InitialStd:         req.Params.InitialStd,
		DecayRate:          req.Params.DecayRate,
		Seed:               req.Params.Seed,
		QE:                 matrix,
		Coefficients:       out.coefficients,
		InitialBestFitness: out.initialBest,
		BestFitness:        out.best,
		Swapped:            out.swapped,
	}
	if err := c.persist(ctx, record, cam, out); err != nil {
		return RunSummary{}, err
	}
	if err := stats.AppendRunIndex(c.runsDir, stats.RunIndexEntry{
		RunID:            runID,
		Input:            req.Input,
		Camera:           cam.Name,
		Encoding:         req.Encoding,
		Backend:          dev.Name(),
		PopulationSize:   req.Params.PopulationSize,
		Generations:      req.Params.Generations,
		Seed:             req.Params.Seed,
		FinalBestFitness: out.best,
		Swapped:          out.swapped,
		CreatedAtUTC:     createdAt,
	}); err != nil {
		return RunSummary{}, err
	}

	log.WithFields(logrus.Fields{
		"best_fitness":    out.best,
		"initial_fitness": out.initialBest,
		"swapped":         out.swapped,
	}).Info("run complete")

	return RunSummary{
		RunID:              runID,
		ArtifactsDir:       filepath.Clean(runDir),
		Backend:            dev.Name(),
		Coefficients:       out.coefficients,
		InitialBestFitness: out.initialBest,
		BestFitness:        out.best,
		BestByGeneration:   append([]float64(nil), out.bestByGeneration...),
		Swapped:            out.swapped,
		Warnings:           append([]string(nil), out.warnings...),
		Outputs:            outputs,
		Planes:             planeStats,
	}, nil
}

// Runs lists indexed runs newest first, followed by runs only the store knows.
func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	if err := c.ensureStore(ctx); err != nil {
		return nil, err
	}

	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(entries))
	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		seen[e.RunID] = struct{}{}
		out = append(out, RunItem{
			RunID:            e.RunID,
			CreatedAtUTC:     e.CreatedAtUTC,
			Input:            e.Input,
			Camera:           e.Camera,
			Encoding:         e.Encoding,
			Backend:          e.Backend,
			Seed:             e.Seed,
			Population:       e.PopulationSize,
			Generations:      e.Generations,
			FinalBestFitness: e.FinalBestFitness,
			Swapped:          e.Swapped,
		})
	}

	stored, err := c.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(stored) - 1; i >= 0; i-- {
		r := stored[i]
		if _, ok := seen[r.ID]; ok {
			continue
		}
		out = append(out, RunItem{
			RunID:            r.ID,
			CreatedAtUTC:     r.CreatedAtUTC,
			Input:            r.Input,
			Camera:           r.Camera,
			Encoding:         r.Encoding,
			Backend:          r.Backend,
			Seed:             r.Seed,
			Population:       r.PopulationSize,
			Generations:      r.Generations,
			FinalBestFitness: r.BestFitness,
			Swapped:          r.Swapped,
		})
	}
	if len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	runID, err := c.resolveRunID(req.RunID, req.Latest, "export")
	if err != nil {
		return ExportSummary{}, err
	}
	exportedDir, err := stats.ExportRunArtifacts(c.runsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

// FitnessHistory returns the best fitness per generation, read from the store
// and falling back to the run artifacts.
func (c *Client) FitnessHistory(ctx context.Context, req FitnessHistoryRequest) ([]float64, error) {
	if req.RunID != "" && req.Latest {
		return nil, errors.New("use either run id or latest")
	}
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest, "fitness history")
	if err != nil {
		return nil, err
	}
	if err := c.ensureStore(ctx); err != nil {
		return nil, err
	}

	history, ok, err := c.store.GetFitnessHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		fromDisk, found, err := stats.ReadFitnessHistory(c.runsDir, runID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("%w: fitness history for run id %s", ErrRunNotFound, runID)
		}
		history = fromDisk.BestByGeneration
	}
	if req.Limit > 0 && len(history) > req.Limit {
		history = history[:req.Limit]
	}
	return append([]float64(nil), history...), nil
}

func (c *Client) Diagnostics(ctx context.Context, req DiagnosticsRequest) ([]model.GenerationDiagnostics, error) {
	if req.RunID != "" && req.Latest {
		return nil, errors.New("use either run id or latest")
	}
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest, "diagnostics")
	if err != nil {
		return nil, err
	}
	if err := c.ensureStore(ctx); err != nil {
		return nil, err
	}

	diagnostics, ok, err := c.store.GetGenerationDiagnostics(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		diagnostics, ok, err = stats.ReadGenerationDiagnostics(c.runsDir, runID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: diagnostics for run id %s", ErrRunNotFound, runID)
		}
	}
	if req.Limit > 0 && len(diagnostics) > req.Limit {
		diagnostics = diagnostics[:req.Limit]
	}
	out := make([]model.GenerationDiagnostics, len(diagnostics))
	copy(out, diagnostics)
	return out, nil
}

// Reference computes the minimum-norm unmixing straight from the QE matrix.
func (c *Client) Reference(ctx context.Context, req ReferenceRequest) (ReferenceSummary, error) {
	_, matrix, err := resolveQE(req.QE, req.Camera, req.CamerasFile)
	if err != nil {
		return ReferenceSummary{}, err
	}
	coeffs, err := qe.MinimumNorm(matrix)
	if err != nil {
		return ReferenceSummary{}, err
	}
	sv, err := qe.SingularValues(matrix)
	if err != nil {
		return ReferenceSummary{}, err
	}
	denomA, denomB := qe.Denominators(matrix)
	summary := ReferenceSummary{
		QE:             matrix,
		Coefficients:   coeffs,
		Residuals:      qe.ResidualsOf(coeffs, matrix),
		SingularValues: sv,
		Condition:      qe.Condition(matrix),
		DenominatorA:   denomA,
		DenominatorB:   denomB,
	}
	if req.RunID == "" {
		return summary, nil
	}

	evolved, err := c.runCoefficients(ctx, req.RunID)
	if err != nil {
		return ReferenceSummary{}, err
	}
	resid := qe.ResidualsOf(evolved, matrix)
	summary.Evolved = &evolved
	summary.EvolvedResid = &resid
	return summary, nil
}

// Cameras lists the built-in profiles merged with those of camerasFile.
func (c *Client) Cameras(camerasFile string) ([]model.Camera, error) {
	catalog, err := loadCatalog(camerasFile)
	if err != nil {
		return nil, err
	}
	return catalog.All(), nil
}

func (c *Client) runCoefficients(ctx context.Context, runID string) (model.Coefficients, error) {
	if err := c.ensureStore(ctx); err != nil {
		return model.Coefficients{}, err
	}
	record, ok, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return model.Coefficients{}, err
	}
	if ok {
		return record.Coefficients, nil
	}
	report, ok, err := stats.ReadCoefficients(c.runsDir, runID)
	if err != nil {
		return model.Coefficients{}, err
	}
	if !ok {
		return model.Coefficients{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return report.Coefficients, nil
}

func (c *Client) persist(ctx context.Context, record model.RunRecord, cam model.Camera, out outcome) error {
	if err := c.store.SaveRun(ctx, record); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	if err := c.store.SaveFitnessHistory(ctx, record.ID, out.bestByGeneration); err != nil {
		return fmt.Errorf("save fitness history: %w", err)
	}
	if err := c.store.SaveGenerationDiagnostics(ctx, record.ID, out.diagnostics); err != nil {
		return fmt.Errorf("save diagnostics: %w", err)
	}
	if cam.Name != "" {
		if err := c.store.SaveCamera(ctx, cam); err != nil {
			return fmt.Errorf("save camera: %w", err)
		}
	}
	return nil
}

func (c *Client) resolveRunID(runID string, latest bool, what string) (string, error) {
	if !latest {
		if runID == "" {
			return "", fmt.Errorf("%s requires run id or latest", what)
		}
		return runID, nil
	}
	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("no runs available")
	}
	return entries[0].RunID, nil
}

func (c *Client) ensureStore(ctx context.Context) error {
	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	c.initialized = true
	return nil
}

// elitePool sizes the elite selector: the elites themselves, or a fifth of the
// population when no elites are kept.
func elitePool(p evo.Params) int {
	if p.Elitism > 0 {
		return p.Elitism
	}
	pool := p.PopulationSize / 5
	if pool < 1 {
		pool = 1
	}
	return pool
}

func loadCatalog(camerasFile string) (*camera.Catalog, error) {
	catalog := camera.Builtin()
	if camerasFile == "" {
		return catalog, nil
	}
	extra, err := camera.Load(camerasFile)
	if err != nil {
		return nil, err
	}
	return catalog.Merge(extra), nil
}

func resolveQE(explicit *model.QEMatrix, cameraName, camerasFile string) (model.Camera, model.QEMatrix, error) {
	if explicit != nil {
		return model.Camera{}, *explicit, nil
	}
	if cameraName == "" {
		return model.Camera{}, model.QEMatrix{}, ErrNoQE
	}
	catalog, err := loadCatalog(camerasFile)
	if err != nil {
		return model.Camera{}, model.QEMatrix{}, err
	}
	cam, err := catalog.Find(cameraName)
	if err != nil {
		return model.Camera{}, model.QEMatrix{}, err
	}
	return cam, cam.QEMatrix, nil
}

func loadImage(req RunRequest) (model.Image, error) {
	if req.Image != nil {
		if err := req.Image.Validate(); err != nil {
			return model.Image{}, err
		}
		return *req.Image, nil
	}
	if req.Input == "" {
		return model.Image{}, ErrNoImage
	}
	return imageio.ReadRGB(req.Input)
}

func writeLineImages(planes unmix.Planes, dirs ...string) ([]string, error) {
	var written []string
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		haPath := filepath.Join(dir, "ha.fits")
		if err := imageio.WriteMono(haPath, planes.Width, planes.Height, planes.HydrogenAlpha, "Ha"); err != nil {
			return nil, err
		}
		oiiiPath := filepath.Join(dir, "oiii.fits")
		if err := imageio.WriteMono(oiiiPath, planes.Width, planes.Height, planes.OxygenIII, "OIII"); err != nil {
			return nil, err
		}
		written = append(written, haPath, oiiiPath)
	}
	return written, nil
}
