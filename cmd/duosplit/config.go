package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"duosplit/internal/compute"
	"duosplit/internal/evo"
	"duosplit/internal/model"
	"duosplit/internal/storage"
	"duosplit/internal/unmix"
	"duosplit/pkg/duosplit"
)

const envPrefix = "DUOSPLIT"

// qeFlagKeys maps the short QE flags onto the nested config keys.
var qeFlagKeys = map[string]string{
	"qrh": "qe.qe_red.ha",
	"qgh": "qe.qe_green.ha",
	"qbh": "qe.qe_blue.ha",
	"qro": "qe.qe_red.oiii",
	"qgo": "qe.qe_green.oiii",
	"qbo": "qe.qe_blue.oiii",
}

type lineSettings struct {
	HydrogenAlpha float64 `mapstructure:"ha"`
	OxygenIII     float64 `mapstructure:"oiii"`
}

type qeSettings struct {
	Red   lineSettings `mapstructure:"qe_red"`
	Green lineSettings `mapstructure:"qe_green"`
	Blue  lineSettings `mapstructure:"qe_blue"`
}

func (q qeSettings) matrix() model.QEMatrix {
	return model.QEMatrix{
		Red:   model.QuantumEfficiency{HydrogenAlpha: q.Red.HydrogenAlpha, OxygenIII: q.Red.OxygenIII},
		Green: model.QuantumEfficiency{HydrogenAlpha: q.Green.HydrogenAlpha, OxygenIII: q.Green.OxygenIII},
		Blue:  model.QuantumEfficiency{HydrogenAlpha: q.Blue.HydrogenAlpha, OxygenIII: q.Blue.OxygenIII},
	}
}

// settings is the merged view of defaults, config file, DUOSPLIT_* environment
// and flags, in increasing precedence.
type settings struct {
	evo.Params `mapstructure:",squash"`

	Input         string        `mapstructure:"input"`
	Encoding      string        `mapstructure:"encoding"`
	PenaltyWeight float64       `mapstructure:"penalty_weight"`
	Statistic     string        `mapstructure:"statistic"`
	Backend       string        `mapstructure:"backend"`
	Workers       int           `mapstructure:"workers"`
	Chunks        int           `mapstructure:"chunks"`
	MapTimeout    time.Duration `mapstructure:"map_timeout"`
	Selection     string        `mapstructure:"selection"`
	Camera        string        `mapstructure:"camera"`
	CamerasFile   string        `mapstructure:"cameras_file"`
	QE            qeSettings    `mapstructure:"qe"`
	Output        string        `mapstructure:"output"`
	Normalize     bool          `mapstructure:"normalize"`
	KeepNegative  bool          `mapstructure:"keep_negative"`
	Timings       bool          `mapstructure:"timings"`

	Store      string `mapstructure:"store"`
	DBPath     string `mapstructure:"db_path"`
	RunsDir    string `mapstructure:"runs_dir"`
	ExportsDir string `mapstructure:"exports_dir"`
	LogLevel   string `mapstructure:"log_level"`

	explicitQE bool
}

func setDefaults(v *viper.Viper) {
	defaults := evo.DefaultParams()
	v.SetDefault("population_size", defaults.PopulationSize)
	v.SetDefault("generations", defaults.Generations)
	v.SetDefault("elitism", defaults.Elitism)
	v.SetDefault("initial_std", defaults.InitialStd)
	v.SetDefault("decay_rate", defaults.DecayRate)
	v.SetDefault("seed", defaults.Seed)
	v.SetDefault("encoding", duosplit.EncodingReduced)
	v.SetDefault("statistic", string(compute.StatisticEnergy))
	v.SetDefault("backend", compute.DefaultBackendKind)
	v.SetDefault("chunks", compute.DefaultChunks)
	v.SetDefault("map_timeout", compute.DefaultMapTimeout)
	v.SetDefault("selection", "tournament")
	v.SetDefault("store", storage.DefaultStoreKind)
	v.SetDefault("db_path", "duosplit.db")
	v.SetDefault("runs_dir", "runs")
	v.SetDefault("exports_dir", "exports")
	v.SetDefault("log_level", "info")
}

// loadSettings resolves the settings for cmd. Flags are bound under their
// snake_case key, so --population-size and population_size are the same knob.
func loadSettings(cmd *cobra.Command) (settings, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := bindFlags(v, cmd.Flags()); err != nil {
		return settings{}, err
	}
	if err := bindFlags(v, cmd.InheritedFlags()); err != nil {
		return settings{}, err
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return settings{}, fmt.Errorf("read config: %w", err)
		}
	}

	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return settings{}, fmt.Errorf("decode config: %w", err)
	}
	for _, key := range qeFlagKeys {
		if v.IsSet(key) {
			s.explicitQE = true
			break
		}
	}
	return s, nil
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		key, ok := qeFlagKeys[f.Name]
		if !ok {
			key = strings.ReplaceAll(f.Name, "-", "_")
		}
		if err := v.BindPFlag(key, f); err != nil {
			errs = append(errs, fmt.Errorf("bind flag %s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

func (s settings) qe() *model.QEMatrix {
	if !s.explicitQE {
		return nil
	}
	m := s.QE.matrix()
	return &m
}

func (s settings) runRequest() duosplit.RunRequest {
	opts := unmix.Options{ClampNegative: !s.KeepNegative, Normalize: s.Normalize}
	return duosplit.RunRequest{
		Input:         s.Input,
		QE:            s.qe(),
		Camera:        s.Camera,
		CamerasFile:   s.CamerasFile,
		Encoding:      s.Encoding,
		PenaltyWeight: s.PenaltyWeight,
		Statistic:     s.Statistic,
		Backend:       s.Backend,
		Workers:       s.Workers,
		Chunks:        s.Chunks,
		MapTimeout:    s.MapTimeout,
		Selection:     s.Selection,
		Params:        s.Params,
		OutputDir:     s.Output,
		Unmix:         &opts,
		Timings:       s.Timings,
	}
}

func (s settings) clientOptions(logger *logrus.Logger) duosplit.Options {
	return duosplit.Options{
		StoreKind:  s.Store,
		DBPath:     s.DBPath,
		RunsDir:    s.RunsDir,
		ExportsDir: s.ExportsDir,
		Logger:     logger,
	}
}
