// Package config holds the settings of a search run. Values come from
// Defaults, then an optional YAML file, then command line flags.
package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/thalesfsp/ehrho"
	"github.com/thalesfsp/ehrho/internal/dataset"
	"github.com/thalesfsp/ehrho/internal/objective"
	"github.com/thalesfsp/ehrho/internal/rnn"
	"github.com/thalesfsp/ehrho/internal/split"
)

// Config is the run configuration.
type Config struct {
	SourceDir string   `yaml:"source_dir"`
	OutputDir string   `yaml:"output_dir"`
	Codes     []string `yaml:"codes"`
	Seed      int64    `yaml:"seed"`

	Files    Files    `yaml:"files"`
	Split    Split    `yaml:"split"`
	Training Training `yaml:"training"`
	Search   Search   `yaml:"search"`
	Domains  Domains  `yaml:"domains"`
}

// Files names the source artifacts.
type Files struct {
	Tokens  string `yaml:"tokens"`
	Sparse  string `yaml:"sparse"`
	Records string `yaml:"records"`
	Vocab   string `yaml:"vocab"`
}

// Split holds the partition ratios.
type Split struct {
	Holdout float64 `yaml:"holdout"`
	Test    float64 `yaml:"test"`
}

// Training holds the per-trial training policy.
type Training struct {
	Epochs           int     `yaml:"epochs"`
	BatchSize        int     `yaml:"batch_size"`
	PredictBatchSize int     `yaml:"predict_batch_size"`
	Patience         int     `yaml:"patience"`
	LearningRate     float64 `yaml:"learning_rate"`
	ClipNorm         float64 `yaml:"clip_norm"`
}

// Search holds the optimizer settings.
type Search struct {
	InitialSamples int     `yaml:"initial_samples"`
	Iterations     int     `yaml:"iterations"`
	BatchSize      int     `yaml:"batch_size"`
	Workers        int     `yaml:"workers"`
	Acquisition    string  `yaml:"acquisition"`
	Beta           float64 `yaml:"beta"`
	Xi             float64 `yaml:"xi"`
	AllowRepeats   bool    `yaml:"allow_repeats"`
}

// Domains lists the admissible hyperparameter values.
type Domains struct {
	EmbeddingDropout []float64 `yaml:"e_drop"`
	RecurrentDropout []float64 `yaml:"r_drop"`
	EmbeddingSize    []int     `yaml:"e_size"`
	HiddenSize       []int     `yaml:"r_size"`
}

// Defaults reproduces the asthma experiment.
func Defaults() Config {
	files := dataset.DefaultFiles()
	fit := rnn.DefaultFitOptions()
	search := ehrho.DefaultConfig()
	ratios := split.DefaultRatios()
	domains := objective.DefaultDomains()

	return Config{
		SourceDir: "data/syndromic/asthma",
		OutputDir: "data/asthma/hp_optimization",
		Codes:     []string{"128", "123", "250", "242", "660", "126", "253"},
		Seed:      10221983,
		Files: Files{
			Tokens:  files.Tokens,
			Sparse:  files.Sparse,
			Records: files.Records,
			Vocab:   files.Vocab,
		},
		Split: Split{
			Holdout: ratios.Holdout,
			Test:    ratios.Test,
		},
		Training: Training{
			Epochs:           fit.Epochs,
			BatchSize:        fit.BatchSize,
			PredictBatchSize: fit.PredictBatchSize,
			Patience:         fit.Patience,
			LearningRate:     fit.LearningRate,
			ClipNorm:         fit.ClipNorm,
		},
		Search: Search{
			InitialSamples: search.InitialSamples,
			Iterations:     search.Iterations,
			BatchSize:      search.BatchSize,
			Workers:        search.Workers,
			Acquisition:    "ei",
			Beta:           search.AcqParams.Beta,
			Xi:             search.AcqParams.Xi,
		},
		Domains: Domains{
			EmbeddingDropout: domains.EmbeddingDropout,
			RecurrentDropout: domains.RecurrentDropout,
			EmbeddingSize:    domains.EmbeddingSize,
			HiddenSize:       domains.HiddenSize,
		},
	}
}

// Load reads path over Defaults. Unknown keys are an error. Lists in the
// file replace the default lists.
func Load(path string) (Config, error) {
	cfg := Defaults()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}

	if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}

	return cfg, nil
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.SourceDir) == "":
		return errors.New("source_dir is required")
	case strings.TrimSpace(c.OutputDir) == "":
		return errors.New("output_dir is required")
	case len(c.Codes) == 0:
		return errors.New("at least one code is required")
	case c.Split.Holdout <= 0 || c.Split.Holdout >= 1:
		return errors.Errorf("split.holdout %v must be in (0, 1)", c.Split.Holdout)
	case c.Split.Test <= 0 || c.Split.Test >= 1:
		return errors.Errorf("split.test %v must be in (0, 1)", c.Split.Test)
	case c.Training.Epochs < 1:
		return errors.New("training.epochs must be at least 1")
	case c.Training.BatchSize < 1 || c.Training.PredictBatchSize < 1:
		return errors.New("training batch sizes must be at least 1")
	case c.Training.Patience < 1:
		return errors.New("training.patience must be at least 1")
	case c.Search.InitialSamples < 1:
		return errors.New("search.initial_samples must be at least 1")
	case c.Search.Iterations < 0:
		return errors.New("search.iterations must not be negative")
	case c.Search.Workers < 1 || c.Search.BatchSize < 1:
		return errors.New("search.workers and search.batch_size must be at least 1")
	}

	for _, code := range c.Codes {
		if strings.TrimSpace(code) == "" {
			return errors.New("codes must not be empty strings")
		}
	}

	if _, err := ehrho.LookupAcquisition(c.Search.Acquisition); err != nil {
		return err
	}

	for name, values := range map[string][]float64{
		objective.EmbeddingDropout: c.Domains.EmbeddingDropout,
		objective.RecurrentDropout: c.Domains.RecurrentDropout,
	} {
		if len(values) == 0 {
			return errors.Errorf("domains.%s is empty", name)
		}

		for _, v := range values {
			if v < 0 || v >= 1 {
				return errors.Errorf("domains.%s value %v must be in [0, 1)", name, v)
			}
		}
	}

	for name, values := range map[string][]int{
		objective.EmbeddingSize: c.Domains.EmbeddingSize,
		objective.HiddenSize:    c.Domains.HiddenSize,
	} {
		if len(values) == 0 {
			return errors.Errorf("domains.%s is empty", name)
		}

		for _, v := range values {
			if v < 1 {
				return errors.Errorf("domains.%s value %d must be positive", name, v)
			}
		}
	}

	return nil
}

// DatasetFiles converts the file names for dataset.Load.
func (c Config) DatasetFiles() dataset.Files {
	return dataset.Files{
		Tokens:  c.Files.Tokens,
		Sparse:  c.Files.Sparse,
		Records: c.Files.Records,
		Vocab:   c.Files.Vocab,
	}
}

// Ratios converts the split settings.
func (c Config) Ratios() split.Ratios {
	return split.Ratios{Holdout: c.Split.Holdout, Test: c.Split.Test}
}

// FitOptions converts the training settings.
func (c Config) FitOptions() rnn.FitOptions {
	return rnn.FitOptions{
		Epochs:           c.Training.Epochs,
		BatchSize:        c.Training.BatchSize,
		PredictBatchSize: c.Training.PredictBatchSize,
		Patience:         c.Training.Patience,
		LearningRate:     c.Training.LearningRate,
		ClipNorm:         c.Training.ClipNorm,
	}
}

// Space builds the search space from the domains.
func (c Config) Space() ehrho.Space {
	return objective.NewSpace(objective.Domains{
		EmbeddingDropout: c.Domains.EmbeddingDropout,
		RecurrentDropout: c.Domains.RecurrentDropout,
		EmbeddingSize:    c.Domains.EmbeddingSize,
		HiddenSize:       c.Domains.HiddenSize,
	})
}

// Optimization converts the search settings.
func (c Config) Optimization() (ehrho.OptimizationConfig, error) {
	acq, err := ehrho.LookupAcquisition(c.Search.Acquisition)
	if err != nil {
		return ehrho.OptimizationConfig{}, err
	}

	opt := ehrho.DefaultConfig()
	opt.InitialSamples = c.Search.InitialSamples
	opt.Iterations = c.Search.Iterations
	opt.BatchSize = c.Search.BatchSize
	opt.Workers = c.Search.Workers
	opt.AllowRepeats = c.Search.AllowRepeats
	opt.Seed = c.Seed
	opt.AcquisitionFunc = acq
	opt.AcqParams.Beta = c.Search.Beta
	opt.AcqParams.Xi = c.Search.Xi

	return opt, nil
}
