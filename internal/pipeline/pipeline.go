// Package pipeline runs the hyperparameter search for every target code and
// persists its outcome.
package pipeline

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/thalesfsp/ehrho"
	"github.com/thalesfsp/ehrho/internal/dataset"
	"github.com/thalesfsp/ehrho/internal/objective"
	"github.com/thalesfsp/ehrho/internal/rnn"
	"github.com/thalesfsp/ehrho/internal/split"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Runner holds what is shared by every code of a run.
type Runner struct {
	Data      *dataset.Dataset
	OutputDir string
	Space     ehrho.Space

	// Search is copied per code; its OnObservation hook, if any, is called
	// after the trial has been logged.
	Search ehrho.OptimizationConfig

	Fit    rnn.FitOptions
	Ratios split.Ratios
	Seed   int64

	// RunID tags the trial rows and names the checkpoint directory of this
	// run, so appended tables never mix up trials of different runs. A new
	// one is taken from the clock when empty.
	RunID string

	Logger *zap.Logger
}

// NewRunID formats t as a run identifier.
func NewRunID(t time.Time) string {
	return t.UTC().Format("20060102T150405.000Z")
}

// CodeResult summarizes the search of one code.
type CodeResult struct {
	Code   string
	RunID  string
	Best   ehrho.Observation
	Params objective.HyperParams
	Trials int

	TrialLog   string
	ParamsFile string
	Checkpoint string

	// Test is the best model scored on the test split.
	Test TestScore

	Duration time.Duration
}

// SplitSummary describes the partitions of one code.
type SplitSummary struct {
	Code       string
	Records    int
	Positives  int
	Train      int
	Validation int
	Test       int

	// Positive rate per partition.
	TrainRate      float64
	ValidationRate float64
	TestRate       float64
}

// FileName maps a code to a string usable in file names. Names made only of
// dots are replaced so they cannot point outside the output directory.
func FileName(code string) string {
	name := unsafeName.ReplaceAllString(code, "_")
	if name != "" && strings.Trim(name, ".") == "" {
		return strings.Repeat("_", len(name))
	}

	return name
}

// Output paths of a code.

func (r *Runner) trialLogPath(code string) string {
	return filepath.Join(r.OutputDir, FileName(code)+"_trials.csv")
}

func (r *Runner) paramsPath(code string) string {
	return filepath.Join(r.OutputDir, FileName(code)+"_best_ehr_params.csv")
}

func (r *Runner) checkpointPath(code string) string {
	return filepath.Join(r.OutputDir, FileName(code)+"_opt_ehr.ckpt")
}

func (r *Runner) checkpointDir(code string) string {
	return filepath.Join(r.OutputDir, FileName(code), r.runID())
}

func (r *Runner) runID() string {
	if r.RunID == "" {
		r.RunID = NewRunID(time.Now())
	}

	return r.RunID
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}

	return r.Logger
}

// Run searches every code in order. It stops at the first failing code;
// outputs of the codes already done are kept and their results returned.
func (r *Runner) Run(ctx context.Context, codes []string) ([]CodeResult, error) {
	results := make([]CodeResult, 0, len(codes))

	for i, code := range codes {
		r.logger().Info("starting code",
			zap.String("code", code),
			zap.String("run", r.runID()),
			zap.String("progress", humanize.Ordinal(i+1)+" of "+humanize.Comma(int64(len(codes)))),
		)

		res, err := r.RunCode(ctx, code)
		if err != nil {
			return results, errors.Wrapf(err, "code %s", code)
		}

		results = append(results, res)
	}

	return results, nil
}

// Split computes the labels and partitions of code.
func (r *Runner) Split(code string) ([]uint8, split.Indices, error) {
	if FileName(code) == "" {
		return nil, split.Indices{}, errors.New("empty code")
	}

	labels := dataset.Labels(r.Data.Records, code)

	idx, err := split.TwoStage(labels, r.Ratios, r.Seed)
	if err != nil {
		return nil, split.Indices{}, err
	}

	return labels, idx, nil
}

// SummarizeSplit counts records and positives per partition.
func SummarizeSplit(code string, labels []uint8, idx split.Indices) SplitSummary {
	rate := func(rows []int) float64 {
		if len(rows) == 0 {
			return 0
		}

		var pos int
		for _, i := range rows {
			pos += int(labels[i])
		}

		return float64(pos) / float64(len(rows))
	}

	s := SplitSummary{
		Code:           code,
		Records:        len(labels),
		Train:          len(idx.Train),
		Validation:     len(idx.Validation),
		Test:           len(idx.Test),
		TrainRate:      rate(idx.Train),
		ValidationRate: rate(idx.Validation),
		TestRate:       rate(idx.Test),
	}

	for _, l := range labels {
		s.Positives += int(l)
	}

	return s
}

// RunCode searches one code and writes its outputs.
func (r *Runner) RunCode(ctx context.Context, code string) (CodeResult, error) {
	start := time.Now()
	logger := r.logger().With(zap.String("code", code), zap.String("run", r.runID()))

	labels, idx, err := r.Split(code)
	if err != nil {
		return CodeResult{}, err
	}

	s := SummarizeSplit(code, labels, idx)
	logger.Info("split",
		zap.Int("train", s.Train),
		zap.Int("validation", s.Validation),
		zap.Int("test", s.Test),
		zap.Float64("positive_rate", s.TrainRate),
	)

	if err := os.MkdirAll(r.checkpointDir(code), 0o755); err != nil {
		return CodeResult{}, errors.Wrap(err, "create checkpoint directory")
	}

	obj := objective.New(objective.Problem{
		Code:          code,
		Data:          r.Data,
		Labels:        labels,
		Split:         idx,
		Space:         r.Space,
		CheckpointDir: r.checkpointDir(code),
		Fit:           r.Fit,
		Seed:          r.Seed,
		Logger:        r.Logger,
	})

	trials := NewTrialLog(r.trialLogPath(code))

	cfg := r.Search
	if cfg.Seed == 0 {
		cfg.Seed = r.Seed
	}

	next := cfg.OnObservation
	cfg.OnObservation = func(ob ehrho.Observation) error {
		if err := trials.Append(trialRow(r.runID(), ob, obj)); err != nil {
			return err
		}

		logger.Info("trial",
			zap.Int("trial", ob.ID),
			zap.String("phase", string(ob.Phase)),
			zap.String("params", r.Space.Format(ob.Params)),
			zap.Float64("score", ob.Score),
			zap.Duration("took", ob.Duration),
		)

		if next != nil {
			return next(ob)
		}

		return nil
	}

	res, err := ehrho.Optimize(ctx, cfg, r.Space, obj.Evaluate)
	if err != nil {
		return CodeResult{}, err
	}

	out, ok := obj.Outcome(res.Best.ID)
	if !ok {
		return CodeResult{}, errors.Errorf("no outcome recorded for best trial %d", res.Best.ID)
	}

	if err := copyFile(out.Checkpoint, r.checkpointPath(code)); err != nil {
		return CodeResult{}, err
	}

	if err := WriteParams(r.paramsPath(code), paramRows(out.Params)); err != nil {
		return CodeResult{}, err
	}

	model, err := rnn.Load(r.checkpointPath(code))
	if err != nil {
		return CodeResult{}, errors.Wrap(err, "reload best checkpoint")
	}

	test, err := r.scoreTest(ctx, model, labels, idx.Test)
	if err != nil {
		return CodeResult{}, err
	}

	result := CodeResult{
		Code:       code,
		RunID:      r.runID(),
		Best:       res.Best,
		Params:     out.Params,
		Trials:     len(res.Observations),
		TrialLog:   trials.Path(),
		ParamsFile: r.paramsPath(code),
		Checkpoint: r.checkpointPath(code),
		Test:       test,
		Duration:   time.Since(start),
	}

	r.summarize(logger, result, res.Observations)

	return result, nil
}

func (r *Runner) summarize(logger *zap.Logger, res CodeResult, obs []ehrho.Observation) {
	scores := make(stats.Float64Data, len(obs))
	for i, ob := range obs {
		scores[i] = ob.Score
	}

	mean, _ := scores.Mean()
	median, _ := scores.Median()
	stddev, _ := scores.StandardDeviation()

	fields := []zap.Field{
		zap.Int("trials", res.Trials),
		zap.Int("best_trial", res.Best.ID),
		zap.String("best_params", r.Space.Format(res.Best.Params)),
		zap.Float64("best_score", res.Best.Score),
		zap.Float64("mean_score", mean),
		zap.Float64("median_score", median),
		zap.Float64("stddev_score", stddev),
		zap.Float64("test_loss", res.Test.Loss),
		zap.Float64("test_accuracy", res.Test.Accuracy),
		zap.String("took", res.Duration.Round(time.Second).String()),
	}

	if info, err := os.Stat(res.Checkpoint); err == nil {
		fields = append(fields, zap.String("checkpoint_size", humanize.Bytes(uint64(info.Size()))))
	}

	logger.Info("search finished", fields...)
}

func trialRow(run string, ob ehrho.Observation, obj *objective.Objective) *TrialRow {
	row := &TrialRow{
		Run:     run,
		Trial:   ob.ID,
		Phase:   string(ob.Phase),
		EDrop:   ehrho.Value[float64](ob.Params, 0),
		RDrop:   ehrho.Value[float64](ob.Params, 1),
		ESize:   ehrho.Value[int](ob.Params, 2),
		RSize:   ehrho.Value[int](ob.Params, 3),
		Score:   ob.Score,
		Seconds: ob.Duration.Seconds(),
	}

	if out, ok := obj.Outcome(ob.ID); ok {
		row.BestEpoch = out.History.BestEpoch + 1
		row.Epochs = len(out.History.ValLoss)
		row.Checkpoint = out.Checkpoint
	}

	return row
}

func paramRows(hp objective.HyperParams) []*ParamRow {
	return []*ParamRow{
		{Name: objective.EmbeddingDropout, Value: hp.EmbeddingDropout},
		{Name: objective.RecurrentDropout, Value: hp.RecurrentDropout},
		{Name: objective.EmbeddingSize, Value: float64(hp.EmbeddingSize)},
		{Name: objective.HiddenSize, Value: float64(hp.HiddenSize)},
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "open best checkpoint")
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, "create best checkpoint")
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return errors.Wrapf(err, "copy %s to %s", src, dst)
	}

	return errors.Wrap(out.Close(), "close best checkpoint")
}
