package pipeline

import (
	"context"
	"math"

	"github.com/pkg/errors"

	"github.com/thalesfsp/ehrho/internal/rnn"
)

// TestScore is a model's performance on the test split.
type TestScore struct {
	Records int
	Loss    float64

	// Accuracy thresholds the predicted probability at 0.5.
	Accuracy float64
}

// Report is what a previous search left in the output directory for a code.
type Report struct {
	Code   string
	Params []*ParamRow

	// Runs counts the distinct run ids of the trial table. The best fields
	// cover every run; Test scores the checkpoint of the latest one.
	Runs      int
	Trials    int
	BestScore float64
	BestRun   string
	BestTrial int

	Test TestScore
}

func (r *Runner) scoreTest(ctx context.Context, model *rnn.Model, labels []uint8, rows []int) (TestScore, error) {
	in := rnn.Inputs{
		Rows:   rows,
		Sparse: r.Data.Sparse,
		Tokens: r.Data.Tokens,
		Labels: labels,
	}

	loss, err := model.Evaluate(ctx, in, r.Fit.PredictBatchSize)
	if err != nil {
		return TestScore{}, errors.Wrap(err, "test loss")
	}

	probs, err := model.Predict(ctx, in, r.Fit.PredictBatchSize)
	if err != nil {
		return TestScore{}, errors.Wrap(err, "test predictions")
	}

	var correct int
	for i, p := range probs {
		if (p >= 0.5) == (labels[rows[i]] == 1) {
			correct++
		}
	}

	return TestScore{
		Records:  len(rows),
		Loss:     loss,
		Accuracy: float64(correct) / float64(len(rows)),
	}, nil
}

// Report reads the trial table, best parameters and best checkpoint of code
// and scores that checkpoint on the test split.
func (r *Runner) Report(ctx context.Context, code string) (Report, error) {
	params, err := ReadParams(r.paramsPath(code))
	if err != nil {
		return Report{}, err
	}

	rows, err := ReadTrialLog(r.trialLogPath(code))
	if err != nil {
		return Report{}, err
	}

	rep := Report{Code: code, Params: params, Trials: len(rows), BestScore: math.Inf(1), BestTrial: -1}

	runs := make(map[string]struct{})
	for _, row := range rows {
		runs[row.Run] = struct{}{}

		if row.Score < rep.BestScore {
			rep.BestScore = row.Score
			rep.BestRun = row.Run
			rep.BestTrial = row.Trial
		}
	}
	rep.Runs = len(runs)

	model, err := rnn.Load(r.checkpointPath(code))
	if err != nil {
		return Report{}, errors.Wrap(err, "load best checkpoint")
	}

	labels, idx, err := r.Split(code)
	if err != nil {
		return Report{}, err
	}

	if rep.Test, err = r.scoreTest(ctx, model, labels, idx.Test); err != nil {
		return Report{}, err
	}

	return rep, nil
}
