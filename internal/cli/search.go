package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thalesfsp/ehrho/internal/config"
	"github.com/thalesfsp/ehrho/internal/dataset"
	"github.com/thalesfsp/ehrho/internal/pipeline"
)

func (c *CLI) newSearchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search the hyperparameters of every target code",
		Example: `  ehrho search --source-dir data/syndromic/asthma --output-dir out
  ehrho search --config ehrho.yaml --codes 128,250 --workers 8 -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}

			data, err := c.loadData(cfg)
			if err != nil {
				return err
			}

			search, err := cfg.Optimization()
			if err != nil {
				return err
			}

			runner := &pipeline.Runner{
				Data:      data,
				OutputDir: cfg.OutputDir,
				Space:     cfg.Space(),
				Search:    search,
				Fit:       cfg.FitOptions(),
				Ratios:    cfg.Ratios(),
				Seed:      cfg.Seed,
				Logger:    c.logger,
			}

			c.logger.Info("search",
				zap.Strings("codes", cfg.Codes),
				zap.Int("grid", runner.Space.Size()),
				zap.Int("budget", cfg.Search.InitialSamples+cfg.Search.Iterations),
				zap.Int("workers", cfg.Search.Workers),
				zap.String("output", cfg.OutputDir),
			)

			results, err := runner.Run(cmd.Context(), cfg.Codes)

			out := cmd.OutOrStdout()
			for _, res := range results {
				fmt.Fprintf(out, "%s\trun=%s\tscore=%.4f\t%s\ttrials=%d\ttest_loss=%.4f\ttest_accuracy=%.4f\t%s\n",
					res.Code,
					res.RunID,
					res.Best.Score,
					runner.Space.Format(res.Best.Params),
					res.Trials,
					res.Test.Loss,
					res.Test.Accuracy,
					res.ParamsFile,
				)
			}

			return err
		},
	}

	cmd.Flags().String("output-dir", "", "Directory receiving trial tables, checkpoints and best parameters")
	cmd.Flags().Int("workers", 0, "Maximum concurrent trainings")
	cmd.Flags().Int("initial", 0, "Random points evaluated before the surrogate is used")
	cmd.Flags().Int("iterations", 0, "Acquisition driven evaluations")
	cmd.Flags().Int("epochs", 0, "Maximum training epochs per trial")

	return cmd
}

func (c *CLI) loadData(cfg config.Config) (*dataset.Dataset, error) {
	start := time.Now()

	data, err := dataset.Load(cfg.SourceDir, cfg.DatasetFiles())
	if err != nil {
		return nil, err
	}

	c.logger.Info("dataset loaded",
		zap.String("dir", cfg.SourceDir),
		zap.String("records", humanize.Comma(int64(data.NumRecords()))),
		zap.Int("sequence_length", data.Tokens.Cols()),
		zap.Int("sparse_width", data.Sparse.Cols()),
		zap.Int("vocabulary", data.Vocab.Size()),
		zap.Duration("took", time.Since(start)),
	)

	return data, nil
}
