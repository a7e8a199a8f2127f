package cli

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/thalesfsp/ehrho/internal/pipeline"
)

func (c *CLI) newSplitCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "split",
		Short:   "Print the partition sizes and class balance of every target code",
		Example: `  ehrho split --source-dir data/syndromic/asthma --codes 128`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}

			data, err := c.loadData(cfg)
			if err != nil {
				return err
			}

			runner := &pipeline.Runner{Data: data, Ratios: cfg.Ratios(), Seed: cfg.Seed, Logger: c.logger}
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "code\trecords\tpositives\ttrain\tvalidation\ttest\ttrain_rate\tvalidation_rate\ttest_rate")

			for _, code := range cfg.Codes {
				labels, idx, err := runner.Split(code)
				if err != nil {
					return errors.Wrapf(err, "code %s", code)
				}

				s := pipeline.SummarizeSplit(code, labels, idx)
				fmt.Fprintf(out, "%s\t%d\t%d\t%d\t%d\t%d\t%.4f\t%.4f\t%.4f\n",
					s.Code, s.Records, s.Positives, s.Train, s.Validation, s.Test,
					s.TrainRate, s.ValidationRate, s.TestRate)
			}

			return nil
		},
	}
}
