package cli

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/thalesfsp/ehrho/internal/pipeline"
)

func (c *CLI) newReportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Score the best checkpoint of every target code on its test split",
		Long: `Reads the trial table, best parameters and best checkpoint that search
left in the output directory and prints one line per code.`,
		Example: `  ehrho report --source-dir data/syndromic/asthma --output-dir out --codes 128`,
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

			runner := &pipeline.Runner{
				Data:      data,
				OutputDir: cfg.OutputDir,
				Fit:       cfg.FitOptions(),
				Ratios:    cfg.Ratios(),
				Seed:      cfg.Seed,
				Logger:    c.logger,
			}

			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "code\truns\ttrials\tbest_score\tbest_run\tbest_trial\ttest_records\ttest_loss\ttest_accuracy\tparams")

			for _, code := range cfg.Codes {
				rep, err := runner.Report(cmd.Context(), code)
				if err != nil {
					return errors.Wrapf(err, "code %s", code)
				}

				params := make([]string, len(rep.Params))
				for i, p := range rep.Params {
					params[i] = fmt.Sprintf("%s=%g", p.Name, p.Value)
				}

				fmt.Fprintf(out, "%s\t%d\t%d\t%.4f\t%s\t%d\t%d\t%.4f\t%.4f\t%s\n",
					rep.Code, rep.Runs, rep.Trials, rep.BestScore, rep.BestRun, rep.BestTrial,
					rep.Test.Records, rep.Test.Loss, rep.Test.Accuracy, strings.Join(params, ","))
			}

			return nil
		},
	}

	cmd.Flags().String("output-dir", "", "Directory holding the outputs of search")

	return cmd
}
