// Package cli wires the ehrho commands.
package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thalesfsp/ehrho/internal/config"
	"github.com/thalesfsp/ehrho/internal/logging"
)

// CLI encapsulates the command-line interface with its dependencies.
type CLI struct {
	version     string
	verbose     bool
	jsonLogs    bool
	configPath  string
	initialized bool

	// logOut and logErr override the log streams in tests.
	logOut io.Writer
	logErr io.Writer

	logger  *zap.Logger
	rootCmd *cobra.Command
}

// New creates a new CLI instance with the given version string.
func New(version string) *CLI {
	c := &CLI{version: version, logger: zap.NewNop()}
	c.setupCommands()

	return c
}

func (c *CLI) setupCommands() {
	c.rootCmd = &cobra.Command{
		Use:           "ehrho",
		Short:         "Bayesian hyperparameter search for EHR recurrent classifiers",
		Version:       c.version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			c.initApp()
		},
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	flags := c.rootCmd.PersistentFlags()
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "Enable debug output, including per-epoch losses")
	flags.BoolVar(&c.jsonLogs, "json", false, "Encode logs as JSON")
	flags.StringVar(&c.configPath, "config", "", "YAML file read over the built-in defaults")
	flags.String("source-dir", "", "Directory holding the source artifacts")
	flags.StringSlice("codes", nil, "Target codes, in order")
	flags.Int64("seed", 0, "Seed of the splits, the search and the models")

	c.rootCmd.AddCommand(c.newReportCommand())
	c.rootCmd.AddCommand(c.newSearchCommand())
	c.rootCmd.AddCommand(c.newSplitCommand())
}

// Run executes the CLI until completion or an interrupt signal.
func (c *CLI) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return c.execute(ctx, os.Args[1:])
}

func (c *CLI) execute(ctx context.Context, args []string) error {
	c.rootCmd.SetArgs(args)

	err := c.rootCmd.ExecuteContext(ctx)
	if err != nil {
		c.initApp()
		c.logger.Error("command failed", zap.Error(err))
	}

	_ = c.logger.Sync()

	return err
}

// initApp initializes logging.
func (c *CLI) initApp() {
	if c.initialized {
		return
	}
	c.initialized = true

	c.logger = logging.New(logging.Options{
		Verbose: c.verbose,
		JSON:    c.jsonLogs,
		Stdout:  c.logOut,
		Stderr:  c.logErr,
	})
}

// loadConfig reads the configuration file, if any, and applies the flags
// the user set explicitly.
func (c *CLI) loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Defaults()

	if c.configPath != "" {
		var err error
		if cfg, err = config.Load(c.configPath); err != nil {
			return cfg, err
		}
	}

	flags := cmd.Flags()

	if flags.Changed("source-dir") {
		cfg.SourceDir, _ = flags.GetString("source-dir")
	}
	if flags.Changed("codes") {
		cfg.Codes, _ = flags.GetStringSlice("codes")
	}
	if flags.Changed("seed") {
		cfg.Seed, _ = flags.GetInt64("seed")
	}
	if flags.Changed("output-dir") {
		cfg.OutputDir, _ = flags.GetString("output-dir")
	}
	if flags.Changed("workers") {
		cfg.Search.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("initial") {
		cfg.Search.InitialSamples, _ = flags.GetInt("initial")
	}
	if flags.Changed("iterations") {
		cfg.Search.Iterations, _ = flags.GetInt("iterations")
	}
	if flags.Changed("epochs") {
		cfg.Training.Epochs, _ = flags.GetInt("epochs")
	}

	return cfg, cfg.Validate()
}
