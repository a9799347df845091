// Command dynasweep drives DynamO parameter sweeps: it runs every state point
// to the requested length, renames run directories after variable changes
// and collects the averaged observables into a table.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dynamomd/dynasweep/internal/sweep/config"
	"github.com/dynamomd/dynasweep/internal/sweep/engine"
	"github.com/dynamomd/dynasweep/internal/sweep/state"
)

// Exit codes.
const (
	exitFailure = 1
	exitConfig  = 2
)

type app struct {
	configPath string
	verbose    bool
	logger     *zap.Logger
	stdout     io.Writer
	stderr     io.Writer
}

func main() {
	a := &app{stdout: os.Stdout, stderr: os.Stderr}
	os.Exit(a.execute(os.Args[1:]))
}

func (a *app) execute(args []string) int {
	root := a.rootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(a.stderr, err)
		if errors.Is(err, state.ErrConfig) {
			return exitConfig
		}
		return exitFailure
	}
	return 0
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dynasweep",
		Short:         "Run and analyse DynamO parameter sweeps",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.logger != nil {
				return nil
			}
			cfg := zap.NewProductionConfig()
			if a.verbose {
				cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			logger, err := cfg.Build()
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "sweep.yaml", "sweep config file (YAML or JSON)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		a.runCmd(),
		a.reorgCmd(),
		a.collectCmd(),
		a.statusCmd(),
		a.validateCmd(),
	)
	return root
}

// manager loads the config and expands the sweep.
func (a *app) manager() (*engine.Manager, *config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, nil, err
	}
	m, err := engine.New(cfg, engine.Options{Logger: a.logger})
	if err != nil {
		return nil, nil, err
	}
	return m, cfg, nil
}
