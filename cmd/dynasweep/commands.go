package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dynamomd/dynasweep/internal/sweep/config"
	"github.com/dynamomd/dynasweep/internal/sweep/engine"
	"github.com/dynamomd/dynasweep/internal/sweep/runstate"
	"github.com/dynamomd/dynasweep/internal/sweep/scheduler"
)

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func (a *app) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Extend every run directory of the sweep to the configured length",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, cfg, err := a.manager()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			st, runErr := m.Run(ctx)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run_id=%s\n", m.RunID())
			fmt.Fprintf(out, "workdir=%s\n", cfg.Workdir)
			fmt.Fprintf(out, "tasks=%d succeeded=%d skipped=%d failed=%d\n", st.Total, st.Succeeded, st.Skipped, st.Failed)
			var agg *scheduler.AggregateError
			if errors.As(runErr, &agg) && agg.LogPath != "" {
				fmt.Fprintf(out, "error_log=%s\n", agg.LogPath)
			}
			return runErr
		},
	}
}

func (a *app) reorgCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reorg",
		Short: "Re-derive run directory state and rename directories to match",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := a.manager()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			rep, err := m.Reorganize(ctx)
			if rep != nil {
				out := cmd.OutOrStdout()
				for _, mv := range rep.Moves {
					fmt.Fprintf(out, "%s -> %s\n", mv.From, mv.To)
				}
				for _, dir := range rep.Skipped {
					fmt.Fprintf(out, "skipped %s\n", dir)
				}
				fmt.Fprintf(out, "visited=%d updated=%d moved=%d skipped=%d\n", rep.Visited, rep.Updated, len(rep.Moves), len(rep.Skipped))
			}
			return err
		},
	}
}

func (a *app) collectCmd() *cobra.Command {
	var (
		fromRaw  bool
		toStdout bool
	)
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Average the observables of every state point into a table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, cfg, err := a.manager()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			tab, err := m.Collect(ctx, engine.CollectOptions{FromRaw: fromRaw})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if toStdout {
				return tab.WriteCSV(out)
			}
			fmt.Fprintf(out, "rows=%d\n", len(tab.Rows))
			if cfg.Collect.OutputCSV != "" {
				fmt.Fprintf(out, "csv=%s\n", cfg.Collect.OutputCSV)
			}
			if cfg.Collect.OutputSQLite != "" {
				fmt.Fprintf(out, "sqlite=%s\n", cfg.Collect.OutputSQLite)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromRaw, "from-raw", false, "rebuild the table from the raw snapshot of a previous collection")
	cmd.Flags().BoolVar(&toStdout, "print", false, "write the table as CSV to stdout")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status [workdir]",
		Short: "Show the state of a sweep workdir",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workdir := ""
			if len(args) == 1 {
				workdir = args[0]
			} else {
				cfg, err := config.Load(a.configPath)
				if err != nil {
					return err
				}
				workdir = cfg.Workdir
			}
			snap, err := runstate.LoadSnapshot(workdir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			fmt.Fprintf(out, "state=%s\n", snap.State)
			fmt.Fprintf(out, "run_id=%s\n", snap.RunID)
			fmt.Fprintf(out, "phase=%s\n", snap.Phase)
			fmt.Fprintf(out, "event=%s\n", snap.LastEvent)
			if snap.CurrentChain != "" {
				fmt.Fprintf(out, "chain=%s\n", snap.CurrentChain)
			}
			p := snap.Progress
			fmt.Fprintf(out, "tasks=%d running=%d succeeded=%d skipped=%d failed=%d\n", p.Total, p.Running, p.Succeeded, p.Skipped, p.Failed)
			fmt.Fprintf(out, "pid=%d\n", snap.PID)
			fmt.Fprintf(out, "pid_alive=%t\n", snap.PIDAlive)
			if !snap.LastEventAt.IsZero() {
				fmt.Fprintf(out, "last_event_at=%s\n", snap.LastEventAt.UTC().Format(time.RFC3339Nano))
			}
			if snap.FailureReason != "" {
				fmt.Fprintf(out, "failure_reason=%s\n", snap.FailureReason)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	return cmd
}

func (a *app) validateCmd() *cobra.Command {
	var skipPreflight bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the config, expand the sweep and resolve the simulator programs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, cfg, err := a.manager()
			if err != nil {
				return err
			}
			chains, err := scheduler.BuildChains(m.Space().Points, cfg.Restarts, cfg.Run.BlockEvents, cfg.Run.RunEvents)
			if err != nil {
				return err
			}
			tasks := 0
			for _, c := range chains {
				tasks += len(c.Targets)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "vars=%v\n", m.Vars())
			fmt.Fprintf(out, "points=%d chains=%d tasks=%d\n", len(m.Space().Points), len(chains), tasks)
			fmt.Fprintf(out, "plugins=%v\n", m.Observables().Plugins)
			if skipPreflight {
				return nil
			}
			return m.Preflight()
		},
	}
	cmd.Flags().BoolVar(&skipPreflight, "no-preflight", false, "do not resolve the setup and run commands")
	return cmd
}
