package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/app"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/config"
)

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}

	root := &cobra.Command{
		Use:          "asm-worker",
		Short:        "Anime stock market batch jobs",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", cfgPath, "path to YAML config")

	root.AddCommand(
		newRunCmd(&cfgPath),
		newDriftCmd(&cfgPath),
		newSweepCmd(&cfgPath),
		newSettleCmd(&cfgPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads config and wires the app. The returned context is cancelled
// on SIGINT/SIGTERM.
func setup(cfgPath string) (context.Context, *app.App, func(), error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	return ctx, a, func() {
		a.Close()
		stop()
	}, nil
}

func newRunCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the drift, sweep and settlement schedules until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, done, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer done()

			sc := a.Config.Schedule
			if err := a.Scheduler.RegisterAll(sc.DriftCron, sc.SweepCron, sc.SettleCron); err != nil {
				return err
			}
			a.Scheduler.Start()
			accent.Fprintf(cmd.OutOrStdout(), "scheduler running: drift %q, sweep %q, settle %q\n", sc.DriftCron, sc.SweepCron, sc.SettleCron)

			<-ctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
			defer cancel()
			a.Scheduler.Stop(stopCtx)
			neutral.Fprintln(cmd.OutOrStdout(), "scheduler stopped")
			return nil
		},
	}
}

func newDriftCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "drift",
		Short: "Apply one round of random drift to every stock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, done, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer done()

			rep, err := a.Scheduler.RunDrift(ctx)
			if err != nil {
				return err
			}
			printDrift(cmd.OutOrStdout(), rep)
			return nil
		},
	}
}

func newSweepCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Close buyback offers past their deadline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, done, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer done()

			rep, err := a.Scheduler.RunSweep(ctx)
			if err != nil {
				return err
			}
			printSweep(cmd.OutOrStdout(), rep)
			return nil
		},
	}
}

func newSettleCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "settle",
		Short: "Settle every bet that has reached expiry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, done, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer done()

			rep, err := a.Scheduler.RunSettle(ctx)
			if err != nil {
				return err
			}
			printSettle(cmd.OutOrStdout(), rep)
			return nil
		},
	}
}

func elapsed(start, end time.Time) string {
	return end.Sub(start).Round(time.Millisecond).String()
}
