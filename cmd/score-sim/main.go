package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/stepscore/internal/domain/chart"
	"github.com/okian/stepscore/internal/scoresim"
	"github.com/okian/stepscore/pkg/logger"
)

const defaultRunTimeout = 30 * time.Minute

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}

type rootOptions struct {
	logFormat string
	logLevel  string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "score-sim",
		Short: "Drive a stepscore service with simulated play results",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if err := logger.InitWithFormat(opts.logFormat); err != nil {
				return err
			}
			return logger.SetLevelString(opts.logLevel)
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "log format (text|json)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level")

	cmd.AddCommand(newRunCommand())
	return cmd
}

func newRunCommand() *cobra.Command {
	cfg := scoresim.NewConfig()
	var (
		catalogPath string
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit random scores, reconcile and verify every player's histograms",
		Long: `Submit random play results for many players through the HTTP API, wait
for the service to apply them, trigger reconciliation and verify that each
player's clear lamp and rank histograms agree with each other, with the chart
catalog and with the best results that were submitted.

The catalog must be the one the service was started with.

Example:
  score-sim run --catalog configs/charts.yaml --users 100 --submissions 20000 --rate 1000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			catalog, err := chart.LoadFile(ctx, catalogPath)
			if err != nil {
				return err
			}
			_, err = scoresim.NewRunner(cfg, catalog).Run(ctx)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.BaseURL, "url", cfg.BaseURL, "base URL of the service")
	f.StringVar(&catalogPath, "catalog", "", "chart catalog YAML file (required)")
	f.IntVar(&cfg.Users, "users", cfg.Users, "number of simulated players")
	f.IntVar(&cfg.Submissions, "submissions", cfg.Submissions, "number of score submissions")
	f.Float64Var(&cfg.Rate, "rate", cfg.Rate, "requests per second, 0 for unlimited")
	f.IntVar(&cfg.Workers, "workers", cfg.Workers, "concurrent submitters")
	f.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "random seed")
	f.IntVar(&cfg.Areas, "areas", cfg.Areas, "number of area codes")
	f.DurationVar(&cfg.Timeout, "request-timeout", cfg.Timeout, "per-request timeout")
	f.DurationVar(&cfg.Settle, "settle", cfg.Settle, "maximum wait for the service to go idle")
	f.DurationVar(&timeout, "timeout", defaultRunTimeout, "overall run timeout")
	f.BoolVarP(&cfg.Verbose, "verbose", "v", false, "log every failed submission")
	_ = cmd.MarkFlagRequired("catalog")

	return cmd
}
