package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/riftstats/pipeline/internal/collector"
	"github.com/riftstats/pipeline/internal/rating"
)

var rateOnce bool

var rateCmd = &cobra.Command{
	Use:   "rate",
	Short: "Run the Glicko-2 rating engine",
	Long:  "Scans rated matches past the checkpoint in order and appends a rating snapshot per participant.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRating(cmd.Context())
	},
}

func init() {
	rateCmd.Flags().BoolVar(&rateOnce, "once", false, "rate one batch and exit")
	rootCmd.AddCommand(rateCmd)
}

func ratingParams() rating.Params {
	return rating.Params{
		Tau:         cfg.Rating.Tau,
		PhiSeed:     cfg.Rating.Phi0,
		SigmaSeed:   cfg.Rating.Sigma0,
		DriftWindow: time.Duration(cfg.Rating.DriftDays * 24 * float64(time.Hour)),
	}
}

func runRating(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	facts, err := openFacts(ctx)
	if err != nil {
		return err
	}
	defer facts.Close()

	engine := rating.NewEngine(facts, rating.EngineConfig{
		Params:    ratingParams(),
		ScanLimit: cfg.Rating.ScanLimit,
	})

	if rateOnce {
		_, err := engine.RunOnce(ctx)
		return err
	}

	err = collector.Run(ctx, engine, time.Duration(cfg.Rating.IntervalSecs)*time.Second)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
