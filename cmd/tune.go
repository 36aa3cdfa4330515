package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/riftstats/pipeline/internal/model"
	"github.com/riftstats/pipeline/internal/rating"
)

var tuneCmd = &cobra.Command{
	Use:   "tune",
	Short: "Search Glicko-2 hyperparameters against a replay window",
	Long:  "Replays recent rated matches under candidate (tau, phi0, sigma0, drift window) sets and reports the parameters minimizing prediction loss. Offline; never writes ratings.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTuner(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(tuneCmd)
}

func runTuner(ctx context.Context) error {
	if !cfg.Tuner.Enabled {
		return eris.New("tuner is disabled; set tuner.enabled")
	}

	facts, err := openFacts(ctx)
	if err != nil {
		return err
	}
	defer facts.Close()

	window, err := loadReplayWindow(ctx, facts)
	if err != nil {
		return err
	}
	if len(window) == 0 {
		return eris.New("no rated matches in the replay window")
	}
	zap.L().Info("replay window loaded",
		zap.Int("matches", len(window)),
		zap.Int("window_days", cfg.Tuner.WindowDays),
	)

	tuner := rating.NewTuner(window, rating.TunerConfig{
		Trials:      cfg.Tuner.Trials,
		Seed:        cfg.Tuner.Seed,
		Parallelism: cfg.Tuner.Parallelism,
	})
	best, err := tuner.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("best trial (loss %.6f):\n", best.Loss)
	fmt.Printf("  tau:    %.4f\n", best.Params.Tau)
	fmt.Printf("  phi0:   %.4f\n", best.Params.PhiSeed)
	fmt.Printf("  sigma0: %.4f\n", best.Params.SigmaSeed)
	fmt.Printf("  drift:  %.1f days\n", best.Params.DriftWindow.Hours()/24)
	return nil
}

// loadReplayWindow pages through rated matches and keeps those starting
// inside the configured window.
func loadReplayWindow(ctx context.Context, facts ratingSource) ([]model.RatingMatch, error) {
	cutoff := time.Now().AddDate(0, 0, -cfg.Tuner.WindowDays)
	const page = 50000

	var window []model.RatingMatch
	var after uint64
	for {
		batch, err := facts.MatchesForRating(ctx, after, page)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return window, nil
		}
		for i := range batch {
			if !batch[i].StartTime.Before(cutoff) {
				window = append(window, batch[i])
			}
			if batch[i].MatchID > after {
				after = batch[i].MatchID
			}
		}
		if len(batch) < page {
			return window, nil
		}
	}
}

type ratingSource interface {
	MatchesForRating(ctx context.Context, afterMatchID uint64, limit int) ([]model.RatingMatch, error)
}
