package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/riftstats/pipeline/internal/collector"
	"github.com/riftstats/pipeline/internal/ingest"
	"github.com/riftstats/pipeline/internal/model"
	"github.com/riftstats/pipeline/internal/store"
	"github.com/riftstats/pipeline/pkg/gameapi"
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run the API collectors and the ingestion worker",
}

func init() {
	collectCmd.AddCommand(
		collectorCmd("active", "Poll the live match list", activePoller),
		collectorCmd("salts", "Resolve replay salts for finished matches", saltPoller),
		collectorCmd("history", "Fetch per-player match histories", historyPoller),
		collectorCmd("profiles", "Refresh stale player profiles", profilePoller),
		collectorCmd("builds", "Sweep community hero builds", buildsPoller),
		&cobra.Command{
			Use:   "all",
			Short: "Run every collector in one process",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCollectors(cmd.Context(),
					activePoller, saltPoller, historyPoller, profilePoller, buildsPoller)
			},
		},
	)
	rootCmd.AddCommand(collectCmd)
}

// pollerBuilder wires one collector against the shared API client, stores,
// and output channel, returning the poller and its cadence.
type pollerBuilder func(api gameapi.Client, deps collectDeps, out chan<- model.NormalizedRecord) (collector.Poller, time.Duration)

type collectDeps struct {
	facts *store.ClickHouseStore
	meta  *store.PostgresStore
}

func collectorCmd(name, short string, build pollerBuilder) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCollectors(cmd.Context(), build)
		},
	}
}

func runCollectors(parent context.Context, builders ...pollerBuilder) error {
	if err := cfg.RequireAPI(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	facts, err := openFacts(ctx)
	if err != nil {
		return err
	}
	defer facts.Close()
	meta, err := openMeta(ctx)
	if err != nil {
		return err
	}
	defer meta.Close()

	api := buildAPI()
	deps := collectDeps{facts: facts, meta: meta}

	records := make(chan model.NormalizedRecord, 1024)
	worker := ingest.NewWorker(ingest.New(facts, meta), ingest.WorkerConfig{
		MaxRows:       cfg.Ingest.MaxRows,
		MaxBytes:      cfg.Ingest.MaxBytes,
		FlushInterval: time.Duration(cfg.Ingest.FlushSecs) * time.Second,
		ShutdownGrace: time.Duration(cfg.Ingest.ShutdownGraceSecs) * time.Second,
	})

	pollers := make(map[collector.Poller]time.Duration, len(builders))
	for _, build := range builders {
		p, interval := build(api, deps, records)
		pollers[p] = interval
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(records)
		return collector.RunAll(ctx, pollers)
	})
	g.Go(func() error {
		return worker.Run(ctx, records)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func activePoller(api gameapi.Client, deps collectDeps, out chan<- model.NormalizedRecord) (collector.Poller, time.Duration) {
	p := collector.NewActive(api, deps.meta, out, collector.ActiveCollectorConfig{
		DedupWindow: time.Duration(cfg.Collect.Active.DedupWindowSecs) * time.Second,
	})
	return p, time.Duration(cfg.Collect.Active.IntervalSecs) * time.Second
}

func saltPoller(api gameapi.Client, deps collectDeps, out chan<- model.NormalizedRecord) (collector.Poller, time.Duration) {
	p := collector.NewSalt(api, deps.facts, out, collector.SaltCollectorConfig{
		BatchSize:   cfg.Collect.Salts.BatchSize,
		Concurrency: cfg.Collect.Salts.Concurrency,
		MaxFailures: cfg.Collect.Salts.MaxFailures,
		RetryDelay:  time.Duration(cfg.Collect.Salts.RetryDelaySecs) * time.Second,
	})
	return p, time.Duration(cfg.Collect.Salts.IntervalSecs) * time.Second
}

func historyPoller(api gameapi.Client, deps collectDeps, out chan<- model.NormalizedRecord) (collector.Poller, time.Duration) {
	p := collector.NewHistory(api, deps.meta, out, collector.HistoryCollectorConfig{
		BatchSize:   cfg.Collect.History.BatchSize,
		Concurrency: cfg.Collect.History.Concurrency,
	})
	return p, time.Duration(cfg.Collect.History.IntervalSecs) * time.Second
}

func profilePoller(api gameapi.Client, deps collectDeps, out chan<- model.NormalizedRecord) (collector.Poller, time.Duration) {
	p := collector.NewProfiles(api, deps.facts, deps.meta, out, collector.ProfileCollectorConfig{
		BatchSize:  cfg.Collect.Profiles.BatchSize,
		StaleAfter: time.Duration(cfg.Collect.Profiles.StaleAfterDays) * 24 * time.Hour,
	})
	return p, time.Duration(cfg.Collect.Profiles.IntervalSecs) * time.Second
}

func buildsPoller(api gameapi.Client, _ collectDeps, out chan<- model.NormalizedRecord) (collector.Poller, time.Duration) {
	p := collector.NewBuilds(api, out, collector.BuildsCollectorConfig{})
	return p, time.Duration(cfg.Collect.Builds.IntervalSecs) * time.Second
}
