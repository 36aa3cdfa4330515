package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/riftstats/pipeline/internal/collector"
	"github.com/riftstats/pipeline/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest staged record files into the fact store",
	Long:  "Watches the staging directory for newline-delimited JSON record files (optionally bzip2-compressed) and commits them idempotently.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStaging(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runStaging(parent context.Context) error {
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

	loader, err := ingest.NewStagingLoader(ingest.New(facts, meta), cfg.Ingest.StagingDir)
	if err != nil {
		return err
	}

	err = collector.Run(ctx, loader, time.Duration(cfg.Ingest.PollSecs)*time.Second)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
