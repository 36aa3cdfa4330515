package main

import (
	"context"
	"net/http"
	"time"

	"github.com/riftstats/pipeline/internal/config"
	"github.com/riftstats/pipeline/internal/fetcher"
	"github.com/riftstats/pipeline/internal/resilience"
	"github.com/riftstats/pipeline/internal/store"
	"github.com/riftstats/pipeline/pkg/gameapi"
)

// buildAPI assembles the platform API client behind the bounded fetcher.
func buildAPI() gameapi.Client {
	resources := make(map[string]fetcher.ResourceConfig, len(cfg.Fetch.Resources))
	for name, rc := range cfg.Fetch.Resources {
		resources[name] = fetcher.ResourceConfig{
			Cooldown:    rc.Cooldown(),
			MaxInFlight: rc.MaxInFlight,
			FailFast:    rc.FailFast,
			MaxAttempts: rc.MaxAttempts,
		}
	}

	bounded := fetcher.New(fetcher.Options{
		HTTPClient: &http.Client{Timeout: time.Duration(cfg.API.TimeoutSecs) * time.Second},
		Retry:      retryConfig(cfg.Fetch.Retry),
		Resources:  resources,
	})

	return gameapi.NewClient(cfg.API.Token,
		gameapi.WithBaseURL(cfg.API.BaseURL),
		gameapi.WithFetcher(bounded),
	)
}

func retryConfig(rc config.RetryConfig) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    rc.MaxAttempts,
		InitialBackoff: time.Duration(rc.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(rc.MaxBackoffMs) * time.Millisecond,
		Multiplier:     rc.Multiplier,
		JitterFraction: rc.JitterFraction,
	}
}

// openFacts connects the ClickHouse fact store.
func openFacts(ctx context.Context) (*store.ClickHouseStore, error) {
	if err := cfg.RequireFacts(); err != nil {
		return nil, err
	}
	return store.NewClickHouse(ctx, store.ClickHouseConfig{
		Addr:     cfg.Facts.Addr,
		Database: cfg.Facts.Database,
		Username: cfg.Facts.Username,
		Password: cfg.Facts.Password,
	})
}

// openMeta connects the Postgres meta store.
func openMeta(ctx context.Context) (*store.PostgresStore, error) {
	if err := cfg.RequireMeta(); err != nil {
		return nil, err
	}
	return store.NewPostgres(ctx, cfg.Meta.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Meta.MaxConns,
		MinConns: cfg.Meta.MinConns,
	})
}
