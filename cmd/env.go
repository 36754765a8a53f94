package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openonco/coverage-cli/internal/artifact"
	"github.com/openonco/coverage-cli/internal/fetcher"
	"github.com/openonco/coverage-cli/internal/pipeline"
	"github.com/openonco/coverage-cli/internal/store"
	"github.com/openonco/coverage-cli/pkg/claude"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "coverage.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// pipelineEnv holds the initialized store, artifact store, and pipeline
// shared by the refresh/discover/reconcile/serve commands.
type pipelineEnv struct {
	Store     store.Store
	Artifacts *artifact.Store
	Pipeline  *pipeline.Pipeline
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline sets up the store, artifact store, fetcher, and extractor, and
// builds the Pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	arts, err := artifact.NewStore(cfg.Artifacts.Dir)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init artifact store")
	}

	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:       cfg.Fetch.UserAgent,
		Timeout:         time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
		MaxRetries:      cfg.Fetch.MaxRetries,
		RequestsPerHost: rate.Limit(cfg.Fetch.RequestsPerHost),
		Burst:           cfg.Fetch.Burst,
	})

	// Without an API key, extraction degrades to heuristic slicing.
	var extractor claude.Client
	if cfg.Anthropic.Key != "" {
		extractor = claude.NewClient(claude.Options{
			APIKey:    cfg.Anthropic.Key,
			Model:     cfg.Anthropic.Model,
			MaxTokens: cfg.Anthropic.MaxTokens,
		})
	} else {
		zap.L().Warn("COVERAGE_ANTHROPIC_KEY not set, extraction disabled; hashing falls back to heuristic slicing")
	}

	p := pipeline.New(pipeline.Options{
		Concurrency:      cfg.Pipeline.Concurrency,
		FailureThreshold: cfg.Pipeline.FailureThreshold,
		KeepArtifacts:    cfg.Artifacts.KeepCount,
	}, st, arts, f, extractor)

	return &pipelineEnv{
		Store:     st,
		Artifacts: arts,
		Pipeline:  p,
	}, nil
}
