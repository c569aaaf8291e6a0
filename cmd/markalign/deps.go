package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dgallion1/markalign/internal/align"
	"github.com/dgallion1/markalign/internal/checkpoint"
	"github.com/dgallion1/markalign/internal/config"
	"github.com/dgallion1/markalign/internal/extract"
	"github.com/dgallion1/markalign/internal/index"
	"github.com/dgallion1/markalign/internal/loader"
	"github.com/dgallion1/markalign/internal/pipeline"
)

// app holds the wired components shared by the subcommands.
type app struct {
	cfg         config.Config
	log         *zap.Logger
	oracle      *extract.TimedOracle
	index       *index.Store
	loader      *loader.Store
	checkpoints *checkpoint.Store
	worker      *pipeline.Worker

	closers []func()
}

func newApp(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	a := &app{cfg: cfg, log: log}

	base, err := newOracle(ctx, cfg.Oracle)
	if err != nil {
		return nil, err
	}
	if c, ok := base.(interface{ Close() }); ok {
		a.closers = append(a.closers, c.Close)
	}
	a.oracle = extract.WithStats(base, extract.NewLLMStats(15*time.Minute))
	log.Info("oracle ready", zap.String("provider", cfg.Oracle.Provider), zap.String("model", base.Model()))

	a.index, err = index.Load(cfg.Index.Path, log.Named("index"))
	if err != nil {
		return nil, err
	}

	var remote *loader.RemoteSource
	if cfg.Documents.RemoteURL != "" {
		remote = loader.NewRemoteSource(cfg.Documents.RemoteURL, cfg.Documents.APIKey)
		a.closers = append(a.closers, remote.Close)
	}
	a.loader = loader.NewStore(cfg.Documents.Root, remote, log.Named("loader"))
	a.loader.PDFFallback = cfg.Documents.PDFFallbackToText

	ctrl := align.NewController(a.oracle, align.Config{
		Lookahead:     cfg.Alignment.LookaheadPages,
		MaxPageTokens: cfg.Alignment.MaxPageTokens,
		MaxExpansions: cfg.Alignment.MaxExpansions,
		MaxIterations: cfg.Alignment.MaxIterations,
		OracleTimeout: cfg.Oracle.Timeout,
	}, log.Named("align"))

	a.worker = pipeline.NewWorker(a.loader, a.index, ctrl, log.Named("worker"), cfg.Batch.ExamRetries)

	if cfg.Checkpoint.Enabled {
		a.checkpoints, err = checkpoint.Open(cfg.Checkpoint.Path, log.Named("checkpoint"))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = a.checkpoints.Close() })
		ctrl.WithCheckpointer(a.checkpoints)
		a.worker.WithLedger(a.checkpoints)
	}
	return a, nil
}

// newOracle builds the configured extraction backend.
func newOracle(ctx context.Context, oc config.OracleConfig) (extract.Oracle, error) {
	switch oc.Provider {
	case config.ProviderAnthropic:
		return extract.NewClaudeClient(oc.APIKey, oc.Model, oc.BaseURL, oc.MaxTokens, oc.Timeout), nil
	case config.ProviderOllama:
		o, err := extract.NewOllamaClient(oc.BaseURL, oc.Model, oc.Timeout)
		if err != nil {
			return nil, err
		}
		return o, nil
	case config.ProviderGemini:
		g, err := extract.NewGeminiClient(ctx, oc.APIKey, oc.Model, oc.MaxTokens, oc.Timeout)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown oracle provider %q", oc.Provider)
	}
}

// snapshot persists the index to its output artifact.
func (a *app) snapshot() (string, error) {
	return a.index.Snapshot(a.cfg.Index.OutputPath, time.Now())
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
