package main

import (
	"context"
	"fmt"

	"github.com/v0xg/bddscout/internal/ai"
	"github.com/v0xg/bddscout/internal/config"
	"github.com/v0xg/bddscout/internal/crawler"
	"github.com/v0xg/bddscout/internal/discovery"
	"github.com/v0xg/bddscout/internal/gherkin"
	"github.com/v0xg/bddscout/internal/pipeline"
	"github.com/v0xg/bddscout/internal/progress"
	"github.com/v0xg/bddscout/internal/storage"
)

func (a *app) openStore(ctx context.Context) (*storage.Store, error) {
	store, err := storage.Open(ctx, a.cfg.Storage.Path, a.log)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return store, nil
}

// pipelineFor assembles a pipeline for one LLM and browser choice.
func (a *app) pipelineFor(store pipeline.Store, sink progress.Sink, llm config.LLMConfig, browser crawler.Options) (*pipeline.Pipeline, error) {
	provider, err := ai.FromConfig(llm)
	if err != nil {
		return nil, fmt.Errorf("AI provider init failed: %w", err)
	}

	coord := discovery.NewCoordinator(
		discovery.SessionOpener(browser, a.log),
		discovery.OptionsFromConfig(a.cfg.Discovery),
		a.log,
	)

	return pipeline.New(pipeline.Deps{
		Store:      store,
		Discoverer: coord,
		Generator:  gherkin.NewGenerator(provider, a.log),
		Writer:     gherkin.DirWriter{Dir: a.cfg.Output.Dir},
		Sink:       sink,
	}, a.log), nil
}
