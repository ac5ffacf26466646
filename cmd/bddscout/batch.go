package main

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/v0xg/bddscout/internal/crawler"
	"github.com/v0xg/bddscout/internal/pipeline"
	"github.com/v0xg/bddscout/internal/progress"
)

func newBatchCmd(a *app) *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "batch <url>...",
		Short: "Analyze several pages concurrently",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if concurrency < 1 {
				return fmt.Errorf("--concurrency must be at least 1")
			}
			targets := make([]string, 0, len(args))
			for _, raw := range args {
				target, err := crawler.NormalizeURL(raw)
				if err != nil {
					return fmt.Errorf("%s: %w", raw, err)
				}
				targets = append(targets, target)
			}

			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			p, err := a.pipelineFor(store, progress.NewLogSink(a.log), a.cfg.LLM, crawler.OptionsFromConfig(a.cfg.Browser))
			if err != nil {
				return err
			}

			runs := make([]pipeline.Run, len(targets))
			var mu sync.Mutex
			out := cmd.OutOrStdout()

			var g errgroup.Group
			g.SetLimit(concurrency)
			for i, target := range targets {
				g.Go(func() error {
					runs[i] = p.Execute(cmd.Context(), pipeline.Request{
						URL:      target,
						Provider: a.cfg.LLM.Provider,
						Model:    a.cfg.LLM.Model,
					})
					mu.Lock()
					printRun(out, runs[i])
					mu.Unlock()
					return nil
				})
			}
			_ = g.Wait()

			var failed int
			for _, r := range runs {
				if r.Failed() {
					failed++
				}
			}
			a.log.Info("batch finished", zap.Int("runs", len(runs)), zap.Int("failed", failed))
			if failed > 0 {
				return fmt.Errorf("%d of %d runs failed", failed, len(runs))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 2, "Maximum runs in flight")
	return cmd
}
