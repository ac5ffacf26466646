package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/v0xg/bddscout/internal/crawler"
	"github.com/v0xg/bddscout/internal/pipeline"
	"github.com/v0xg/bddscout/internal/progress"
)

func newRunCmd(a *app) *cobra.Command {
	var profile string

	cmd := &cobra.Command{
		Use:   "run <url>",
		Short: "Analyze one page and write its hover and popup features",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := crawler.NormalizeURL(args[0])
			if err != nil {
				return err
			}

			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			browser := crawler.OptionsFromConfig(a.cfg.Browser)
			browser.ProfileDir = profile
			p, err := a.pipelineFor(store, progress.NewLogSink(a.log), a.cfg.LLM, browser)
			if err != nil {
				return err
			}

			run := p.Execute(cmd.Context(), pipeline.Request{
				URL:      target,
				Provider: a.cfg.LLM.Provider,
				Model:    a.cfg.LLM.Model,
			})
			printRun(cmd.OutOrStdout(), run)
			if run.Failed() {
				return fmt.Errorf("run %d failed: %s", run.ID, run.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&profile, "profile", "", "Chrome/Chromium profile directory for authenticated sessions (close browser first)")
	return cmd
}

func printRun(w io.Writer, run pipeline.Run) {
	if run.Failed() {
		fmt.Fprintf(w, "✗ run %d %s: %s\n", run.ID, run.URL, run.Error)
		return
	}
	fmt.Fprintf(w, "✓ run %d %s\n", run.ID, run.URL)
	if run.Analysis != nil {
		fmt.Fprintf(w, "  %d hover elements, %d popup triggers\n",
			len(run.Analysis.HoverElements), len(run.Analysis.PopupTriggers))
	}
	for _, art := range []*pipeline.Artifact{run.HoverFeature, run.PopupFeature} {
		if art != nil {
			fmt.Fprintf(w, "  → %s\n", art.Path)
		}
	}
}
