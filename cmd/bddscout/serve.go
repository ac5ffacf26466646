package main

import (
	"github.com/spf13/cobra"

	"github.com/v0xg/bddscout/internal/crawler"
	"github.com/v0xg/bddscout/internal/pipeline"
	"github.com/v0xg/bddscout/internal/progress"
	"github.com/v0xg/bddscout/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			hub := progress.NewHub(server.StatusFunc(store), a.log)
			sink := progress.NewRouter(a.log, hub, progress.NewLogSink(a.log))

			factory := func(s server.Settings) (*pipeline.Pipeline, error) {
				browser := crawler.OptionsFromConfig(a.cfg.Browser)
				browser.Headless = s.Headless
				return a.pipelineFor(store, sink, s.LLM, browser)
			}

			return server.New(a.cfg, store, hub, factory, a.log).ListenAndServe(cmd.Context())
		},
	}

	cmd.Flags().String("host", "", "Listen host (default from server.host)")
	cmd.Flags().Int("port", 0, "Listen port (default from server.port)")
	_ = a.v.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	_ = a.v.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	return cmd
}
