package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/v0xg/bddscout/internal/ai"
	"github.com/v0xg/bddscout/internal/config"
	"github.com/v0xg/bddscout/internal/observability"
)

const envPrefix = "BDDSCOUT"

// app carries the resolved configuration into subcommands.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	log     *zap.Logger
}

// flagKeys maps persistent flags onto config keys.
var flagKeys = map[string]string{
	"log-level": "logger.level",
	"provider":  "llm.provider",
	"model":     "llm.model",
	"headless":  "browser.headless",
	"output":    "output.dir",
	"db":        "storage.path",
}

func newApp() *app {
	a := &app{v: viper.New()}
	config.SetDefaults(a.v)
	return a
}

func newRootCmd() *cobra.Command {
	return buildRootCmd(newApp())
}

func buildRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bddscout",
		Short: "Discover hover and pop-up behavior on web pages and write Gherkin tests for it",
		Long: `bddscout opens a page in a headless browser, finds elements that reveal
menus on hover or open dialogs on click, and asks an LLM to describe them
as Gherkin features.

Example:
  bddscout run https://www.apple.com --provider groq`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./bddscout.yaml)")
	pf.String("log-level", "info", "Log level: debug, info, warn, error")
	pf.String("provider", "", "LLM provider: "+strings.Join(config.Providers, ", "))
	pf.String("model", "", "Model override for the selected provider")
	pf.Bool("headless", true, "Run the browser headless")
	pf.StringP("output", "o", "", "Directory for generated .feature files")
	pf.String("db", "", "SQLite database path")

	for flag, key := range flagKeys {
		if err := a.v.BindPFlag(key, pf.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("failed to bind --%s: %v", flag, err))
		}
	}

	rootCmd.AddCommand(newRunCmd(a), newBatchCmd(a), newServeCmd(a))
	return rootCmd
}

func (a *app) init(cmd *cobra.Command) error {
	if err := initializeConfig(a.v, a.cfgFile); err != nil {
		return err
	}
	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}

	// A provider switched on the command line gets its own default
	// model unless one was chosen explicitly.
	if cmd.Flags().Changed("provider") && !cmd.Flags().Changed("model") && cfg.LLM.Model == ai.DefaultModel("groq") {
		cfg.LLM.Model = ai.DefaultModel(cfg.LLM.Provider)
	}

	a.cfg = cfg
	a.log = observability.NewStderrLogger(cfg.Logger)
	return nil
}

// initializeConfig reads bddscout.yaml (or cfgFile) and BDDSCOUT_* env vars
// into v. A missing default config file is not an error.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("bddscout")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}
