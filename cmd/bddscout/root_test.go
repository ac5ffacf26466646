package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execNoop runs a no-op subcommand so the persistent hooks resolve config.
func execNoop(t *testing.T, args ...string) (*app, error) {
	t.Helper()
	a := newApp()
	root := buildRootCmd(a)
	root.AddCommand(&cobra.Command{Use: "noop", RunE: func(*cobra.Command, []string) error { return nil }})

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"noop"}, args...))
	return a, root.Execute()
}

func TestConfigFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bddscout.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
browser:
  width: 1280
  timeout: 45s
discovery:
  max_hover: 5
llm:
  provider: claude
  model: claude-sonnet-4-20250514
`), 0o644))
	t.Setenv("BDDSCOUT_SERVER_PORT", "9100")

	a, err := execNoop(t, "--config", path, "--db", filepath.Join(dir, "x.db"), "--headless=false")
	require.NoError(t, err)

	assert.Equal(t, 1280, a.cfg.Browser.Width)
	assert.Equal(t, 1080, a.cfg.Browser.Height)
	assert.Equal(t, 45*time.Second, a.cfg.Browser.Timeout)
	assert.False(t, a.cfg.Browser.Headless)
	assert.Equal(t, 5, a.cfg.Discovery.MaxHover)
	assert.Equal(t, "claude", a.cfg.LLM.Provider)
	assert.Equal(t, "claude-sonnet-4-20250514", a.cfg.LLM.Model)
	assert.Equal(t, 9100, a.cfg.Server.Port)
	assert.Equal(t, filepath.Join(dir, "x.db"), a.cfg.Storage.Path)
}

func TestProviderFlagPicksItsDefaultModel(t *testing.T) {
	t.Chdir(t.TempDir())

	a, err := execNoop(t, "--provider", "openai")
	require.NoError(t, err)
	assert.Equal(t, "openai", a.cfg.LLM.Provider)
	assert.Equal(t, "gpt-4o-mini", a.cfg.LLM.Model)

	a, err = execNoop(t, "--provider", "openai", "--model", "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", a.cfg.LLM.Model)
}

func TestInvalidConfigIsRejected(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := execNoop(t, "--provider", "mistral")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm.provider")
}

func TestMissingConfigFileIsAnError(t *testing.T) {
	_, err := execNoop(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestArgumentValidation(t *testing.T) {
	for _, args := range [][]string{{"run"}, {"run", "a", "b"}, {"batch"}, {"serve", "extra"}} {
		root := newRootCmd()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetErr(&out)
		root.SetArgs(args)
		assert.Error(t, root.Execute(), "%v", args)
	}
}
