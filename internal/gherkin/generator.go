// Package gherkin turns discovered behaviors into Gherkin feature files.
package gherkin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/v0xg/bddscout/internal/ai"
	"github.com/v0xg/bddscout/internal/crawler"
	"github.com/v0xg/bddscout/internal/probe"
	"go.uber.org/zap"
)

// Feature categories, also used as file name prefixes.
const (
	CategoryHover = "hover"
	CategoryPopup = "popup"
)

// ErrEmptyFeature is returned when cleaning leaves nothing.
var ErrEmptyFeature = errors.New("generated feature is empty")

// Generator writes features with an LLM provider.
type Generator struct {
	llm ai.Provider
	log *zap.Logger
}

// NewGenerator creates a generator backed by llm
func NewGenerator(llm ai.Provider, log *zap.Logger) *Generator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Generator{llm: llm, log: log.Named("gherkin")}
}

// HoverFeatures writes a hover feature. An empty list yields the generic
// feature without calling the provider.
func (g *Generator) HoverFeatures(ctx context.Context, url string, elements []probe.HoverElement, structure crawler.PageStructure) (string, error) {
	if len(elements) == 0 {
		g.log.Warn("no hover elements found, using generic feature", zap.String("url", url))
		return GenericHover(url), nil
	}
	return g.generate(ctx, CategoryHover, hoverPrompt(url, elements, structure))
}

// PopupFeatures writes a popup feature. An empty list yields the generic
// feature without calling the provider.
func (g *Generator) PopupFeatures(ctx context.Context, url string, triggers []probe.PopupTrigger, structure crawler.PageStructure) (string, error) {
	if len(triggers) == 0 {
		g.log.Warn("no popup triggers found, using generic feature", zap.String("url", url))
		return GenericPopup(url), nil
	}
	return g.generate(ctx, CategoryPopup, popupPrompt(url, triggers, structure))
}

func (g *Generator) generate(ctx context.Context, category string, prompt ai.Prompt) (string, error) {
	g.log.Info("generating features", zap.String("category", category), zap.String("provider", g.llm.Name()))

	raw, err := g.llm.Generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("failed to generate %s features: %w", category, err)
	}
	feature := Clean(raw)
	if feature == "" {
		return "", fmt.Errorf("%s: %w", category, ErrEmptyFeature)
	}
	return feature, nil
}

// FileName is <category>_tests_<YYYYmmdd_HHMMSS>_<runID>.feature.
func FileName(category string, runID int64, now time.Time) string {
	return fmt.Sprintf("%s_tests_%s_%d.feature", category, now.Format("20060102_150405"), runID)
}

// Save writes content under dir and returns the file path.
func Save(dir, category string, runID int64, content string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(dir, FileName(category, runID, now))
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write feature file: %w", err)
	}
	return path, nil
}

// DirWriter saves features under Dir, stamped with Now (time.Now if nil).
type DirWriter struct {
	Dir string
	Now func() time.Time
}

func (w DirWriter) Write(category string, runID int64, content string) (string, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	return Save(w.Dir, category, runID, content, now())
}
