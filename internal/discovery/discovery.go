package discovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/v0xg/bddscout/internal/config"
	"github.com/v0xg/bddscout/internal/crawler"
	"github.com/v0xg/bddscout/internal/probe"
)

// Phase names the coordinator's progress points, reported in order.
type Phase string

const (
	PhaseLaunch    Phase = "launch"
	PhaseLoad      Phase = "load"
	PhaseStructure Phase = "structure"
	PhaseHover     Phase = "hover"
	PhasePopup     Phase = "popup"
)

// Result is everything discovered on one page. It is never modified after
// Discover returns it.
type Result struct {
	PageStructure crawler.PageStructure `json:"page_structure"`
	HoverElements []probe.HoverElement  `json:"hover_elements"`
	PopupTriggers []probe.PopupTrigger  `json:"popup_elements"`
}

// Target is a live page the coordinator can navigate, summarize and probe.
type Target interface {
	probe.Page
	Navigate(ctx context.Context, url string) error
	Info(ctx context.Context) (url, title string, err error)
	HTML(ctx context.Context) (string, error)
	DetectSPA(ctx context.Context) bool
	Close() error
}

// Opener creates a fresh Target.
type Opener func(ctx context.Context) (Target, error)

// SessionOpener opens real browser sessions with opts.
func SessionOpener(opts crawler.Options, log *zap.Logger) Opener {
	return func(ctx context.Context) (Target, error) {
		s, err := crawler.Open(ctx, opts, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Options bounds the confirmation passes.
type Options struct {
	MaxHover int
	MaxPopup int
	Timing   probe.Timing
}

// OptionsFromConfig maps the discovery config section.
func OptionsFromConfig(c config.DiscoveryConfig) Options {
	return Options{
		MaxHover: c.MaxHover,
		MaxPopup: c.MaxPopup,
		Timing: probe.Timing{
			HoverSettle: c.HoverSettle,
			HoverReset:  c.HoverReset,
			PopupSettle: c.PopupSettle,
			PopupReset:  c.PopupReset,
			ClosePause:  c.ClosePause,
		},
	}
}

// Coordinator runs the structure summary and both probing passes against
// one page per call. Elements are probed strictly one at a time.
type Coordinator struct {
	open Opener
	opts Options
	log  *zap.Logger
}

// NewCoordinator creates a coordinator that opens pages with open
func NewCoordinator(open Opener, opts Options, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{open: open, opts: opts, log: log.Named("discovery")}
}

// Discover opens a page at url and probes it. The page is closed before
// Discover returns on every path. A navigation failure yields no Result.
func (c *Coordinator) Discover(ctx context.Context, url string, onPhase func(Phase)) (res *Result, err error) {
	if onPhase == nil {
		onPhase = func(Phase) {}
	}
	log := c.log.With(zap.String("url", url))

	onPhase(PhaseLaunch)
	target, err := c.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	defer func() {
		if cerr := target.Close(); cerr != nil {
			log.Warn("page close failed", zap.Error(cerr))
		}
	}()

	onPhase(PhaseLoad)
	if err := target.Navigate(ctx, url); err != nil {
		return nil, err
	}

	onPhase(PhaseStructure)
	structure, err := c.structure(ctx, target, url)
	if err != nil {
		return nil, err
	}

	pr := probe.New(target, c.opts.Timing, log)

	onPhase(PhaseHover)
	hover := c.hoverPass(ctx, pr, log)

	onPhase(PhasePopup)
	popup := c.popupPass(ctx, pr, log)

	log.Info("discovery finished",
		zap.Int("hover_elements", len(hover)),
		zap.Int("popup_elements", len(popup)))

	return &Result{PageStructure: structure, HoverElements: hover, PopupTriggers: popup}, nil
}

func (c *Coordinator) structure(ctx context.Context, target Target, requested string) (crawler.PageStructure, error) {
	pageURL, title, err := target.Info(ctx)
	if err != nil {
		return crawler.PageStructure{}, err
	}
	if pageURL == "" {
		pageURL = requested
	}
	markup, err := target.HTML(ctx)
	if err != nil {
		return crawler.PageStructure{}, err
	}
	ps, err := crawler.Summarize(pageURL, title, markup)
	if err != nil {
		return crawler.PageStructure{}, err
	}
	ps.IsSPA = target.DetectSPA(ctx)
	return ps, nil
}

func (c *Coordinator) hoverPass(ctx context.Context, pr *probe.Probe, log *zap.Logger) []probe.HoverElement {
	found := []probe.HoverElement{}

	cands, err := pr.HoverCandidates(ctx)
	if err != nil {
		log.Warn("hover scan failed", zap.Error(err))
		return found
	}
	cands = capped(cands, c.opts.MaxHover)
	log.Debug("hover candidates", zap.Int("count", len(cands)))

	for _, cand := range cands {
		el, ok, err := pr.ConfirmHover(ctx, cand)
		if err != nil {
			log.Warn("hover probe failed",
				zap.String("locator", cand.Locator.String()),
				zap.String("text", cand.Text),
				zap.Error(err))
			continue
		}
		if ok {
			log.Debug("hover confirmed",
				zap.String("text", cand.Text),
				zap.Int("revealed", len(el.Revealed)))
			found = append(found, el)
		}
	}
	return found
}

func (c *Coordinator) popupPass(ctx context.Context, pr *probe.Probe, log *zap.Logger) []probe.PopupTrigger {
	found := []probe.PopupTrigger{}

	cands, err := pr.PopupCandidates(ctx)
	if err != nil {
		log.Warn("popup scan failed", zap.Error(err))
		return found
	}
	cands = capped(cands, c.opts.MaxPopup)
	log.Debug("popup candidates", zap.Int("count", len(cands)))

	for _, cand := range cands {
		trig, ok, err := pr.ConfirmPopup(ctx, cand)
		if err != nil {
			log.Warn("popup probe failed",
				zap.String("locator", cand.Locator.String()),
				zap.String("text", cand.Text),
				zap.Error(err))
			continue
		}
		if ok {
			log.Debug("popup confirmed",
				zap.String("text", cand.Text),
				zap.Int("modals", len(trig.Popups)))
			found = append(found, trig)
		}
	}
	return found
}

func capped[T any](s []T, n int) []T {
	if n < len(s) {
		return s[:n]
	}
	return s
}
