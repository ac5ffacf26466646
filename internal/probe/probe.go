package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-rod/rod/lib/input"
	"go.uber.org/zap"

	"github.com/v0xg/bddscout/internal/crawler"
)

// Page is the subset of a page session the probe drives.
// *crawler.Session satisfies it.
type Page interface {
	Evaluate(ctx context.Context, script string, args ...any) (string, error)
	Hover(ctx context.Context, loc crawler.Locator) error
	Click(ctx context.Context, loc crawler.Locator) error
	Press(ctx context.Context, key input.Key) error
	MoveMouse(ctx context.Context, x, y float64) error
}

// Timing holds the fixed waits of the confirmation protocol.
type Timing struct {
	HoverSettle time.Duration
	HoverReset  time.Duration
	PopupSettle time.Duration
	PopupReset  time.Duration
	ClosePause  time.Duration
}

// Probe detects and confirms interactive behavior on one page. Calls must
// not overlap: every confirmation snapshots and mutates the shared page.
type Probe struct {
	page   Page
	timing Timing
	log    *zap.Logger
}

// New creates a probe for page
func New(page Page, timing Timing, log *zap.Logger) *Probe {
	if log == nil {
		log = zap.NewNop()
	}
	return &Probe{page: page, timing: timing, log: log.Named("probe")}
}

// HoverCandidates runs the static hover scan.
func (p *Probe) HoverCandidates(ctx context.Context) ([]Candidate, error) {
	return p.scan(ctx, hoverScanScript, HoverScanLimit)
}

// PopupCandidates runs the static popup trigger scan.
func (p *Probe) PopupCandidates(ctx context.Context) ([]Candidate, error) {
	return p.scan(ctx, popupScanScript, PopupScanLimit)
}

func (p *Probe) scan(ctx context.Context, script string, limit int) ([]Candidate, error) {
	var cands []Candidate
	if err := p.eval(ctx, &cands, script, limit); err != nil {
		return nil, fmt.Errorf("candidate scan failed: %w", err)
	}
	return Normalize(cands, limit), nil
}

// Snapshot captures the visible interactive elements and markup length.
func (p *Probe) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	if err := p.eval(ctx, &snap, snapshotScript); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot failed: %w", err)
	}
	return snap, nil
}

// ConfirmHover hovers c and reports whether the page changed. The pointer
// is always parked at the viewport origin afterward.
func (p *Probe) ConfirmHover(ctx context.Context, c Candidate) (HoverElement, bool, error) {
	defer p.resetPointer(ctx)

	before, err := p.Snapshot(ctx)
	if err != nil {
		return HoverElement{}, false, err
	}
	if err := p.page.Hover(ctx, c.Locator); err != nil {
		return HoverElement{}, false, err
	}
	if err := sleep(ctx, p.timing.HoverSettle); err != nil {
		return HoverElement{}, false, err
	}
	after, err := p.Snapshot(ctx)
	if err != nil {
		return HoverElement{}, false, err
	}

	change := Diff(before, after)
	if !change.Changed {
		return HoverElement{}, false, nil
	}
	return HoverElement{Candidate: c, Revealed: change.Revealed}, true, nil
}

func (p *Probe) resetPointer(ctx context.Context) {
	if err := p.page.MoveMouse(ctx, 0, 0); err != nil {
		p.log.Debug("pointer reset failed", zap.Error(err))
	}
	_ = sleep(ctx, p.timing.HoverReset)
}

// ConfirmPopup clicks c and reports whether a modal-like node appeared.
// Once the click has been issued, any modal left open is dismissed on a
// best-effort basis, whatever the outcome.
func (p *Probe) ConfirmPopup(ctx context.Context, c Candidate) (PopupTrigger, bool, error) {
	before, err := p.modalState(ctx)
	if err != nil {
		return PopupTrigger{}, false, err
	}

	defer func() { _ = sleep(ctx, p.timing.PopupReset) }()

	if err := p.page.Click(ctx, c.Locator); err != nil {
		p.CloseModals(ctx)
		return PopupTrigger{}, false, err
	}
	if err := sleep(ctx, p.timing.PopupSettle); err != nil {
		return PopupTrigger{}, false, err
	}

	after, err := p.modalState(ctx)
	if err != nil {
		p.CloseModals(ctx)
		return PopupTrigger{}, false, err
	}
	if after.Count <= before.Count && !after.described() {
		return PopupTrigger{}, false, nil
	}

	p.CloseModals(ctx)
	return PopupTrigger{Candidate: c, Popups: after.Modals}, true, nil
}

// ModalCount returns how many modal-like nodes are visible.
func (p *Probe) ModalCount(ctx context.Context) (int, error) {
	st, err := p.modalState(ctx)
	if err != nil {
		return 0, err
	}
	return st.Count, nil
}

func (p *Probe) modalState(ctx context.Context) (modalState, error) {
	var st modalState
	if err := p.eval(ctx, &st, modalStateScript, minModalSide); err != nil {
		return modalState{}, fmt.Errorf("modal count failed: %w", err)
	}
	return st, nil
}

// CloseModals presses Escape, then clicks the first visible close control
// of each selector in turn until no modal-like node remains. Every step is
// best-effort.
func (p *Probe) CloseModals(ctx context.Context) {
	if err := p.page.Press(ctx, input.Escape); err != nil {
		p.log.Debug("escape press failed", zap.Error(err))
	}
	_ = sleep(ctx, p.timing.ClosePause)

	for _, sel := range closeSelectors {
		n, err := p.ModalCount(ctx)
		if err != nil {
			p.log.Debug("modal count failed during close", zap.Error(err))
			return
		}
		if n == 0 {
			return
		}

		var target string
		if target, err = p.page.Evaluate(ctx, closeTargetScript, sel); err != nil {
			p.log.Debug("close target lookup failed", zap.String("selector", sel), zap.Error(err))
			continue
		}
		if target == "" {
			continue
		}
		if err := p.page.Click(ctx, crawler.Locator(target)); err != nil {
			p.log.Debug("close click failed", zap.String("selector", sel), zap.Error(err))
			continue
		}
		_ = sleep(ctx, p.timing.ClosePause)
	}

	if n, err := p.ModalCount(ctx); err == nil && n > 0 {
		p.log.Debug("modal still visible after close attempts", zap.Int("count", n))
	}
}

func (p *Probe) eval(ctx context.Context, out any, script string, args ...any) error {
	raw, err := p.page.Evaluate(ctx, script, args...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("failed to decode script result: %w", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
