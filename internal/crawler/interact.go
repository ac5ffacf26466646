package crawler

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

// Hover moves the pointer onto the node at loc.
func (s *Session) Hover(ctx context.Context, loc Locator) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	el, err := s.element(ctx, loc)
	if err != nil {
		return err
	}
	if err := el.Hover(); err != nil {
		return fmt.Errorf("failed to hover %s: %w", loc, err)
	}
	return nil
}

// Click performs a left click on the node at loc.
func (s *Session) Click(ctx context.Context, loc Locator) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	el, err := s.element(ctx, loc)
	if err != nil {
		return err
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("failed to click %s: %w", loc, err)
	}
	return nil
}

// Press sends a key down and up to the focused document. The events go
// straight to the timeout-scoped page since rod's Keyboard is bound to the
// page's own context.
func (s *Session) Press(ctx context.Context, key input.Key) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	page := s.page.Context(ctx)
	for _, t := range []proto.InputDispatchKeyEventType{
		proto.InputDispatchKeyEventTypeKeyDown,
		proto.InputDispatchKeyEventTypeKeyUp,
	} {
		if err := key.Encode(t, 0).Call(page); err != nil {
			return fmt.Errorf("failed to press key: %w", err)
		}
	}
	return nil
}

// MoveMouse moves the pointer to viewport coordinates x, y.
func (s *Session) MoveMouse(ctx context.Context, x, y float64) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	ev := proto.InputDispatchMouseEvent{Type: proto.InputDispatchMouseEventTypeMouseMoved, X: x, Y: y}
	if err := ev.Call(s.page.Context(ctx)); err != nil {
		return fmt.Errorf("failed to move mouse: %w", err)
	}
	return nil
}

// element resolves loc without waiting; a missing node is ErrUnresolved.
func (s *Session) element(ctx context.Context, loc Locator) (*rod.Element, error) {
	els, err := s.page.Context(ctx).ElementsX(loc.XPath())
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", loc, err)
	}
	if len(els) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnresolved, loc)
	}
	return els[0], nil
}
