package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"

	"github.com/v0xg/bddscout/internal/config"
)

var (
	// ErrNavigation marks a target that never reached a loaded state.
	ErrNavigation = errors.New("navigation failed")
	// ErrUnresolved marks a locator that no longer matches any node.
	ErrUnresolved = errors.New("locator did not resolve")
)

// Options configures a page session
type Options struct {
	Headless   bool
	Bin        string
	RemoteURL  string // attach to a running browser instead of launching one
	Stealth    bool
	Width      int
	Height     int
	Timeout    time.Duration // per browser operation
	SlowMotion time.Duration
	Settle     time.Duration // pause after the page loads
	ProfileDir string
}

// OptionsFromConfig maps the browser config section onto session options.
func OptionsFromConfig(c config.BrowserConfig) Options {
	return Options{
		Headless:   c.Headless,
		Bin:        c.Bin,
		RemoteURL:  c.RemoteURL,
		Stealth:    c.Stealth,
		Width:      c.Width,
		Height:     c.Height,
		Timeout:    c.Timeout,
		SlowMotion: c.SlowMotion,
		Settle:     c.Settle,
	}
}

func (o *Options) defaults() {
	if o.Timeout == 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Width == 0 {
		o.Width = 1920
	}
	if o.Height == 0 {
		o.Height = 1080
	}
}

// Session owns one browser tab from launch to close. It is not safe for
// concurrent use; a session is driven by exactly one caller.
type Session struct {
	browser  *rod.Browser
	page     *rod.Page
	launcher *launcher.Launcher
	opts     Options
	log      *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open launches (or attaches to) a browser and creates one blank tab.
func Open(ctx context.Context, opts Options, log *zap.Logger) (*Session, error) {
	opts.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{opts: opts, log: log.Named("session")}

	controlURL := opts.RemoteURL
	if controlURL == "" {
		bin := opts.Bin
		if bin == "" {
			bin, _ = launcher.LookPath()
		}
		l := launcher.New().Headless(opts.Headless)
		if bin != "" {
			l = l.Bin(bin)
		}
		if opts.ProfileDir != "" {
			l = l.UserDataDir(opts.ProfileDir)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("failed to launch browser: %w", err)
		}
		s.launcher = l
		controlURL = u
	}

	b := rod.New().ControlURL(controlURL)
	if opts.SlowMotion > 0 {
		b = b.SlowMotion(opts.SlowMotion)
	}
	if err := b.Connect(); err != nil {
		s.killLauncher()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	s.browser = b

	var page *rod.Page
	var err error
	if opts.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to create tab: %w", err)
	}
	s.page = page

	if err := page.Context(ctx).SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             opts.Width,
		Height:            opts.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set viewport: %w", err)
	}

	return s, nil
}

// Navigate loads url and waits for it to settle. Any failure to reach the
// load event within the operation timeout wraps ErrNavigation.
func (s *Session) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	page := s.page.Context(navCtx)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNavigation, url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("%w: %s did not finish loading: %w", ErrNavigation, url, err)
	}

	// Don't hang on persistent connections (WebSockets, polling, etc.)
	idleCtx, idleCancel := context.WithTimeout(ctx, 5*time.Second)
	s.page.Context(idleCtx).WaitRequestIdle(500*time.Millisecond, nil, nil, nil)()
	idleCancel()

	// SPAs need time to download bundles and hydrate
	if s.DetectSPA(ctx) {
		s.waitForInteractiveElements(ctx, 5*time.Second)
	}

	if s.opts.Settle > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.Settle):
		}
	}
	return nil
}

// Evaluate runs script in the page and returns its result as a string.
// Scan scripts return JSON.stringify output which callers decode.
func (s *Session) Evaluate(ctx context.Context, script string, args ...any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	res, err := s.page.Context(ctx).Eval(script, args...)
	if err != nil {
		return "", fmt.Errorf("failed to evaluate script: %w", err)
	}
	return res.Value.Str(), nil
}

// Info returns the current URL and title of the tab.
func (s *Session) Info(ctx context.Context) (url, title string, err error) {
	info, err := s.page.Context(ctx).Info()
	if err != nil {
		return "", "", fmt.Errorf("failed to read page info: %w", err)
	}
	return info.URL, info.Title, nil
}

// HTML returns the serialized document.
func (s *Session) HTML(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	html, err := s.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("failed to read page html: %w", err)
	}
	return html, nil
}

// Close cleans up browser resources. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.page != nil {
			if err := s.page.Close(); err != nil {
				s.log.Debug("page close failed", zap.Error(err))
			}
		}
		if s.browser != nil {
			s.closeErr = s.browser.Close()
		}
		s.killLauncher()
	})
	return s.closeErr
}

func (s *Session) killLauncher() {
	if s.launcher == nil {
		return
	}
	s.launcher.Kill()
	s.launcher.Cleanup()
}

// waitForInteractiveElements polls until interactive elements appear or timeout
func (s *Session) waitForInteractiveElements(ctx context.Context, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	checkInterval := 200 * time.Millisecond

	for time.Now().Before(deadline) {
		res, err := s.Evaluate(ctx, `() => {
			let visible = 0;
			document.querySelectorAll('button, [role="button"], a[href], input:not([type="hidden"])')
				.forEach(el => { if (el.offsetParent) visible++; });
			return String(visible);
		}`)
		if err == nil && res != "0" && res != "" {
			// Found elements, wait a tiny bit more for any final renders
			time.Sleep(300 * time.Millisecond)
			return
		}
		time.Sleep(checkInterval)
	}
}

// DetectSPA checks for common single page application framework markers
func (s *Session) DetectSPA(ctx context.Context) bool {
	res, err := s.Evaluate(ctx, `() => {
		if (window.__REACT_DEVTOOLS_GLOBAL_HOOK__ || document.querySelector('[data-reactroot]') || document.querySelector('#__next')) return 'true';
		if (window.__VUE__ || document.querySelector('[data-v-app]')) return 'true';
		if (window.ng || document.querySelector('[ng-version]') || document.querySelector('app-root')) return 'true';
		if (document.querySelector('[class*="svelte-"]')) return 'true';
		return 'false';
	}`)
	return err == nil && res == "true"
}
