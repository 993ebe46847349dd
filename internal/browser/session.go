// Package browser implements the driver surface on chromedp. One
// Session owns one Chrome process context; it backs exactly one task.
package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
)

// Session is a live chromedp browser context implementing schemas.Driver.
type Session struct {
	cfg         config.BrowserConfig
	logger      *zap.Logger
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc
}

// NewSession launches a browser and returns a ready driver. The parent
// context bounds the whole session lifetime.
func NewSession(parent context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", cfg.Headless),
		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, opts...)
	browserCtx, browserStop := chromedp.NewContext(allocCtx)

	// Start the browser eagerly so launch failures surface here rather
	// than on the first action.
	if err := chromedp.Run(browserCtx); err != nil {
		browserStop()
		allocCancel()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	logger.Named("browser").Debug("Browser session started",
		zap.Bool("headless", cfg.Headless),
		zap.Int("width", cfg.WindowWidth),
		zap.Int("height", cfg.WindowHeight),
	)

	return &Session{
		cfg:         cfg,
		logger:      logger.Named("browser"),
		allocCancel: allocCancel,
		browserCtx:  browserCtx,
		browserStop: browserStop,
	}, nil
}

// run executes chromedp actions on the session context while honoring
// the caller context's deadline and cancellation.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.browserCtx)
	defer cancel()
	if dl, ok := ctx.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(runCtx, dl)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// isXPath reports whether the selector should be evaluated as XPath.
func isXPath(selector string) bool {
	return strings.HasPrefix(selector, "/") || strings.HasPrefix(selector, "(")
}

func queryOpt(selector string) chromedp.QueryOption {
	if isXPath(selector) {
		return chromedp.BySearch
	}
	return chromedp.ByQuery
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	navCtx := ctx
	if s.cfg.NavigationTimeout > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(ctx, s.cfg.NavigationTimeout)
		defer cancel()
	}
	return s.run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (s *Session) Click(ctx context.Context, selector string) error {
	opt := queryOpt(selector)
	return s.run(ctx,
		chromedp.ScrollIntoView(selector, opt),
		chromedp.WaitVisible(selector, opt),
		chromedp.Click(selector, opt),
	)
}

func (s *Session) ClickAt(ctx context.Context, x, y float64) error {
	return s.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		if err := dispatchMouse(c, input.MouseMoved, x, y, 0); err != nil {
			return err
		}
		if err := dispatchMouse(c, input.MousePressed, x, y, 1); err != nil {
			return err
		}
		return dispatchMouse(c, input.MouseReleased, x, y, 1)
	}))
}

func (s *Session) MoveMouse(ctx context.Context, x, y float64) error {
	return s.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		return dispatchMouse(c, input.MouseMoved, x, y, 0)
	}))
}

func dispatchMouse(ctx context.Context, typ input.MouseType, x, y float64, clickCount int64) error {
	ev := input.DispatchMouseEvent(typ, x, y)
	if typ == input.MousePressed || typ == input.MouseReleased {
		ev = ev.WithButton(input.Left).WithClickCount(clickCount)
	}
	return ev.Do(ctx)
}

func (s *Session) Type(ctx context.Context, selector, text string) error {
	opt := queryOpt(selector)
	return s.run(ctx,
		chromedp.WaitVisible(selector, opt),
		chromedp.Click(selector, opt),
		chromedp.SendKeys(selector, text, opt),
	)
}

func (s *Session) Scroll(ctx context.Context, direction string, amount float64) error {
	if direction == "up" {
		amount = -amount
	}
	return s.run(ctx, chromedp.Evaluate(
		fmt.Sprintf(`window.scrollBy({top: %f, behavior: "instant"})`, amount), nil,
	))
}

func (s *Session) Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// namedKeys maps the key vocabulary planners use to CDP key codes.
var namedKeys = map[string]string{
	"Enter":      kb.Enter,
	"Tab":        kb.Tab,
	"Escape":     kb.Escape,
	"Backspace":  kb.Backspace,
	"Delete":     kb.Delete,
	"ArrowUp":    kb.ArrowUp,
	"ArrowDown":  kb.ArrowDown,
	"ArrowLeft":  kb.ArrowLeft,
	"ArrowRight": kb.ArrowRight,
	"Home":       kb.Home,
	"End":        kb.End,
	"PageUp":     kb.PageUp,
	"PageDown":   kb.PageDown,
}

func (s *Session) Press(ctx context.Context, key string) error {
	if mapped, ok := namedKeys[key]; ok {
		key = mapped
	}
	return s.run(ctx, chromedp.KeyEvent(key))
}

func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *Session) Query(ctx context.Context, selector string) (int, error) {
	var count int
	var js string
	if isXPath(selector) {
		js = fmt.Sprintf(
			`document.evaluate(%q, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null).snapshotLength`,
			selector,
		)
	} else {
		js = fmt.Sprintf(`document.querySelectorAll(%q).length`, selector)
	}
	if err := s.run(ctx, chromedp.Evaluate(js, &count)); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Session) BoundingBox(ctx context.Context, selector string) (*schemas.Rect, error) {
	var find string
	if isXPath(selector) {
		find = fmt.Sprintf(
			`document.evaluate(%q, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue`,
			selector,
		)
	} else {
		find = fmt.Sprintf(`document.querySelector(%q)`, selector)
	}
	js := fmt.Sprintf(`(() => {
		const el = %s;
		if (!el) return null;
		const r = el.getBoundingClientRect();
		return {x: r.x, y: r.y, width: r.width, height: r.height};
	})()`, find)

	var box *schemas.Rect
	if err := s.run(ctx, chromedp.Evaluate(js, &box)); err != nil {
		return nil, err
	}
	if box == nil {
		return nil, fmt.Errorf("no element matches %q", selector)
	}
	return box, nil
}

func (s *Session) PageText(ctx context.Context) (string, error) {
	var text string
	if err := s.run(ctx, chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text)); err != nil {
		return "", err
	}
	return text, nil
}

func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := s.run(ctx, chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

// Close tears down the browser. Safe to call once per session.
func (s *Session) Close(ctx context.Context) error {
	err := chromedp.Cancel(s.browserCtx)
	s.browserStop()
	s.allocCancel()
	if err != nil {
		s.logger.Warn("Browser shutdown reported an error", zap.Error(err))
		return err
	}
	return nil
}

var _ schemas.Driver = (*Session)(nil)
