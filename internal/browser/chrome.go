package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"github.com/shehryarbajwa/sessionbroker/pkg/models"
)

// chromeSession drives a single tab through chromedp.
type chromeSession struct {
	ctx      context.Context // chromedp tab context
	debugURL string

	closeOnce sync.Once
	closeErr  error
	teardown  func() error
}

// newChromeSession opens a tab on allocCtx and starts the browser. teardown
// releases everything behind the allocator and runs exactly once.
func newChromeSession(allocCtx context.Context, debugURL string, teardown func() error) (*chromeSession, error) {
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := &chromeSession{
		ctx:      tabCtx,
		debugURL: debugURL,
		teardown: func() error {
			tabCancel()
			return teardown()
		},
	}

	// The first Run allocates the browser and must use the tab context itself,
	// otherwise the browser dies with whatever context started it.
	if err := chromedp.Run(tabCtx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	return s, nil
}

// run executes actions on the tab, bounded by the caller's ctx.
func (s *chromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	return s.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (s *chromeSession) HTML(ctx context.Context) (string, error) {
	var html string
	err := s.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (s *chromeSession) Location(ctx context.Context) (string, error) {
	var loc string
	err := s.run(ctx, chromedp.Location(&loc))
	return loc, err
}

func (s *chromeSession) Type(ctx context.Context, selector, text string) error {
	return s.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
}

func (s *chromeSession) Click(ctx context.Context, selector string, wait time.Duration) error {
	loaded := make(chan struct{}, 1)
	listenCtx, stopListening := context.WithCancel(s.ctx)
	defer stopListening()

	if wait > 0 {
		chromedp.ListenTarget(listenCtx, func(ev interface{}) {
			if _, ok := ev.(*page.EventLoadEventFired); ok {
				select {
				case loaded <- struct{}{}:
				default:
				}
			}
		})
	}

	if err := s.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return err
	}
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-loaded:
		return nil
	case <-timer.C:
		return ErrNoNavigation
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *chromeSession) Evaluate(ctx context.Context, expression string, out interface{}) error {
	return s.run(ctx, chromedp.Evaluate(expression, out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
}

func (s *chromeSession) Cookies(ctx context.Context) ([]models.Cookie, error) {
	var cookies []models.Cookie
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		raw, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		cookies = make([]models.Cookie, 0, len(raw))
		for _, c := range raw {
			cookies = append(cookies, models.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain})
		}
		return nil
	}))
	return cookies, err
}

func (s *chromeSession) DebugURL() string { return s.debugURL }

func (s *chromeSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.teardown()
	})
	return s.closeErr
}
