// Package login drives one browser through the target application's login
// flow: load the page, get its CAPTCHA solved, submit the credentials and
// collect the session cookies.
package login

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/sessionbroker/internal/browser"
	"github.com/shehryarbajwa/sessionbroker/internal/config"
	"github.com/shehryarbajwa/sessionbroker/internal/failure"
	"github.com/shehryarbajwa/sessionbroker/internal/harvest"
	"github.com/shehryarbajwa/sessionbroker/pkg/models"
)

// Solver gets a CAPTCHA challenge solved.
type Solver interface {
	Submit(ctx context.Context, siteKey, pageURL string) (*models.CaptchaChallenge, error)
	Poll(ctx context.Context, ch *models.CaptchaChallenge) (string, error)
}

// Harvester waits for the authenticated cookie set.
type Harvester interface {
	Harvest(ctx context.Context, reader harvest.CookieReader) (models.CookieSet, error)
	Required() []string
}

// Orchestrator runs login attempts. Each Run owns a fresh browser.
type Orchestrator struct {
	launcher  browser.Launcher
	solver    Solver
	harvester Harvester
	cfg       *config.Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewOrchestrator wires an Orchestrator from its collaborators.
func NewOrchestrator(cfg *config.Config, launcher browser.Launcher, solver Solver, harvester Harvester, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		launcher:  launcher,
		solver:    solver,
		harvester: harvester,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// attempt is the per-Run state.
type attempt struct {
	*Orchestrator
	req      models.SessionRequest
	sess     browser.Session
	state    State
	observer Observer
	logger   *zap.Logger
}

// Run performs one login. The browser it launches is closed exactly once
// before Run returns, whatever the outcome. Errors are *failure.Error values
// that record the state the attempt failed in.
func (o *Orchestrator) Run(ctx context.Context, req models.SessionRequest, observer Observer) (res *models.SessionResult, err error) {
	if observer == nil {
		observer = nopObserver{}
	}
	a := &attempt{
		Orchestrator: o,
		req:          req,
		state:        StateInit,
		observer:     observer,
		logger:       o.logger.With(zap.String("request_id", req.ID)),
	}

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Login attempt panicked", zap.String("state", string(a.state)), zap.Any("panic", r))
			res, err = nil, a.fail(failure.KindBrowser, fmt.Errorf("panic: %v", r))
		}
		if a.sess != nil {
			if cerr := a.sess.Close(); cerr != nil {
				a.logger.Warn("Failed to close browser", zap.Error(cerr))
			}
		}
		if err != nil {
			a.logger.Info("Login attempt failed",
				zap.String("state", string(a.state)), zap.Error(err))
			a.enter(StateFailed)
		}
	}()

	sess, err := o.launcher.Launch(ctx, req.ID)
	if err != nil {
		return nil, a.fail(failure.KindBrowser, fmt.Errorf("launch browser: %w", err))
	}
	a.sess = sess
	a.observer.BrowserStarted(sess.DebugURL())

	return a.run(ctx)
}

func (a *attempt) run(ctx context.Context) (*models.SessionResult, error) {
	if err := a.navigate(ctx); err != nil {
		return nil, err
	}
	a.enter(StateNavigated)

	siteKey, pageURL, err := a.extractChallenge(ctx)
	if err != nil {
		return nil, err
	}
	a.enter(StateChallengeExtracted)

	ch, err := a.solveAndFill(ctx, siteKey, pageURL)
	if err != nil {
		return nil, err
	}

	if err := a.injectToken(ctx, ch.Token); err != nil {
		return nil, err
	}
	a.enter(StateTokenInjected)

	if err := a.submit(ctx, ch); err != nil {
		return nil, err
	}
	a.enter(StateFormSubmitted)

	if err := a.checkLoginError(ctx); err != nil {
		return nil, err
	}
	a.enter(StatePostLoginCheck)

	if err := a.checkSecondFactor(ctx); err != nil {
		return nil, err
	}

	cookies, err := a.harvester.Harvest(ctx, a.sess)
	if err != nil {
		return nil, a.wrap(err)
	}
	a.enter(StateCookiesHarvested)

	res := &models.SessionResult{
		Cookies:   cookies.Jar(a.harvester.Required()),
		ExpiresAt: a.now().Add(a.cfg.SessionTTL),
	}
	a.enter(StateDone)
	return res, nil
}

func (a *attempt) navigate(ctx context.Context) error {
	navCtx, cancel := context.WithTimeout(ctx, a.cfg.NavigationTimeout)
	defer cancel()

	if err := a.sess.Navigate(navCtx, a.cfg.LoginURL); err != nil {
		return a.fail(failure.KindNavigation, fmt.Errorf("load %s: %w", a.cfg.LoginURL, err))
	}
	return nil
}

func (a *attempt) extractChallenge(ctx context.Context) (siteKey, pageURL string, err error) {
	stepCtx, cancel := context.WithTimeout(ctx, a.cfg.StepTimeout)
	defer cancel()

	html, err := a.sess.HTML(stepCtx)
	if err != nil {
		return "", "", a.fail(failure.KindBrowser, fmt.Errorf("read page: %w", err))
	}

	siteKey, err = ExtractSiteKey(html, a.cfg.SiteKeySelectors)
	if err != nil {
		return "", "", a.fail(failure.KindChallengeNotFound, err)
	}

	pageURL, err = a.sess.Location(stepCtx)
	if err != nil || pageURL == "" {
		pageURL = a.cfg.LoginURL
	}
	return siteKey, pageURL, nil
}

// solveAndFill gets the challenge solved while the credentials are typed in.
// Typing never waits on the solver.
func (a *attempt) solveAndFill(ctx context.Context, siteKey, pageURL string) (*models.CaptchaChallenge, error) {
	a.enter(StateChallengeSolving)

	var ch *models.CaptchaChallenge
	g, gctx := errgroup.WithContext(ctx)

	g.Go(recovered(func() error {
		var err error
		ch, err = a.solver.Submit(gctx, siteKey, pageURL)
		if err != nil {
			return err
		}
		a.logger.Info("Captcha submitted", zap.String("task_id", ch.TaskID))
		_, err = a.solver.Poll(gctx, ch)
		return err
	}))

	g.Go(recovered(func() error {
		return a.fillForm(gctx)
	}))

	if err := g.Wait(); err != nil {
		return nil, a.wrap(err)
	}
	return ch, nil
}

// recovered turns a panic in fn into a BrowserError so it cannot escape the
// goroutine errgroup runs it on.
func recovered(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = failure.New(failure.KindBrowser, fmt.Errorf("panic: %v", r))
			}
		}()
		return fn()
	}
}

func (a *attempt) fillForm(ctx context.Context) error {
	fields := []struct {
		name, selector, value string
	}{
		{"username", a.cfg.UsernameSelector, a.req.Identity},
		{"password", a.cfg.PasswordSelector, a.req.Secret},
		{"tenant", a.cfg.TenantSelector, a.req.TenantCode},
	}

	for _, f := range fields {
		if f.selector == "" {
			continue
		}
		stepCtx, cancel := context.WithTimeout(ctx, a.cfg.StepTimeout)
		err := a.sess.Type(stepCtx, f.selector, f.value)
		cancel()
		if err != nil {
			return failure.New(failure.KindBrowser, fmt.Errorf("fill %s field: %w", f.name, err))
		}
	}
	return nil
}

func (a *attempt) injectToken(ctx context.Context, token string) error {
	stepCtx, cancel := context.WithTimeout(ctx, a.cfg.StepTimeout)
	defer cancel()

	var res injection
	if err := a.sess.Evaluate(stepCtx, injectScript(a.cfg.TokenFields, token), &res); err != nil {
		return a.fail(failure.KindCaptchaInjection, err)
	}
	if res.Found == 0 {
		return a.fail(failure.KindCaptchaInjection, errors.New("no token field on page"))
	}
	if res.Applied != res.Found {
		return a.fail(failure.KindCaptchaInjection,
			fmt.Errorf("token read back from %d of %d fields", res.Applied, res.Found))
	}
	return nil
}

func (a *attempt) submit(ctx context.Context, ch *models.CaptchaChallenge) error {
	if ch.Expired(a.now()) {
		return a.fail(failure.KindCaptchaTimeout, fmt.Errorf("token expired at %s", ch.ValidUntil.Format(time.RFC3339)))
	}

	stepCtx, cancel := context.WithTimeout(ctx, a.cfg.StepTimeout+a.cfg.SubmitWaitTimeout)
	defer cancel()

	err := a.sess.Click(stepCtx, a.cfg.SubmitSelector, a.cfg.SubmitWaitTimeout)
	switch {
	case errors.Is(err, browser.ErrNoNavigation):
		a.logger.Warn("No navigation after submit", zap.Duration("waited", a.cfg.SubmitWaitTimeout))
	case err != nil:
		return a.fail(failure.KindBrowser, fmt.Errorf("submit login form: %w", err))
	}
	return nil
}

// checkLoginError turns a visible login error message into a credential
// failure.
func (a *attempt) checkLoginError(ctx context.Context) error {
	if a.cfg.LoginErrorSelector == "" {
		return nil
	}

	stepCtx, cancel := context.WithTimeout(ctx, a.cfg.StepTimeout)
	defer cancel()

	var text string
	if err := a.sess.Evaluate(stepCtx, loginErrorScript(a.cfg.LoginErrorSelector), &text); err != nil {
		return a.fail(failure.KindBrowser, fmt.Errorf("check login error: %w", err))
	}
	if text != "" {
		return a.fail(failure.KindCredential, fmt.Errorf("login page reported: %s", text))
	}
	return nil
}

// checkSecondFactor fails the attempt when the account has a second factor.
// It runs before any cookie is harvested.
func (a *attempt) checkSecondFactor(ctx context.Context) error {
	if a.cfg.SecondFactorURL == "" {
		return nil
	}

	stepCtx, cancel := context.WithTimeout(ctx, a.cfg.StepTimeout)
	defer cancel()

	var enabled bool
	script := secondFactorScript(a.cfg.SecondFactorURL, a.cfg.SecondFactorField)
	if err := a.sess.Evaluate(stepCtx, script, &enabled); err != nil {
		return a.fail(failure.KindBrowser, fmt.Errorf("query second factor status: %w", err))
	}
	if enabled {
		return a.fail(failure.KindTwoFactorRequired, errors.New("second factor enabled"))
	}
	return nil
}

func (a *attempt) enter(s State) {
	a.state = s
	a.logger.Debug("Login state", zap.String("state", string(s)))
	a.observer.Transition(s)
}

func (a *attempt) fail(kind failure.Kind, err error) *failure.Error {
	return &failure.Error{Kind: kind, State: string(a.state), Err: err}
}

// wrap classifies err, keeping the kind of an already classified error and
// stamping it with the current state.
func (a *attempt) wrap(err error) error {
	var fe *failure.Error
	if errors.As(err, &fe) {
		if fe.State == "" {
			fe.State = string(a.state)
		}
		return fe
	}
	return a.fail(failure.KindBrowser, err)
}
