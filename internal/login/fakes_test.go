package login

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shehryarbajwa/sessionbroker/internal/browser"
	"github.com/shehryarbajwa/sessionbroker/internal/failure"
	"github.com/shehryarbajwa/sessionbroker/internal/harvest"
	"github.com/shehryarbajwa/sessionbroker/pkg/models"
)

const loginPage = `<html><body>
<form action="/login" method="post">
  <input name="username"><input name="password" type="password"><input name="code">
  <div class="g-recaptcha" data-sitekey="6LcTestSiteKey0123456789"></div>
  <textarea name="g-recaptcha-response" style="display:none"></textarea>
  <button type="submit">Sign in</button>
</form>
</body></html>`

// fakeSession is a scripted browser.Session.
type fakeSession struct {
	mu sync.Mutex

	html        string
	navigateErr error
	typeErr     error
	clickErr    error
	injected    injection
	loginError  string
	twoFactor   bool
	evalPanic   bool

	typed  map[string]string
	clicks int
	closes atomic.Int32
	onType func(selector string)
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		html:     loginPage,
		injected: injection{Found: 1, Applied: 1},
		typed:    map[string]string{},
	}
}

func (s *fakeSession) Navigate(ctx context.Context, url string) error { return s.navigateErr }

func (s *fakeSession) HTML(ctx context.Context) (string, error) { return s.html, nil }

func (s *fakeSession) Location(ctx context.Context) (string, error) {
	return "https://portal.example.com/login", nil
}

func (s *fakeSession) Type(ctx context.Context, selector, text string) error {
	if s.typeErr != nil {
		return s.typeErr
	}
	s.mu.Lock()
	s.typed[selector] = text
	s.mu.Unlock()
	if s.onType != nil {
		s.onType(selector)
	}
	return nil
}

func (s *fakeSession) Click(ctx context.Context, selector string, wait time.Duration) error {
	s.mu.Lock()
	s.clicks++
	s.mu.Unlock()
	return s.clickErr
}

func (s *fakeSession) Evaluate(ctx context.Context, expression string, out interface{}) error {
	if s.evalPanic {
		panic("evaluate exploded")
	}
	var v interface{}
	switch {
	case strings.Contains(expression, "els.size"):
		v = s.injected
	case strings.Contains(expression, "offsetParent"):
		v = s.loginError
	case strings.Contains(expression, "fetch("):
		v = s.twoFactor
	}
	b, _ := json.Marshal(v)
	return json.Unmarshal(b, out)
}

func (s *fakeSession) Cookies(ctx context.Context) ([]models.Cookie, error) {
	return []models.Cookie{{Name: "session", Value: "abc"}, {Name: "xsrf", Value: "def"}}, nil
}

func (s *fakeSession) DebugURL() string { return "ws://127.0.0.1:9222" }

func (s *fakeSession) Close() error {
	s.closes.Add(1)
	return nil
}

type fakeLauncher struct {
	sess *fakeSession
	err  error
}

func (l *fakeLauncher) Launch(ctx context.Context, attemptID string) (browser.Session, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.sess, nil
}

// fakeSolver hands out a challenge issued at issuedAt.
type fakeSolver struct {
	issuedAt  time.Time
	validity  time.Duration
	submitErr error
	pollErr   error
	pollGate  <-chan struct{}
	pollPanic bool
}

func (s *fakeSolver) Submit(ctx context.Context, siteKey, pageURL string) (*models.CaptchaChallenge, error) {
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	return &models.CaptchaChallenge{
		SiteKey:    siteKey,
		PageURL:    pageURL,
		TaskID:     "42",
		IssuedAt:   s.issuedAt,
		ValidUntil: s.issuedAt.Add(s.validity),
	}, nil
}

func (s *fakeSolver) Poll(ctx context.Context, ch *models.CaptchaChallenge) (string, error) {
	if s.pollGate != nil {
		select {
		case <-s.pollGate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.pollPanic {
		panic("solver exploded")
	}
	if s.pollErr != nil {
		return "", s.pollErr
	}
	ch.Token = "solved-token"
	return ch.Token, nil
}

type fakeHarvester struct {
	err   error
	calls atomic.Int32
}

func (h *fakeHarvester) Harvest(ctx context.Context, reader harvest.CookieReader) (models.CookieSet, error) {
	h.calls.Add(1)
	if h.err != nil {
		return nil, h.err
	}
	return models.CookieSet{"session": "abc", "xsrf": "def"}, nil
}

func (h *fakeHarvester) Required() []string { return []string{"session", "xsrf"} }

// recorder is an Observer that keeps every call.
type recorder struct {
	mu       sync.Mutex
	debugURL string
	states   []State
}

func (r *recorder) BrowserStarted(debugURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.debugURL = debugURL
}

func (r *recorder) Transition(to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
}

func (r *recorder) last() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return ""
	}
	return r.states[len(r.states)-1]
}

var (
	_ browser.Session = (*fakeSession)(nil)
	_ Solver          = (*fakeSolver)(nil)
	_ Harvester       = (*fakeHarvester)(nil)
	_ error           = (*failure.Error)(nil)
)
