// Package browser launches one isolated Chrome per login attempt and exposes
// the handful of page operations the login flow needs.
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/sessionbroker/internal/config"
	"github.com/shehryarbajwa/sessionbroker/pkg/models"
)

// ErrNoNavigation is returned by Click when the click landed but no page load
// followed within the wait window.
var ErrNoNavigation = errors.New("no navigation observed after click")

// Session is one browser process with one page. It is owned by a single
// attempt and must be closed by it.
type Session interface {
	// Navigate loads url and waits for the document body.
	Navigate(ctx context.Context, url string) error
	// HTML returns the outer HTML of the current document.
	HTML(ctx context.Context) (string, error)
	// Location returns the current page URL.
	Location(ctx context.Context) (string, error)
	Type(ctx context.Context, selector, text string) error
	// Click clicks selector. With wait > 0 it then waits for a page load and
	// returns ErrNoNavigation if none arrives in time.
	Click(ctx context.Context, selector string, wait time.Duration) error
	// Evaluate runs expression in the page, awaiting a returned promise, and
	// decodes the JSON result into out (which may be nil).
	Evaluate(ctx context.Context, expression string, out interface{}) error
	// Cookies returns every cookie the browser currently holds.
	Cookies(ctx context.Context) ([]models.Cookie, error)
	// DebugURL is the DevTools websocket endpoint, or "" when not reachable.
	DebugURL() string
	// Close tears the browser down. Only the first call has effect.
	Close() error
}

// Launcher starts a fresh Session for an attempt.
type Launcher interface {
	Launch(ctx context.Context, attemptID string) (Session, error)
}

// Options describes how browsers are launched.
type Options struct {
	Headless    bool
	NoSandbox   bool
	ExecPath    string
	ProxyServer string
	UserAgent   string
	DockerImage string
}

// OptionsFromConfig picks the browser settings out of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Headless:    cfg.Headless,
		NoSandbox:   cfg.NoSandbox,
		ExecPath:    cfg.ExecPath,
		ProxyServer: cfg.ProxyServer,
		UserAgent:   cfg.UserAgent,
		DockerImage: cfg.DockerImage,
	}
}

// NewLauncher returns the launcher selected by cfg.BrowserBackend.
func NewLauncher(cfg *config.Config, logger *zap.Logger) (Launcher, error) {
	opts := OptionsFromConfig(cfg)
	switch cfg.BrowserBackend {
	case config.BackendLocal:
		return NewLocalLauncher(opts, logger), nil
	case config.BackendDocker:
		return NewDockerLauncher(opts, logger)
	default:
		return nil, fmt.Errorf("unknown browser backend %q", cfg.BrowserBackend)
	}
}
