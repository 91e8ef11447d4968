package browser

import (
	"context"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// LocalLauncher starts Chrome as a child process of this service.
type LocalLauncher struct {
	opts   Options
	logger *zap.Logger
}

// NewLocalLauncher creates a launcher for locally installed Chrome
func NewLocalLauncher(opts Options, logger *zap.Logger) *LocalLauncher {
	return &LocalLauncher{opts: opts, logger: logger}
}

// Launch starts a new browser process with its own temporary profile.
func (l *LocalLauncher) Launch(ctx context.Context, attemptID string) (Session, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)

	// Tear the browser down if the caller gives up while it is starting.
	stop := context.AfterFunc(ctx, allocCancel)
	defer stop()

	s, err := newChromeSession(allocCtx, "", func() error {
		allocCancel()
		l.logger.Debug("Local browser closed", zap.String("request_id", attemptID))
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Debug("Local browser started", zap.String("request_id", attemptID))
	return s, nil
}

func (l *LocalLauncher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range launchFlags(l.opts) {
		opts = append(opts, chromedp.Flag(name, value))
	}
	if l.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.opts.ExecPath))
	}
	return opts
}

// launchFlags resolves the command-line switches for opts.
func launchFlags(opts Options) map[string]interface{} {
	flags := map[string]interface{}{
		"headless":               opts.Headless,
		"disable-gpu":            true,
		"disable-dev-shm-usage":  true,
		"disable-blink-features": "AutomationControlled",
		"window-size":            "1280,720",
	}
	if opts.NoSandbox {
		flags["no-sandbox"] = true
		flags["disable-setuid-sandbox"] = true
	}
	if opts.ProxyServer != "" {
		flags["proxy-server"] = opts.ProxyServer
	}
	if opts.UserAgent != "" {
		flags["user-agent"] = opts.UserAgent
	}
	return flags
}
