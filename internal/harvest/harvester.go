// Package harvest waits for a logged-in browser to hold every cookie that
// makes up an authenticated session.
package harvest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/sessionbroker/internal/failure"
	"github.com/shehryarbajwa/sessionbroker/pkg/models"
)

// CookieReader returns the browser's full cookie store.
type CookieReader interface {
	Cookies(ctx context.Context) ([]models.Cookie, error)
}

// Harvester polls a CookieReader until one reading contains all required
// cookies.
type Harvester struct {
	required []string
	interval time.Duration
	attempts int
	logger   *zap.Logger
}

// New creates a Harvester.
func New(required []string, interval time.Duration, attempts int, logger *zap.Logger) *Harvester {
	return &Harvester{
		required: append([]string(nil), required...),
		interval: interval,
		attempts: attempts,
		logger:   logger,
	}
}

// Required returns the cookie names in the order they are serialized.
func (h *Harvester) Required() []string {
	return h.required
}

// Harvest reads the cookie store up to attempts times. Values are never
// merged across readings: a reading either holds every required name or is
// discarded. After the last reading it fails with a MissingCookies error
// naming what that reading lacked.
func (h *Harvester) Harvest(ctx context.Context, reader CookieReader) (models.CookieSet, error) {
	var missing []string

	for i := 1; i <= h.attempts; i++ {
		if i > 1 {
			timer := time.NewTimer(h.interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		cookies, err := reader.Cookies(ctx)
		if err != nil {
			return nil, fmt.Errorf("read cookies: %w", err)
		}

		var set models.CookieSet
		set, missing = h.match(cookies)
		if len(missing) == 0 {
			h.logger.Debug("Session cookies harvested", zap.Int("readings", i))
			return set, nil
		}
	}

	return nil, &failure.Error{
		Kind:    failure.KindMissingCookies,
		Missing: missing,
		Err:     fmt.Errorf("after %d readings", h.attempts),
	}
}

// match filters cookies to the required names and lists those not present.
func (h *Harvester) match(cookies []models.Cookie) (models.CookieSet, []string) {
	set := make(models.CookieSet, len(h.required))
	for _, c := range cookies {
		for _, name := range h.required {
			if c.Name == name && c.Value != "" {
				set[name] = c.Value
			}
		}
	}

	var missing []string
	for _, name := range h.required {
		if _, ok := set[name]; !ok {
			missing = append(missing, name)
		}
	}
	return set, missing
}
