// Package webhook delivers asynchronous attempt outcomes to the caller's
// callback address.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/sessionbroker/internal/failure"
	"github.com/shehryarbajwa/sessionbroker/pkg/models"
)

// Notifier posts WebhookPayloads. Delivery is fire-and-forget: failures are
// logged and never reach the caller.
type Notifier struct {
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewNotifier creates a Notifier whose deliveries give up after timeout.
func NewNotifier(timeout time.Duration, logger *zap.Logger) *Notifier {
	return &Notifier{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  logger,
	}
}

// Notify posts payload to url once.
func (n *Notifier) Notify(ctx context.Context, url string, payload models.WebhookPayload) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Webhook delivery panicked",
				zap.String("request_id", payload.RequestID), zap.Any("panic", r))
		}
	}()

	if err := n.deliver(ctx, url, payload); err != nil {
		n.logger.Warn("Webhook delivery failed",
			zap.String("request_id", payload.RequestID),
			zap.String("callback", url),
			zap.Error(err))
		return
	}
	n.logger.Info("Webhook delivered",
		zap.String("request_id", payload.RequestID), zap.Bool("success", payload.Success))
}

func (n *Notifier) deliver(ctx context.Context, url string, payload models.WebhookPayload) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return failure.New(failure.KindWebhookDelivery, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return failure.New(failure.KindWebhookDelivery, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return failure.New(failure.KindWebhookDelivery, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return failure.New(failure.KindWebhookDelivery, fmt.Errorf("callback returned HTTP %d", resp.StatusCode))
	}
	return nil
}
