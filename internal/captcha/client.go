// Package captcha talks to an anti-captcha style solving service: a challenge
// is submitted with createTask and its token collected with getTaskResult.
package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/sessionbroker/internal/config"
	"github.com/shehryarbajwa/sessionbroker/internal/failure"
	"github.com/shehryarbajwa/sessionbroker/pkg/models"
)

// Solver statuses reported by getTaskResult
const (
	statusReady      = "ready"
	statusProcessing = "processing"
	statusIdle       = "idle"
)

// Client is a solver service client. It is safe for concurrent use.
type Client struct {
	baseURL     string
	apiKey      string
	taskType    string
	httpClient  *http.Client
	interval    time.Duration
	maxAttempts int
	budget      time.Duration
	validity    time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// NewClient builds a Client from the solver settings in cfg.
func NewClient(cfg *config.Config, logger *zap.Logger) *Client {
	return &Client{
		baseURL:     strings.TrimRight(cfg.SolverURL, "/"),
		apiKey:      cfg.SolverAPIKey,
		taskType:    cfg.SolverTaskType,
		httpClient:  &http.Client{Timeout: cfg.SolverHTTPTimeout},
		interval:    cfg.SolverPollInterval,
		maxAttempts: cfg.SolverMaxAttempts,
		budget:      cfg.SolverPollBudget,
		validity:    cfg.TokenValidity,
		logger:      logger,
		now:         time.Now,
	}
}

type createTaskRequest struct {
	ClientKey string `json:"clientKey"`
	Task      task   `json:"task"`
}

type task struct {
	Type       string `json:"type"`
	WebsiteURL string `json:"websiteURL"`
	WebsiteKey string `json:"websiteKey"`
}

type createTaskResponse struct {
	ErrorID          int             `json:"errorId"`
	ErrorCode        string          `json:"errorCode"`
	ErrorDescription string          `json:"errorDescription"`
	TaskID           json.RawMessage `json:"taskId"`
}

type taskResultRequest struct {
	ClientKey string `json:"clientKey"`
	TaskID    string `json:"taskId"`
}

type taskResultResponse struct {
	ErrorID          int    `json:"errorId"`
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
	Status           string `json:"status"`
	Solution         struct {
		GRecaptchaResponse string `json:"gRecaptchaResponse"`
		Token              string `json:"token"`
	} `json:"solution"`
}

// Submit registers a challenge with the solver. The returned challenge
// carries the task id and its validity window, which starts now.
func (c *Client) Submit(ctx context.Context, siteKey, pageURL string) (*models.CaptchaChallenge, error) {
	issuedAt := c.now()

	var resp createTaskResponse
	err := c.post(ctx, "/createTask", createTaskRequest{
		ClientKey: c.apiKey,
		Task: task{
			Type:       c.taskType,
			WebsiteURL: pageURL,
			WebsiteKey: siteKey,
		},
	}, &resp)
	if err != nil {
		return nil, failure.New(failure.KindSolverRejected, err)
	}
	if resp.ErrorID != 0 {
		return nil, failure.Newf(failure.KindSolverRejected, "createTask: %s: %s", resp.ErrorCode, resp.ErrorDescription)
	}

	taskID := strings.Trim(string(resp.TaskID), `"`)
	if taskID == "" || taskID == "null" {
		return nil, failure.Newf(failure.KindSolverRejected, "createTask returned no task id")
	}

	c.logger.Debug("Captcha task created", zap.String("task_id", taskID))
	return &models.CaptchaChallenge{
		SiteKey:    siteKey,
		PageURL:    pageURL,
		TaskID:     taskID,
		IssuedAt:   issuedAt,
		ValidUntil: issuedAt.Add(c.validity),
	}, nil
}

// Poll waits for the solver to finish ch. It gives up after maxAttempts polls
// or once the poll budget measured from ch.IssuedAt is spent, whichever comes
// first, and never returns a token that arrived after the budget ran out.
// On success ch.Token is set as well.
func (c *Client) Poll(ctx context.Context, ch *models.CaptchaChallenge) (string, error) {
	deadline := ch.IssuedAt.Add(c.budget)

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		wait := c.interval
		if remaining := deadline.Sub(c.now()); remaining < wait {
			wait = remaining
		}
		if wait <= 0 {
			break
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}

		if !c.now().Before(deadline) {
			break
		}

		res, err := c.getTaskResult(ctx, deadline, ch.TaskID)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			c.logger.Warn("Captcha poll failed",
				zap.String("task_id", ch.TaskID), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if res.ErrorID != 0 {
			return "", failure.Newf(failure.KindSolverRejected, "getTaskResult: %s: %s", res.ErrorCode, res.ErrorDescription)
		}

		switch res.Status {
		case statusReady:
			if !c.now().Before(deadline) {
				return "", failure.Newf(failure.KindCaptchaTimeout, "token for task %s arrived after the poll budget", ch.TaskID)
			}
			token := res.Solution.GRecaptchaResponse
			if token == "" {
				token = res.Solution.Token
			}
			if token == "" {
				return "", failure.Newf(failure.KindUnexpectedStatus, "task %s is ready without a token", ch.TaskID)
			}
			ch.Token = token
			c.logger.Debug("Captcha solved", zap.String("task_id", ch.TaskID), zap.Int("attempts", attempt))
			return token, nil
		case statusProcessing, statusIdle:
			continue
		default:
			return "", failure.Newf(failure.KindUnexpectedStatus, "task %s reported status %q", ch.TaskID, res.Status)
		}
	}

	return "", failure.Newf(failure.KindCaptchaTimeout, "task %s not solved within %s or %d polls", ch.TaskID, c.budget, c.maxAttempts)
}

// getTaskResult performs one poll. The request itself is cut off at deadline.
func (c *Client) getTaskResult(ctx context.Context, deadline time.Time, taskID string) (*taskResultResponse, error) {
	pollCtx, cancel := context.WithTimeout(ctx, deadline.Sub(c.now()))
	defer cancel()

	var res taskResultResponse
	if err := c.post(pollCtx, "/getTaskResult", taskResultRequest{ClientKey: c.apiKey, TaskID: taskID}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned HTTP %d", path, resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s response: %w", path, err)
	}
	return nil
}
