// Package session admits login attempts, runs them under the service's
// concurrency and time limits, and keeps a short-lived record of each one.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/sessionbroker/internal/config"
	"github.com/shehryarbajwa/sessionbroker/internal/failure"
	"github.com/shehryarbajwa/sessionbroker/internal/login"
	"github.com/shehryarbajwa/sessionbroker/pkg/models"
)

var (
	// ErrAttemptExists is returned when an async attempt reuses the id of an
	// attempt that is still known.
	ErrAttemptExists = errors.New("attempt already exists")
	// ErrShuttingDown is returned once Shutdown has been called.
	ErrShuttingDown = errors.New("service is shutting down")
)

// Runner performs one login attempt.
type Runner interface {
	Run(ctx context.Context, req models.SessionRequest, observer login.Observer) (*models.SessionResult, error)
}

// Notifier delivers async outcomes.
type Notifier interface {
	Notify(ctx context.Context, url string, payload models.WebhookPayload)
}

// Manager handles all attempt operations
type Manager struct {
	attempts  sync.Map // map[id]*record
	slots     *semaphore.Weighted
	runner    Runner
	notifier  Notifier
	timeout   time.Duration
	retention time.Duration
	logger    *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex // guards closed and wg.Add
	closed  bool
	wg      sync.WaitGroup
}

// NewManager creates a new attempt manager
func NewManager(cfg *config.Config, runner Runner, notifier Notifier, logger *zap.Logger) *Manager {
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		slots:     semaphore.NewWeighted(int64(cfg.MaxConcurrentAttempts)),
		runner:    runner,
		notifier:  notifier,
		timeout:   cfg.AttemptTimeout,
		retention: cfg.AttemptRetention,
		logger:    logger,
		baseCtx:   baseCtx,
		cancel:    cancel,
	}
}

// record is the mutable side of an Attempt. It observes the orchestrator.
type record struct {
	mu      sync.Mutex
	attempt models.Attempt
}

func (r *record) BrowserStarted(debugURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt.DebugURL = debugURL
}

func (r *record) Transition(to login.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt.State = string(to)
	if to.Terminal() {
		r.attempt.DebugURL = ""
	}
}

func (r *record) finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.attempt.FinishedAt = &now
	r.attempt.DebugURL = ""
	if err != nil {
		r.attempt.Status = models.StatusFailed
		r.attempt.State = string(login.StateFailed)
		r.attempt.Error = failure.Message(failure.KindOf(err))
		return
	}
	r.attempt.Status = models.StatusSucceeded
}

func (r *record) snapshot() models.Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

// Login runs an attempt and waits for its outcome. ctx bounds the wait for
// a free slot as well as the attempt itself. Shutdown cancels it too.
func (m *Manager) Login(ctx context.Context, req models.SessionRequest) (*models.SessionResult, error) {
	if err := m.track(); err != nil {
		return nil, err
	}
	defer m.wg.Done()

	req.ID = uuid.New().String()
	rec, err := m.register(req.ID, false)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.baseCtx, cancel)
	defer stop()

	res, err := m.run(ctx, rec, req)
	rec.finish(err)
	m.scheduleEviction(req.ID)
	return res, err
}

// LoginAsync admits an attempt and runs it in the background. The outcome is
// posted to req.CallbackURL. The returned id is req.ID when set, otherwise a
// fresh one.
func (m *Manager) LoginAsync(req models.SessionRequest) (string, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if err := m.track(); err != nil {
		return "", err
	}
	rec, err := m.register(req.ID, true)
	if err != nil {
		m.wg.Done()
		return "", err
	}

	go func() {
		defer m.wg.Done()

		res, err := m.run(m.baseCtx, rec, req)
		rec.finish(err)
		m.notifier.Notify(context.WithoutCancel(m.baseCtx), req.CallbackURL, payloadFor(req.ID, res, err))
		m.scheduleEviction(req.ID)
	}()

	return req.ID, nil
}

// Get returns a copy of the attempt's record.
func (m *Manager) Get(id string) (models.Attempt, bool) {
	value, ok := m.attempts.Load(id)
	if !ok {
		return models.Attempt{}, false
	}
	return value.(*record).snapshot(), true
}

// Shutdown refuses new attempts, cancels every running one and waits for
// them to finish tearing down, or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.cancel()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for attempts: %w", ctx.Err())
	}
}

// track counts an attempt towards Shutdown's wait. The caller must call
// m.wg.Done when it returns nil.
func (m *Manager) track() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrShuttingDown
	}
	m.wg.Add(1)
	return nil
}

func (m *Manager) register(id string, async bool) (*record, error) {
	rec := &record{attempt: models.Attempt{
		ID:        id,
		Async:     async,
		State:     string(login.StateInit),
		Status:    models.StatusRunning,
		StartedAt: time.Now(),
	}}
	if _, loaded := m.attempts.LoadOrStore(id, rec); loaded {
		return nil, ErrAttemptExists
	}
	return rec, nil
}

// run holds a slot for the duration of one attempt.
func (m *Manager) run(ctx context.Context, rec *record, req models.SessionRequest) (*models.SessionResult, error) {
	logger := m.logger.With(zap.String("request_id", req.ID))

	if err := m.slots.Acquire(ctx, 1); err != nil {
		return nil, failure.New(failure.KindBrowser, fmt.Errorf("waiting for a browser slot: %w", err))
	}
	defer m.slots.Release(1)

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	logger.Info("Login attempt started")

	res, err := m.runner.Run(ctx, req, rec)
	if err != nil {
		logger.Warn("Login attempt failed",
			zap.String("kind", failure.KindOf(err).String()),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, err
	}

	logger.Info("Login attempt succeeded",
		zap.Duration("elapsed", time.Since(start)),
		zap.Time("expires_at", res.ExpiresAt))
	return res, nil
}

// scheduleEviction forgets a finished attempt after the retention period.
func (m *Manager) scheduleEviction(id string) {
	time.AfterFunc(m.retention, func() {
		m.attempts.Delete(id)
	})
}

func payloadFor(id string, res *models.SessionResult, err error) models.WebhookPayload {
	if err != nil {
		return models.WebhookPayload{
			RequestID: id,
			Success:   false,
			Error:     failure.Message(failure.KindOf(err)),
		}
	}
	body := models.NewSessionResponse(res)
	return models.WebhookPayload{
		RequestID: id,
		Success:   true,
		Cookies:   body.Cookies,
		Expires:   body.Expires,
	}
}
