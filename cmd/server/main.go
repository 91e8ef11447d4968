package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/sessionbroker/internal/api"
	"github.com/shehryarbajwa/sessionbroker/internal/browser"
	"github.com/shehryarbajwa/sessionbroker/internal/captcha"
	"github.com/shehryarbajwa/sessionbroker/internal/config"
	"github.com/shehryarbajwa/sessionbroker/internal/harvest"
	"github.com/shehryarbajwa/sessionbroker/internal/logging"
	"github.com/shehryarbajwa/sessionbroker/internal/login"
	"github.com/shehryarbajwa/sessionbroker/internal/proxy"
	"github.com/shehryarbajwa/sessionbroker/internal/ratelimit"
	"github.com/shehryarbajwa/sessionbroker/internal/session"
	"github.com/shehryarbajwa/sessionbroker/internal/webhook"
)

func main() {
	// Load .env file
	envErr := godotenv.Load()

	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if envErr != nil {
		logger.Info("No .env file found, using system environment variables")
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	logger.Info("Starting session broker",
		zap.String("login_url", cfg.LoginURL),
		zap.String("browser_backend", cfg.BrowserBackend),
		zap.Strings("required_cookies", cfg.RequiredCookies),
		zap.Int("max_concurrent_attempts", cfg.MaxConcurrentAttempts))

	launcher, err := browser.NewLauncher(cfg, logger.Named("browser"))
	if err != nil {
		logger.Fatal("Failed to create browser launcher", zap.Error(err))
	}

	// Ensure the browser image is available before taking traffic
	if docker, ok := launcher.(*browser.DockerLauncher); ok {
		defer docker.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		logger.Info("Ensuring browser image is available", zap.String("image", cfg.DockerImage))
		if err := docker.EnsureImage(ctx); err != nil {
			cancel()
			logger.Fatal("Failed to ensure browser image", zap.Error(err))
		}
		cancel()
	}

	solver := captcha.NewClient(cfg, logger.Named("captcha"))
	harvester := harvest.New(cfg.RequiredCookies, cfg.HarvestInterval, cfg.HarvestAttempts, logger.Named("harvest"))
	orchestrator := login.NewOrchestrator(cfg, launcher, solver, harvester, logger.Named("login"))
	notifier := webhook.NewNotifier(cfg.WebhookTimeout, logger.Named("webhook"))

	attemptMgr := session.NewManager(cfg, orchestrator, notifier, logger.Named("session"))
	proxyServer := proxy.NewServer(attemptMgr, logger.Named("proxy"))

	rateLimiter := ratelimit.NewLimiter(cfg.RateLimitPerHour, cfg.RateLimitBurst)
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	go rateLimiter.RunJanitor(janitorCtx, 10*time.Minute)

	// Already checked by Validate.
	trusted, _ := cfg.TrustedProxyPrefixes()
	handler := api.NewHandler(attemptMgr, api.NewClientIPResolver(trusted), logger.Named("api"))
	router := handler.SetupRoutes(proxyServer, rateLimiter)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout(),
		IdleTimeout:  cfg.IdleTimeout,
	}

	// Start server in background
	go func() {
		logger.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Cancel in-flight attempts first so blocked /session handlers can
	// return before the HTTP server stops waiting on them.
	if err := attemptMgr.Shutdown(ctx); err != nil {
		logger.Error("Login attempts did not finish", zap.Error(err))
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server stopped cleanly")
}
