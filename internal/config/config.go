// Package config resolves every tunable of the service once at startup.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Browser launch backends
const (
	BackendLocal  = "local"
	BackendDocker = "docker"
)

// Config holds the service configuration.
type Config struct {
	// Server settings
	Addr            string
	ReadTimeout     time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Target application
	LoginURL           string
	UsernameSelector   string
	PasswordSelector   string
	TenantSelector     string
	SubmitSelector     string
	LoginErrorSelector string
	SiteKeySelectors   []string
	TokenFields        []string
	SecondFactorURL    string
	SecondFactorField  string

	// Browser
	BrowserBackend    string
	Headless          bool
	NoSandbox         bool
	ExecPath          string
	ProxyServer       string
	UserAgent         string
	DockerImage       string
	NavigationTimeout time.Duration
	StepTimeout       time.Duration
	SubmitWaitTimeout time.Duration

	// CAPTCHA solver
	SolverURL          string
	SolverAPIKey       string
	SolverTaskType     string
	SolverHTTPTimeout  time.Duration
	SolverPollInterval time.Duration
	SolverMaxAttempts  int
	SolverPollBudget   time.Duration
	TokenValidity      time.Duration

	// Cookie harvesting
	RequiredCookies []string
	HarvestInterval time.Duration
	HarvestAttempts int

	// Attempts
	SessionTTL            time.Duration
	AttemptTimeout        time.Duration
	AttemptRetention      time.Duration
	MaxConcurrentAttempts int
	WebhookTimeout        time.Duration

	// Rate limiting
	RateLimitPerHour int
	RateLimitBurst   int

	// TrustedProxies lists the peer IPs or CIDRs whose X-Forwarded-For and
	// X-Real-IP headers are believed.
	TrustedProxies []string

	loadErrs []error
}

// Default returns a Config with every field that has a sensible default set.
// LoginURL, SolverAPIKey and RequiredCookies are deployment specific and left
// empty.
func Default() *Config {
	return &Config{
		Addr:            ":8080",
		ReadTimeout:     15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,

		LogLevel:  "info",
		LogFormat: "json",

		UsernameSelector:   `input[name="username"]`,
		PasswordSelector:   `input[name="password"]`,
		TenantSelector:     `input[name="code"]`,
		SubmitSelector:     `button[type="submit"]`,
		LoginErrorSelector: `.alert-danger, [role="alert"]`,
		SiteKeySelectors:   []string{".g-recaptcha[data-sitekey]", ".h-captcha[data-sitekey]", "[data-sitekey]"},
		TokenFields:        []string{`textarea[name="g-recaptcha-response"]`},
		SecondFactorURL:    "/api/account/two-factor/status",
		SecondFactorField:  "enabled",

		BrowserBackend:    BackendLocal,
		Headless:          true,
		NoSandbox:         true,
		DockerImage:       "browserless/chrome:latest",
		NavigationTimeout: 30 * time.Second,
		StepTimeout:       10 * time.Second,
		SubmitWaitTimeout: 15 * time.Second,

		SolverURL:          "https://api.anti-captcha.com",
		SolverTaskType:     "RecaptchaV2TaskProxyless",
		SolverHTTPTimeout:  15 * time.Second,
		SolverPollInterval: 5 * time.Second,
		SolverMaxAttempts:  20,
		SolverPollBudget:   100 * time.Second,
		TokenValidity:      120 * time.Second,

		HarvestInterval: time.Second,
		HarvestAttempts: 15,

		SessionTTL:            25 * time.Minute,
		AttemptTimeout:        4 * time.Minute,
		AttemptRetention:      10 * time.Minute,
		MaxConcurrentAttempts: 4,
		WebhookTimeout:        10 * time.Second,

		RateLimitPerHour: 100,
		RateLimitBurst:   10,
	}
}

// Load overlays environment variables on Default. Values that do not parse
// are kept at their default and reported by Validate.
func Load() *Config {
	d := Default()
	env := &envReader{}
	cfg := &Config{
		Addr:            env.get("ADDR", d.Addr),
		ReadTimeout:     env.getDuration("READ_TIMEOUT", d.ReadTimeout),
		IdleTimeout:     env.getDuration("IDLE_TIMEOUT", d.IdleTimeout),
		ShutdownTimeout: env.getDuration("SHUTDOWN_TIMEOUT", d.ShutdownTimeout),

		LogLevel:  env.get("LOG_LEVEL", d.LogLevel),
		LogFormat: env.get("LOG_FORMAT", d.LogFormat),

		LoginURL:           env.get("LOGIN_URL", d.LoginURL),
		UsernameSelector:   env.get("USERNAME_SELECTOR", d.UsernameSelector),
		PasswordSelector:   env.get("PASSWORD_SELECTOR", d.PasswordSelector),
		TenantSelector:     env.get("TENANT_SELECTOR", d.TenantSelector),
		SubmitSelector:     env.get("SUBMIT_SELECTOR", d.SubmitSelector),
		LoginErrorSelector: env.get("LOGIN_ERROR_SELECTOR", d.LoginErrorSelector),
		SiteKeySelectors:   env.getList("SITEKEY_SELECTORS", ";", d.SiteKeySelectors),
		TokenFields:        env.getList("TOKEN_FIELDS", ";", d.TokenFields),
		SecondFactorURL:    env.get("SECOND_FACTOR_URL", d.SecondFactorURL),
		SecondFactorField:  env.get("SECOND_FACTOR_FIELD", d.SecondFactorField),

		BrowserBackend:    env.get("BROWSER_BACKEND", d.BrowserBackend),
		Headless:          env.getBool("HEADLESS", d.Headless),
		NoSandbox:         env.getBool("NO_SANDBOX", d.NoSandbox),
		ExecPath:          env.get("CHROME_PATH", d.ExecPath),
		ProxyServer:       env.get("PROXY_SERVER", d.ProxyServer),
		UserAgent:         env.get("USER_AGENT", d.UserAgent),
		DockerImage:       env.get("DOCKER_IMAGE", d.DockerImage),
		NavigationTimeout: env.getDuration("NAVIGATION_TIMEOUT", d.NavigationTimeout),
		StepTimeout:       env.getDuration("STEP_TIMEOUT", d.StepTimeout),
		SubmitWaitTimeout: env.getDuration("SUBMIT_WAIT_TIMEOUT", d.SubmitWaitTimeout),

		SolverURL:          env.get("SOLVER_URL", d.SolverURL),
		SolverAPIKey:       env.get("SOLVER_API_KEY", d.SolverAPIKey),
		SolverTaskType:     env.get("SOLVER_TASK_TYPE", d.SolverTaskType),
		SolverHTTPTimeout:  env.getDuration("SOLVER_HTTP_TIMEOUT", d.SolverHTTPTimeout),
		SolverPollInterval: env.getDuration("SOLVER_POLL_INTERVAL", d.SolverPollInterval),
		SolverMaxAttempts:  env.getInt("SOLVER_MAX_ATTEMPTS", d.SolverMaxAttempts),
		SolverPollBudget:   env.getDuration("SOLVER_POLL_BUDGET", d.SolverPollBudget),
		TokenValidity:      env.getDuration("TOKEN_VALIDITY", d.TokenValidity),

		RequiredCookies: env.getList("REQUIRED_COOKIES", ",", d.RequiredCookies),
		HarvestInterval: env.getDuration("HARVEST_INTERVAL", d.HarvestInterval),
		HarvestAttempts: env.getInt("HARVEST_ATTEMPTS", d.HarvestAttempts),

		SessionTTL:            env.getDuration("SESSION_TTL", d.SessionTTL),
		AttemptTimeout:        env.getDuration("ATTEMPT_TIMEOUT", d.AttemptTimeout),
		AttemptRetention:      env.getDuration("ATTEMPT_RETENTION", d.AttemptRetention),
		MaxConcurrentAttempts: env.getInt("MAX_CONCURRENT_ATTEMPTS", d.MaxConcurrentAttempts),
		WebhookTimeout:        env.getDuration("WEBHOOK_TIMEOUT", d.WebhookTimeout),

		RateLimitPerHour: env.getInt("RATE_LIMIT_PER_HOUR", d.RateLimitPerHour),
		RateLimitBurst:   env.getInt("RATE_LIMIT_BURST", d.RateLimitBurst),
		TrustedProxies:   env.getList("TRUSTED_PROXIES", ",", d.TrustedProxies),
	}
	cfg.loadErrs = env.errs
	return cfg
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	errs := append([]error(nil), c.loadErrs...)
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	u, err := url.Parse(c.LoginURL)
	check(err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "",
		"LOGIN_URL must be an absolute http(s) URL, got %q", c.LoginURL)
	check(c.SolverAPIKey != "", "SOLVER_API_KEY is required")
	check(c.SolverURL != "", "SOLVER_URL is required")
	check(len(c.RequiredCookies) > 0, "REQUIRED_COOKIES must name at least one cookie")
	check(len(c.TokenFields) > 0, "TOKEN_FIELDS must name at least one field")
	check(len(c.SiteKeySelectors) > 0, "SITEKEY_SELECTORS must name at least one selector")
	check(c.UsernameSelector != "" && c.PasswordSelector != "" && c.SubmitSelector != "",
		"username, password and submit selectors are required")
	check(c.BrowserBackend == BackendLocal || c.BrowserBackend == BackendDocker,
		"BROWSER_BACKEND must be %q or %q, got %q", BackendLocal, BackendDocker, c.BrowserBackend)

	for name, d := range map[string]time.Duration{
		"NAVIGATION_TIMEOUT":   c.NavigationTimeout,
		"STEP_TIMEOUT":         c.StepTimeout,
		"SUBMIT_WAIT_TIMEOUT":  c.SubmitWaitTimeout,
		"SOLVER_HTTP_TIMEOUT":  c.SolverHTTPTimeout,
		"SOLVER_POLL_INTERVAL": c.SolverPollInterval,
		"SOLVER_POLL_BUDGET":   c.SolverPollBudget,
		"TOKEN_VALIDITY":       c.TokenValidity,
		"HARVEST_INTERVAL":     c.HarvestInterval,
		"SESSION_TTL":          c.SessionTTL,
		"ATTEMPT_TIMEOUT":      c.AttemptTimeout,
		"WEBHOOK_TIMEOUT":      c.WebhookTimeout,
	} {
		check(d > 0, "%s must be positive, got %s", name, d)
	}
	check(c.SolverMaxAttempts > 0, "SOLVER_MAX_ATTEMPTS must be positive, got %d", c.SolverMaxAttempts)
	check(c.HarvestAttempts > 0, "HARVEST_ATTEMPTS must be positive, got %d", c.HarvestAttempts)
	check(c.MaxConcurrentAttempts > 0, "MAX_CONCURRENT_ATTEMPTS must be positive, got %d", c.MaxConcurrentAttempts)
	check(c.RateLimitPerHour > 0 && c.RateLimitBurst > 0, "rate limit and burst must be positive")

	// The token has to survive injection and submission after polling ends.
	check(c.SolverPollBudget < c.TokenValidity,
		"SOLVER_POLL_BUDGET (%s) must be shorter than TOKEN_VALIDITY (%s)", c.SolverPollBudget, c.TokenValidity)
	check(c.SolverPollInterval < c.SolverPollBudget,
		"SOLVER_POLL_INTERVAL (%s) must be shorter than SOLVER_POLL_BUDGET (%s)", c.SolverPollInterval, c.SolverPollBudget)

	if _, err := c.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// TrustedProxyPrefixes parses TrustedProxies. A bare IP is a single-address
// prefix.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, entry := range c.TrustedProxies {
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES entry %q is not an IP or CIDR", entry)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES entry %q is not an IP or CIDR", entry)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// WriteTimeout covers a synchronous attempt plus time to write the response.
func (c *Config) WriteTimeout() time.Duration {
	return c.AttemptTimeout + 15*time.Second
}

// envReader reads typed environment variables and remembers the ones that
// failed to parse.
type envReader struct {
	errs []error
}

func (r *envReader) get(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func (r *envReader) getInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	intVal, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s must be an integer, got %q", key, val))
		return defaultVal
	}
	return intVal
}

func (r *envReader) getBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(strings.TrimSpace(val))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s must be a boolean, got %q", key, val))
		return defaultVal
	}
	return b
}

func (r *envReader) getDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s must be a duration such as 90s or 2m, got %q", key, val))
		return defaultVal
	}
	return d
}

func (r *envReader) getList(key, sep string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
