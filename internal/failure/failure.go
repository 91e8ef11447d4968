// Package failure defines the closed set of ways a login attempt can fail and
// maps each of them to the status and message callers see.
package failure

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a failure. The set is closed: every Kind has an entry in
// HTTPStatus and Message.
type Kind int

const (
	KindBrowser Kind = iota
	KindValidation
	KindCredential
	KindNavigation
	KindChallengeNotFound
	KindSolverRejected
	KindUnexpectedStatus
	KindCaptchaTimeout
	KindCaptchaInjection
	KindTwoFactorRequired
	KindMissingCookies
	KindWebhookDelivery
)

// Kinds lists every Kind in declaration order.
var Kinds = []Kind{
	KindBrowser,
	KindValidation,
	KindCredential,
	KindNavigation,
	KindChallengeNotFound,
	KindSolverRejected,
	KindUnexpectedStatus,
	KindCaptchaTimeout,
	KindCaptchaInjection,
	KindTwoFactorRequired,
	KindMissingCookies,
	KindWebhookDelivery,
}

func (k Kind) String() string {
	switch k {
	case KindBrowser:
		return "BrowserError"
	case KindValidation:
		return "ValidationError"
	case KindCredential:
		return "CredentialError"
	case KindNavigation:
		return "NavigationError"
	case KindChallengeNotFound:
		return "ChallengeNotFoundError"
	case KindSolverRejected:
		return "SolverRejectedError"
	case KindUnexpectedStatus:
		return "UnexpectedStatusError"
	case KindCaptchaTimeout:
		return "CaptchaTimeoutError"
	case KindCaptchaInjection:
		return "CaptchaInjectionError"
	case KindTwoFactorRequired:
		return "TwoFactorRequiredError"
	case KindMissingCookies:
		return "MissingCookiesError"
	case KindWebhookDelivery:
		return "WebhookDeliveryError"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// HTTPStatus returns the external status code for k. WebhookDeliveryError is
// never surfaced to a caller; it maps to 500 only so the function stays total.
func HTTPStatus(k Kind) int {
	switch k {
	case KindValidation, KindCredential:
		return http.StatusBadRequest
	case KindCaptchaTimeout, KindTwoFactorRequired:
		return http.StatusPreconditionRequired
	case KindBrowser, KindNavigation, KindChallengeNotFound, KindSolverRejected,
		KindUnexpectedStatus, KindCaptchaInjection, KindMissingCookies, KindWebhookDelivery:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// Message returns the public message for k.
func Message(k Kind) string {
	switch k {
	case KindValidation:
		return "Missing required fields: user, pass, code"
	case KindCredential:
		return "Login rejected - check credentials"
	case KindNavigation:
		return "Login page could not be loaded"
	case KindChallengeNotFound:
		return "Captcha challenge not found on login page"
	case KindSolverRejected:
		return "Captcha solver rejected the challenge"
	case KindUnexpectedStatus:
		return "Captcha solver returned an unexpected status"
	case KindCaptchaTimeout:
		return "Captcha solver timed out"
	case KindCaptchaInjection:
		return "Captcha token could not be applied to the login form"
	case KindTwoFactorRequired:
		return "Two-factor authentication is enabled for this account - disable it or complete it out of band"
	case KindMissingCookies:
		return "Authentication cookies not received - login may have failed"
	case KindBrowser:
		return "Browser automation failed"
	case KindWebhookDelivery:
		return "Webhook delivery failed"
	}
	return "Internal error"
}

// Error is a failure carrying its Kind and the orchestrator state it
// happened in.
type Error struct {
	Kind    Kind
	State   string
	Err     error
	Missing []string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.State != "" {
		b.WriteString(" in ")
		b.WriteString(e.State)
	}
	if len(e.Missing) > 0 {
		b.WriteString(": missing ")
		b.WriteString(strings.Join(e.Missing, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf builds an Error of kind from a format string.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err. Errors that were never classified are
// browser faults.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindBrowser
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}
