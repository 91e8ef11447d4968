package failure

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusCoversEveryKind(t *testing.T) {
	want := map[Kind]int{
		KindBrowser:           http.StatusInternalServerError,
		KindValidation:        http.StatusBadRequest,
		KindCredential:        http.StatusBadRequest,
		KindNavigation:        http.StatusInternalServerError,
		KindChallengeNotFound: http.StatusInternalServerError,
		KindSolverRejected:    http.StatusInternalServerError,
		KindUnexpectedStatus:  http.StatusInternalServerError,
		KindCaptchaTimeout:    http.StatusPreconditionRequired,
		KindCaptchaInjection:  http.StatusInternalServerError,
		KindTwoFactorRequired: http.StatusPreconditionRequired,
		KindMissingCookies:    http.StatusInternalServerError,
		KindWebhookDelivery:   http.StatusInternalServerError,
	}
	assert.Len(t, want, len(Kinds))
	for _, k := range Kinds {
		assert.Equal(t, want[k], HTTPStatus(k), k.String())
		assert.NotEqual(t, "Internal error", Message(k), k.String())
		assert.NotContains(t, k.String(), "Kind(", "every kind has a name")
	}
}

func TestScenarioMessages(t *testing.T) {
	assert.Equal(t, "Missing required fields: user, pass, code", Message(KindValidation))
	assert.Equal(t, "Captcha solver timed out", Message(KindCaptchaTimeout))
	assert.Equal(t, "Authentication cookies not received - login may have failed", Message(KindMissingCookies))
}

func TestKindOfUnwrapsChains(t *testing.T) {
	base := Newf(KindCaptchaTimeout, "budget of %s elapsed", "90s")
	wrapped := fmt.Errorf("attempt r-1: %w", base)

	assert.Equal(t, KindCaptchaTimeout, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindCaptchaTimeout))
	assert.False(t, Is(wrapped, KindBrowser))
	assert.Equal(t, KindBrowser, KindOf(errors.New("boom")))
}

func TestErrorStringNamesMissingCookies(t *testing.T) {
	err := &Error{Kind: KindMissingCookies, State: "PostLoginCheck", Missing: []string{"sid", "csrf"}}
	assert.Equal(t, "MissingCookiesError in PostLoginCheck: missing sid, csrf", err.Error())
}
