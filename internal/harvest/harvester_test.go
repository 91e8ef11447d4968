package harvest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/sessionbroker/internal/failure"
	"github.com/shehryarbajwa/sessionbroker/pkg/models"
)

// scriptedReader returns one reading per call, repeating the last.
type scriptedReader struct {
	readings [][]models.Cookie
	calls    int
	err      error
}

func (r *scriptedReader) Cookies(ctx context.Context) ([]models.Cookie, error) {
	if r.err != nil {
		return nil, r.err
	}
	i := r.calls
	if i >= len(r.readings) {
		i = len(r.readings) - 1
	}
	r.calls++
	return r.readings[i], nil
}

func cookies(pairs ...string) []models.Cookie {
	var out []models.Cookie
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, models.Cookie{Name: pairs[i], Value: pairs[i+1], Domain: "portal.example.com"})
	}
	return out
}

func TestHarvestWaitsForCompleteReading(t *testing.T) {
	reader := &scriptedReader{readings: [][]models.Cookie{
		cookies("session", "s1"),
		cookies("session", "s2", "_ga", "x"),
		cookies("session", "s3", "xsrf", "x3", "_ga", "x"),
	}}
	h := New([]string{"session", "xsrf"}, time.Millisecond, 5, zap.NewNop())

	set, err := h.Harvest(t.Context(), reader)
	require.NoError(t, err)
	assert.Equal(t, models.CookieSet{"session": "s3", "xsrf": "x3"}, set)
	assert.Equal(t, 3, reader.calls)
	assert.Equal(t, "session=s3; xsrf=x3", set.Jar(h.Required()))
}

func TestHarvestNeverMergesReadings(t *testing.T) {
	reader := &scriptedReader{readings: [][]models.Cookie{
		cookies("session", "s1"),
		cookies("xsrf", "x1"),
		cookies("session", "s2"),
	}}
	h := New([]string{"session", "xsrf"}, time.Millisecond, 3, zap.NewNop())

	set, err := h.Harvest(t.Context(), reader)
	assert.Nil(t, set)
	require.Error(t, err)
	assert.Equal(t, failure.KindMissingCookies, failure.KindOf(err))

	var fe *failure.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, []string{"xsrf"}, fe.Missing)
	assert.Equal(t, 3, reader.calls)
}

func TestHarvestIgnoresEmptyValues(t *testing.T) {
	reader := &scriptedReader{readings: [][]models.Cookie{cookies("session", "")}}
	h := New([]string{"session"}, time.Millisecond, 2, zap.NewNop())

	_, err := h.Harvest(t.Context(), reader)
	assert.True(t, failure.Is(err, failure.KindMissingCookies))
}

func TestHarvestReaderError(t *testing.T) {
	reader := &scriptedReader{err: errors.New("target closed")}
	h := New([]string{"session"}, time.Millisecond, 3, zap.NewNop())

	_, err := h.Harvest(t.Context(), reader)
	require.Error(t, err)
	assert.Equal(t, failure.KindBrowser, failure.KindOf(err))
}

func TestHarvestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	reader := &scriptedReader{readings: [][]models.Cookie{cookies()}}
	h := New([]string{"session"}, time.Hour, 3, zap.NewNop())

	_, err := h.Harvest(ctx, reader)
	assert.ErrorIs(t, err, context.Canceled)
}
