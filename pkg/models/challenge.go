package models

import "time"

// CaptchaChallenge tracks one challenge from extraction to a solved token.
type CaptchaChallenge struct {
	SiteKey    string
	PageURL    string
	TaskID     string
	Token      string
	IssuedAt   time.Time
	ValidUntil time.Time
}

// Expired reports whether the token can no longer be used at t.
func (c *CaptchaChallenge) Expired(t time.Time) bool {
	return !t.Before(c.ValidUntil)
}
