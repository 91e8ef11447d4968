package models

import "strings"

// Cookie is a single name/value pair read from the browser.
type Cookie struct {
	Name   string
	Value  string
	Domain string
}

// CookieSet maps required cookie names to their values.
type CookieSet map[string]string

// Jar serializes the set as a Cookie header value, in the order of names.
func (s CookieSet) Jar(names []string) string {
	parts := make([]string, 0, len(names))
	for _, name := range names {
		if v, ok := s[name]; ok {
			parts = append(parts, name+"="+v)
		}
	}
	return strings.Join(parts, "; ")
}
