package login

import (
	"errors"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var errNoSiteKey = errors.New("no site key on page")

var scriptSiteKeyRe = regexp.MustCompile(`(?i)['"]?sitekey['"]?\s*[:=]\s*['"]([\w-]{10,})['"]`)

// ExtractSiteKey finds the challenge site key in a login page. Strategies
// are tried in order and the first hit wins: a data-sitekey attribute on any
// of selectors, the sitekey or k query parameter of a challenge iframe, then
// a sitekey literal in an inline script.
func ExtractSiteKey(html string, selectors []string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	for _, sel := range selectors {
		if key := firstAttr(doc, sel, "data-sitekey"); key != "" {
			return key, nil
		}
	}

	if key := iframeSiteKey(doc); key != "" {
		return key, nil
	}

	var key string
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if m := scriptSiteKeyRe.FindStringSubmatch(s.Text()); m != nil {
			key = m[1]
			return false
		}
		return true
	})
	if key != "" {
		return key, nil
	}

	return "", errNoSiteKey
}

func firstAttr(doc *goquery.Document, selector, attr string) string {
	var value string
	doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		value = strings.TrimSpace(s.AttrOr(attr, ""))
		return value == ""
	})
	return value
}

func iframeSiteKey(doc *goquery.Document) string {
	var key string
	doc.Find("iframe[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		u, err := url.Parse(s.AttrOr("src", ""))
		if err != nil {
			return true
		}
		q := u.Query()
		if key = q.Get("sitekey"); key != "" {
			return false
		}
		key = q.Get("k")
		return key == ""
	})
	return key
}
