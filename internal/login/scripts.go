package login

import (
	"encoding/json"
	"fmt"
)

// injection is what injectScript reports back.
type injection struct {
	Found   int `json:"found"`
	Applied int `json:"applied"`
}

// injectScript writes token into every element matching fields, fires the
// events frameworks listen for, then counts how many elements read the token
// back.
func injectScript(fields []string, token string) string {
	return fmt.Sprintf(`(() => {
	const token = %s;
	const els = new Set();
	for (const sel of %s) {
		document.querySelectorAll(sel).forEach(el => els.add(el));
	}
	for (const el of els) {
		el.value = token;
		if (el.tagName === 'TEXTAREA') el.textContent = token;
		el.dispatchEvent(new Event('input', { bubbles: true }));
		el.dispatchEvent(new Event('change', { bubbles: true }));
	}
	let applied = 0;
	for (const el of els) {
		if (el.value === token) applied++;
	}
	return { found: els.size, applied };
})()`, jsString(token), jsValue(fields))
}

// loginErrorScript returns the text of the first visible element matching
// selector, or "".
func loginErrorScript(selector string) string {
	return fmt.Sprintf(`(() => {
	const el = Array.from(document.querySelectorAll(%s))
		.find(e => e.offsetParent !== null && e.textContent.trim() !== '');
	return el ? el.textContent.trim() : '';
})()`, jsString(selector))
}

// secondFactorScript asks the application, with the session's own cookies,
// whether a second factor is enabled.
func secondFactorScript(endpoint, field string) string {
	return fmt.Sprintf(`fetch(%s, { credentials: 'include', headers: { 'Accept': 'application/json' } })
	.then(r => r.ok ? r.json() : Promise.reject(new Error('HTTP ' + r.status)))
	.then(j => !!(j && j[%s]))`, jsString(endpoint), jsString(field))
}

func jsString(s string) string {
	return jsValue(s)
}

func jsValue(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}
