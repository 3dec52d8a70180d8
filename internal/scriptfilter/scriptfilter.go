// Package scriptfilter implements the coarse script-safety check applied to
// any payload that embeds user-supplied JavaScript (macro execute, ad-hoc
// execute-js). It is intentionally coarse: the downstream world is
// assumed to impose its own sandboxing.
package scriptfilter

import (
	"regexp"
	"strings"
)

// ForbiddenPatterns is the compiled regex set a script payload is rejected
// against. Matches access to persisted-browser stores, cookies, eval,
// worker construction, prototype-pollution markers, base64 codec calls,
// crypto/Intl accessors, postMessage, XHR, and importScripts.
var ForbiddenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\blocalStorage\b`),
	regexp.MustCompile(`\bsessionStorage\b`),
	regexp.MustCompile(`\bindexedDB\b`),
	regexp.MustCompile(`\bdocument\.cookie\b`),
	regexp.MustCompile(`\beval\s*\(`),
	regexp.MustCompile(`\bnew\s+Worker\s*\(`),
	regexp.MustCompile(`\bnew\s+SharedWorker\s*\(`),
	regexp.MustCompile(`__proto__`),
	regexp.MustCompile(`\bObject\s*\.\s*setPrototypeOf\b`),
	regexp.MustCompile(`\bObject\s*\.\s*getPrototypeOf\b`),
	regexp.MustCompile(`\bbtoa\s*\(`),
	regexp.MustCompile(`\batob\s*\(`),
	regexp.MustCompile(`\bcrypto\s*\.\s*subtle\b`),
	regexp.MustCompile(`\bwindow\s*\.\s*crypto\b`),
	regexp.MustCompile(`\bIntl\s*\.`),
	regexp.MustCompile(`\bpostMessage\s*\(`),
	regexp.MustCompile(`\bXMLHttpRequest\b`),
	regexp.MustCompile(`\bimportScripts\s*\(`),
}

// literalSubstrings is checked case-sensitively in addition to the regex
// set, since these are exact secret-shaped field names rather than API
// surface.
var literalSubstrings = []string{"apiKey", "privateKey", "password"}

// Check reports whether body contains a forbidden pattern. When it does,
// matched names the first offending rule for the caller-facing hint.
func Check(body string) (ok bool, matched string) {
	for _, lit := range literalSubstrings {
		if strings.Contains(body, lit) {
			return false, lit
		}
	}
	for _, re := range ForbiddenPatterns {
		if re.MatchString(body) {
			return false, re.String()
		}
	}
	return true, ""
}
