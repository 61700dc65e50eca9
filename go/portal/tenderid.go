package portal

import (
	"regexp"
	"strings"
)

// bracketedToken matches any `[...]`-wrapped token in a title.
var bracketedToken = regexp.MustCompile(`\[([^\[\]]+)\]`)

// nicCanonicalInBrackets matches the strict NIC shape inside a bracket,
// case-insensitively: a 4-digit year, an underscore-joined tail, and an
// optional trailing `_<digits>` revision suffix.
var nicCanonicalInBrackets = regexp.MustCompile(`(?i)^(\d{4}_[A-Z0-9_]+(?:_\d+)?)$`)

// canonicalShape is what a canonicalized id must satisfy everywhere
// (spec §3 invariant): upper-case, `[A-Z0-9_]`, length >= 5.
var canonicalShape = regexp.MustCompile(`^[A-Z0-9_]{5,}$`)

// nicAnywhere finds the rightmost NIC-shaped substring anywhere in a title.
var nicAnywhere = regexp.MustCompile(`(?i)(\d{4}_[A-Z0-9_]+(?:_\d+)?)`)

var idPrefixes = regexp.MustCompile(`(?i)^\s*(tender\s*id\s*:|id\s*:)\s*`)
var nonAlnum = regexp.MustCompile(`[ \-./]+`)
var repeatUnderscore = regexp.MustCompile(`_+`)

// NormalizeTenderID implements spec §4.3's normalize_tender_id: strip a
// leading "tender id:"/"id:" prefix, unwrap a single bracket pair, upper-case,
// collapse separator runs to underscores, and trim stray underscores.
func NormalizeTenderID(s string) string {
	s = idPrefixes.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") && len(s) >= 2 {
		s = s[1 : len(s)-1]
	}
	s = strings.ToUpper(s)
	s = nonAlnum.ReplaceAllString(s, "_")
	s = repeatUnderscore.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	return s
}

// CanonicalizeTenderID extracts the stable NIC canonical id (or, for generic
// portals, the same procedure) from a tender's title/reference text, per
// spec §4.3. It returns "" if no usable id can be found.
func CanonicalizeTenderID(skill Skill, title string) string {
	_ = skill // both skills currently share the extraction procedure.

	// Rule 1: a bracketed token strictly matching the NIC shape, first match.
	for _, m := range bracketedToken.FindAllStringSubmatch(title, -1) {
		if nicCanonicalInBrackets.MatchString(m[1]) {
			return strings.ToUpper(m[1])
		}
	}

	// Rule 2: scan bracketed tokens right-to-left, accept the first whose
	// normalized form satisfies the canonical shape.
	matches := bracketedToken.FindAllStringSubmatch(title, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		candidate := NormalizeTenderID(matches[i][1])
		if canonicalShape.MatchString(candidate) {
			return candidate
		}
	}

	// Rule 3: the rightmost NIC-shaped substring anywhere in the title.
	if all := nicAnywhere.FindAllString(title, -1); len(all) > 0 {
		return strings.ToUpper(all[len(all)-1])
	}

	// Rule 4: nothing found.
	return ""
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeClosingDate implements spec §4.1.a's normalize_closing_date.
func NormalizeClosingDate(s string) string {
	s = strings.ToUpper(s)
	s = strings.ReplaceAll(s, "-", "/")
	s = strings.ReplaceAll(s, ".", "/")
	s = whitespaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// IsCanonicalShape reports whether id satisfies spec §3's invariant:
// non-empty, upper-case, `[A-Z0-9_]` only, length >= 5.
func IsCanonicalShape(id string) bool {
	return canonicalShape.MatchString(id)
}
