// Package portal holds the identity types shared across the batch scrape
// orchestrator: the portal and department configuration shapes, and the
// skill-aware tender-id canonicalization rules of spec §4.3.
package portal

import "strings"

// Skill selects which tender-id extraction rules a portal uses.
type Skill string

const (
	SkillNIC     Skill = "nic"
	SkillGeneric Skill = "generic"
)

// nicMarkers are substrings whose presence in a portal's name, base URL, or
// org-list URL selects the "nic" skill by default.
var nicMarkers = []string{
	"eprocure", "tenders.gov.in", "nic.in", "tendershimachal", "etenders",
}

// Portal is the immutable configuration of a single e-procurement site.
type Portal struct {
	Name        string
	BaseURL     string
	OrgListURL  string
	DisplayName string
	Keyword     string
	Skill       Skill
}

// NormalizedName is the case-insensitive, whitespace-trimmed form used as
// half of the tender dedup key (spec §3).
func (p Portal) NormalizedName() string {
	return strings.ToLower(strings.TrimSpace(p.Name))
}

// New builds a Portal from configuration, deriving OrgListURL and Keyword
// when absent and classifying the portal's skill.
func New(name, baseURL, keyword string) Portal {
	p := Portal{
		Name:        strings.TrimSpace(name),
		BaseURL:     strings.TrimSpace(baseURL),
		DisplayName: strings.TrimSpace(name),
	}
	if p.OrgListURL == "" {
		p.OrgListURL = deriveOrgListURL(p.BaseURL)
	}
	if keyword != "" {
		p.Keyword = keyword
	} else {
		p.Keyword = deriveKeyword(p.BaseURL)
	}
	p.Skill = classifySkill(p)
	return p
}

func deriveOrgListURL(baseURL string) string {
	if baseURL == "" {
		return ""
	}
	sep := "?"
	if strings.Contains(baseURL, "?") {
		sep = "&"
	}
	return baseURL + sep + "page=FrontEndTendersByOrganisation&service=page"
}

// deriveKeyword produces a filename-safe slug from a URL's host.
func deriveKeyword(rawURL string) string {
	host := hostOf(rawURL)
	host = strings.TrimPrefix(host, "www.")
	var b strings.Builder
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		case r == '.', r == '-':
			b.WriteRune('_')
		}
	}
	return b.String()
}

func hostOf(rawURL string) string {
	s := rawURL
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.Index(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, ":"); i >= 0 {
		// Only strip a port, not an IPv6 bracketed host.
		if !strings.Contains(s, "]") {
			s = s[:i]
		}
	}
	return s
}

func classifySkill(p Portal) Skill {
	haystack := strings.ToLower(p.Name + " " + p.BaseURL + " " + p.OrgListURL)
	for _, marker := range nicMarkers {
		if strings.Contains(haystack, marker) {
			return SkillNIC
		}
	}
	return SkillGeneric
}

// Department is a logical grouping of tenders within a portal, the unit of
// iteration inside a portal run (spec §4.2).
type Department struct {
	SerialNo       string
	Name           string
	TenderCountRaw string
	DirectURL      string
}

var headerNames = map[string]struct{}{
	"organisation name": {},
	"department name":   {},
	"organization":      {},
	"organization name": {},
}

var headerSerials = map[string]struct{}{
	"s.no": {}, "sr.no": {}, "serial": {}, "#": {},
}

// IsValid reports whether a department row is a real department rather than
// a repeated header row, per spec §4.2.
func (d Department) IsValid() bool {
	serial := strings.ToLower(strings.TrimSpace(d.SerialNo))
	if _, ok := headerSerials[serial]; ok {
		return false
	}
	if !isPositiveInt(strings.TrimSpace(d.SerialNo)) {
		return false
	}
	name := strings.ToLower(strings.TrimSpace(d.Name))
	if _, ok := headerNames[name]; ok {
		return false
	}
	return true
}

func isPositiveInt(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != "0"
}

// sessionQueryKeys lists query-string keys stripped from a department's
// direct URL before it is persisted, per spec §3.
var sessionQueryKeys = []string{"session", "sp", "jsessionid", "sid", "phpsessid"}

// StripSessionParams removes session-carrying query parameters from a URL's
// query string, leaving the rest of the URL untouched.
func StripSessionParams(rawURL string) string {
	qIdx := strings.Index(rawURL, "?")
	if qIdx < 0 {
		return rawURL
	}
	base, query := rawURL[:qIdx], rawURL[qIdx+1:]
	frag := ""
	if h := strings.Index(query, "#"); h >= 0 {
		frag = query[h:]
		query = query[:h]
	}

	var kept []string
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		key := pair
		if eq := strings.Index(pair, "="); eq >= 0 {
			key = pair[:eq]
		}
		if isSessionKey(key) {
			continue
		}
		kept = append(kept, pair)
	}

	if len(kept) == 0 {
		return base + frag
	}
	return base + "?" + strings.Join(kept, "&") + frag
}

func isSessionKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range sessionQueryKeys {
		if lower == marker || strings.Contains(lower, "session") {
			return true
		}
	}
	return false
}
