// Package fetch declares the PortalFetcher contract (C2): the external
// collaborator boundary spec.md §1 places out of scope ("the
// browser-automation primitives that fetch a page and extract rows — we
// specify only the interface they present"). This package has no browser,
// OCR, or download code; it only defines the seam and a deterministic fake
// used by go/scraper's tests.
package fetch

import (
	"context"
	"errors"
	"strings"

	"github.com/tenderwatch/batchscrape/go/portal"
)

// RawRow is one tender row as extracted from a department listing page,
// before canonicalization (spec §4.2.a step 3).
type RawRow struct {
	TitleRef          string
	DepartmentName    string
	PublishedDate     string
	ClosingDate       string
	OpeningDate       string
	OrganisationChain string
	DirectURL         string
	StatusURL         string
	EMDRaw            string
}

// PortalFetcher is implemented by the (out-of-scope) browser-automation
// layer. Given a URL/portal, it returns rows and department lists; it owns
// its own session/browser lifecycle.
type PortalFetcher interface {
	// FetchDepartments lists a portal's departments from its org-list page.
	FetchDepartments(ctx context.Context, p portal.Portal) ([]portal.Department, error)
	// FetchDepartmentRows fetches and parses one department's listing rows.
	FetchDepartmentRows(ctx context.Context, p portal.Portal, d portal.Department) ([]RawRow, error)
	// ReinitSession tears down and reinitializes the fetcher's session,
	// called by C3 after a Watchdog alarm or a SessionDeadError (spec §4.4).
	ReinitSession(ctx context.Context, p portal.Portal) error
}

// sessionDeadPhrases are matched case-insensitively against an error's
// text to decide whether it indicates a dead session, per spec §4.2.a step 2.
var sessionDeadPhrases = []string{
	"session", "invalid session", "timeout", "connection", "disconnected",
	"chrome not reachable", "target window already closed",
	"unable to discover open pages", "net::",
}

// ErrFetchTimeout is spec §7's FetchTimeout error kind.
var ErrFetchTimeout = errors.New("fetch: timeout")

// SessionDeadError is spec §7's SessionDead error kind, returned by a
// PortalFetcher (or detected by go/scraper from error text) when a fetch
// indicates the browser session is no longer usable.
type SessionDeadError struct {
	Cause error
}

func (e *SessionDeadError) Error() string { return "fetch: session dead: " + e.Cause.Error() }
func (e *SessionDeadError) Unwrap() error { return e.Cause }

// LooksSessionDead reports whether msg matches one of the session-dead
// marker phrases of spec §4.2.a step 2.
func LooksSessionDead(msg string) bool {
	lower := strings.ToLower(msg)
	for _, phrase := range sessionDeadPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
