package store

import "time"

// Status values for Run.Status (spec §3 Lifecycles).
const (
	RunStatusRunning     = "running"
	RunStatusCompleted   = "completed"
	RunStatusError       = "error"
	RunStatusStopped     = "stopped"
	RunStatusInterrupted = "interrupted"
)

// Scope modes for Run.ScopeMode (spec §3).
const (
	ScopeAll            = "all"
	ScopeSelected       = "selected"
	ScopeImport         = "import"
	ScopeWatchTriggered = "watch-triggered"
)

// Lifecycle values for Tender.Lifecycle (spec §3).
const (
	LifecycleActive    = "active"
	LifecycleExpired   = "expired"
	LifecycleCancelled = "cancelled"
)

// Run is a single portal-run record (spec §3 "Run").
type Run struct {
	ID             int64
	PortalName     string
	BaseURL        string
	ScopeMode      string
	StartedAt      time.Time
	CompletedAt    *time.Time
	Status         string
	ExpectedTotal  int
	ExtractedTotal int
	SkippedTotal   int
	PartialSaved   bool
	OutputFilePath string
	OutputFileType string
}

// Tender is the current-state row for one (portal, canonical id) pair
// (spec §3 "Tender row").
type Tender struct {
	PortalName        string
	TenderIDCanonical string
	TenderIDRaw       string
	DepartmentName    string
	PublishedDate     string
	ClosingDate       string
	OpeningDate       string
	OrganisationChain string
	TitleRef          string
	DirectURL         string
	StatusURL         string
	EMDRaw            string
	EMDNumeric        *float64
	Lifecycle         string
	FirstSeenAt       time.Time
	LastSeenAt        time.Time
	OriginRunID       int64
}

// Row is the input shape C3 hands to the reconciliation rule: everything
// needed to upsert one tender, with its tender id already canonicalized.
type Row struct {
	TenderIDCanonical string
	TenderIDRaw       string
	DepartmentName    string
	PublishedDate     string
	ClosingDate       string
	OpeningDate       string
	OrganisationChain string
	TitleRef          string
	DirectURL         string
	StatusURL         string
	EMDRaw            string
	EMDNumeric        *float64
}

// ReconcileCounters accumulates the three counters defined in spec §4.1
// upsert_current_tenders.
type ReconcileCounters struct {
	InsertedNew        int
	UpdatedClosingDate int
	Unchanged          int
}

func (c *ReconcileCounters) add(o ReconcileCounters) {
	c.InsertedNew += o.InsertedNew
	c.UpdatedClosingDate += o.UpdatedClosingDate
	c.Unchanged += o.Unchanged
}

// Snapshot is the minimal prior-state view C3 needs for its fast-path
// dedup decision (spec §4.1 existing_tender_snapshot_for_portal).
type Snapshot struct {
	ClosingDate string
}
