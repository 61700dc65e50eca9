package ops

import "time"

// Kind discriminates an Event's payload. Spec §9: "Duck-typed update
// callbacks... replace with a single event channel carrying a tagged union."
type Kind int

const (
	KindLog Kind = iota
	KindProgress
	KindDepartmentsLoaded
	KindError
	KindCompleted
)

func (k Kind) String() string {
	switch k {
	case KindLog:
		return "status"
	case KindProgress:
		return "progress"
	case KindDepartmentsLoaded:
		return "departments_loaded"
	case KindError:
		return "error"
	case KindCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Event is the single message type sent on the batch's shared event
// channel; in this module go/scraper (C3) is its sender. Exactly one of the
// payload pointers is non-nil, selected by Kind.
type Event struct {
	Kind      Kind
	Portal    string
	Timestamp time.Time

	Log               *LogEvent
	Progress          *ProgressEvent
	DepartmentsLoaded *DepartmentsLoadedEvent
	Error             *ErrorEvent
	Completed         *CompletedEvent
}

type LogEvent struct {
	Message string
	Fields  map[string]interface{}
}

// ProgressEvent mirrors spec §4.2.a step 8.
type ProgressEvent struct {
	CurrentDeptIndex int
	TotalDepts       int
	ExtractedSoFar   int
	ExpectedTotal    int
	PendingDepts     int
	DeptName         string
}

type DepartmentsLoadedEvent struct {
	Total int
}

type ErrorEvent struct {
	Message string
	Fatal   bool
}

// CompletedEvent mirrors the portal summary of spec §4.2.c.
type CompletedEvent struct {
	Status                 string
	ExpectedTotalTenders   int
	ExtractedTotalTenders  int
	SkippedExistingTotal   int
	ClosingDateReprocessed int
	ProcessedDepartments   int
	DeltaSweepExtracted    int
	OutputFilePath         string
	OutputFileType         string
	PartialSaved           bool
}

// Bus is the single owned event channel for a batch run. Its owner (the
// Scheduler, or the CLI for a single-portal run) holds the receive side;
// every other component only ever sends.
type Bus struct {
	ch chan Event
}

// NewBus creates a Bus with the given buffer size.
func NewBus(buffer int) *Bus {
	return &Bus{ch: make(chan Event, buffer)}
}

// Send publishes an event, stamping its timestamp if unset. It never blocks
// the caller past the channel buffer: a full buffer means the consumer is
// behind, which the caller cannot usefully act on here, so Send drops the
// event rather than deadlocking a scrape over a slow UI.
func (b *Bus) Send(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case b.ch <- e:
	default:
	}
}

// Events returns the receive-only channel for the bus's single consumer.
func (b *Bus) Events() <-chan Event { return b.ch }

// Close closes the underlying channel. Only the bus's owner calls this, once
// every sender is done; the CLI does so, the Scheduler never closes its bus.
func (b *Bus) Close() { close(b.ch) }
