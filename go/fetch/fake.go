package fetch

import (
	"context"
	"sync"

	"github.com/tenderwatch/batchscrape/go/portal"
)

// Fake is an in-memory PortalFetcher used by go/scraper's tests. It lets a
// test script department listings, force ParseError/SessionDeadError
// responses on particular calls, and count ReinitSession calls, without any
// browser-automation dependency.
type Fake struct {
	mu sync.Mutex

	Departments map[string][]portal.Department // keyed by portal name
	Rows        map[string][]RawRow            // keyed by portal name + "/" + department serial

	// FailOnce, keyed the same way as Rows, is consumed (removed) on the
	// next matching FetchDepartmentRows call and returned as the error.
	FailOnce map[string]error

	ReinitCount int
}

// NewFake returns an empty Fake ready for a test to populate.
func NewFake() *Fake {
	return &Fake{
		Departments: make(map[string][]portal.Department),
		Rows:        make(map[string][]RawRow),
		FailOnce:    make(map[string]error),
	}
}

func (f *Fake) FetchDepartments(_ context.Context, p portal.Portal) ([]portal.Department, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]portal.Department(nil), f.Departments[p.Name]...), nil
}

func (f *Fake) FetchDepartmentRows(_ context.Context, p portal.Portal, d portal.Department) ([]RawRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := p.Name + "/" + d.SerialNo
	if err, ok := f.FailOnce[key]; ok {
		delete(f.FailOnce, key)
		return nil, err
	}
	return append([]RawRow(nil), f.Rows[key]...), nil
}

func (f *Fake) ReinitSession(_ context.Context, _ portal.Portal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReinitCount++
	return nil
}

// SetRows registers the rows a department will return.
func (f *Fake) SetRows(portalName, deptSerial string, rows []RawRow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Rows[portalName+"/"+deptSerial] = rows
}

// SetFailOnce schedules err to be returned on the next FetchDepartmentRows
// call for portalName/deptSerial, then clears.
func (f *Fake) SetFailOnce(portalName, deptSerial string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailOnce[portalName+"/"+deptSerial] = err
}
