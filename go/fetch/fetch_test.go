package fetch

import (
	"context"
	"errors"
	"testing"

	"github.com/tenderwatch/batchscrape/go/portal"
)

func TestLooksSessionDead(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"Invalid Session detected", true},
		{"chrome not reachable", true},
		{"net::ERR_CONNECTION_RESET", true},
		{"parse error: unexpected token", false},
		{"", false},
	}
	for _, c := range cases {
		if got := LooksSessionDead(c.in); got != c.want {
			t.Errorf("LooksSessionDead(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestSessionDeadErrorWrapsCause(t *testing.T) {
	cause := errors.New("boom")
	e := &SessionDeadError{Cause: cause}
	if !errors.Is(e, cause) {
		t.Fatal("expected errors.Is to unwrap to cause")
	}
	if e.Error() == "" {
		t.Fatal("expected a non-empty error message")
	}
}

func TestFakeFetchDepartmentsReturnsCopy(t *testing.T) {
	f := NewFake()
	f.Departments["HP"] = []portal.Department{{SerialNo: "1", Name: "PWD"}}

	got, err := f.FetchDepartments(context.Background(), portal.Portal{Name: "HP"})
	if err != nil {
		t.Fatalf("FetchDepartments: %v", err)
	}
	got[0].Name = "mutated"

	again, _ := f.FetchDepartments(context.Background(), portal.Portal{Name: "HP"})
	if again[0].Name != "PWD" {
		t.Fatal("FetchDepartments must return a defensive copy, not the backing slice")
	}
}

func TestFakeSetFailOnceConsumedOnce(t *testing.T) {
	f := NewFake()
	wantErr := errors.New("rate limited")
	f.SetFailOnce("HP", "1", wantErr)
	f.SetRows("HP", "1", []RawRow{{TitleRef: "x"}})

	_, err := f.FetchDepartmentRows(context.Background(), portal.Portal{Name: "HP"}, portal.Department{SerialNo: "1"})
	if err != wantErr {
		t.Fatalf("expected scheduled error on first call, got %v", err)
	}

	rows, err := f.FetchDepartmentRows(context.Background(), portal.Portal{Name: "HP"}, portal.Department{SerialNo: "1"})
	if err != nil {
		t.Fatalf("second call should succeed, got %v", err)
	}
	if len(rows) != 1 || rows[0].TitleRef != "x" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestFakeReinitSessionCountsCalls(t *testing.T) {
	f := NewFake()
	for i := 0; i < 3; i++ {
		if err := f.ReinitSession(context.Background(), portal.Portal{}); err != nil {
			t.Fatalf("ReinitSession: %v", err)
		}
	}
	if f.ReinitCount != 3 {
		t.Fatalf("ReinitCount = %d, want 3", f.ReinitCount)
	}
}
