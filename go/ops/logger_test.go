package ops

import (
	"testing"

	log "github.com/sirupsen/logrus"
)

type recordingLogger struct {
	level  log.Level
	fields log.Fields
	msg    string
}

func (r *recordingLogger) Level() log.Level { return r.level }
func (r *recordingLogger) Log(level log.Level, fields log.Fields, message string) error {
	r.fields = fields
	r.msg = message
	return nil
}

func TestWithFieldsMergesAddAndPerCallFields(t *testing.T) {
	rec := &recordingLogger{level: log.DebugLevel}
	l := WithFields(rec, log.Fields{"component": "store"})

	if err := l.Log(log.InfoLevel, log.Fields{"run_id": 5}, "started"); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if rec.fields["component"] != "store" || rec.fields["run_id"] != 5 {
		t.Fatalf("expected merged fields, got %+v", rec.fields)
	}
	if rec.msg != "started" {
		t.Fatalf("msg = %q", rec.msg)
	}
}

func TestWithFieldsUsesAddWhenNoPerCallFields(t *testing.T) {
	rec := &recordingLogger{level: log.DebugLevel}
	l := WithFields(rec, log.Fields{"component": "store"})

	if err := l.Log(log.InfoLevel, nil, "tick"); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if rec.fields["component"] != "store" {
		t.Fatalf("expected add fields to pass through unmodified, got %+v", rec.fields)
	}
}

func TestComponentTagsComponentField(t *testing.T) {
	l := Component("scheduler")
	if l.Level() != log.GetLevel() {
		t.Fatalf("Level() = %v, want the global level", l.Level())
	}
	if wl, ok := l.(*withFieldsLogger); !ok || wl.add["component"] != "scheduler" {
		t.Fatalf("expected component=scheduler field, got %#v", l)
	}
}
