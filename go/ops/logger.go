// Package ops provides the logging seam and the tagged-union event channel
// used to replace the duck-typed update callbacks of the original system
// (spec §9): components publish Events to a single owner (the Scheduler or
// the CLI) that consumes them, and a single
// Logger seam wraps logrus so call sites never talk to logrus directly.
package ops

import (
	log "github.com/sirupsen/logrus"
)

// Logger publishes structured log events tied to a component. Modeled on
// the teacher's ops.Logger seam (estuary-flow's go/flow/ops), trimmed to
// what this system needs: no forwarded-log replication, since we have no
// distributed ops-collection to replicate into.
type Logger interface {
	Log(level log.Level, fields log.Fields, message string) error
	Level() log.Level
}

// WithFields returns a Logger that merges add into every event's fields
// before delegating, avoiding a map copy when no per-call fields are given.
func WithFields(delegate Logger, add log.Fields) Logger {
	return &withFieldsLogger{delegate: delegate, add: add}
}

type withFieldsLogger struct {
	delegate Logger
	add      log.Fields
}

func (l *withFieldsLogger) Level() log.Level { return l.delegate.Level() }

func (l *withFieldsLogger) Log(level log.Level, fields log.Fields, message string) error {
	if len(fields) == 0 {
		return l.delegate.Log(level, l.add, message)
	}
	merged := make(log.Fields, len(fields)+len(l.add))
	for k, v := range l.add {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return l.delegate.Log(level, merged, message)
}

// StdLogger is a Logger that writes through the standard logrus logger.
type StdLogger struct{}

func (StdLogger) Level() log.Level { return log.GetLevel() }

func (l StdLogger) Log(level log.Level, fields log.Fields, message string) error {
	if level > l.Level() {
		return nil
	}
	log.WithFields(fields).Log(level, message)
	return nil
}

// Component returns a Logger tagged with a component name, the standard
// entry point used by every C1-C9 implementation in this module.
func Component(name string) Logger {
	return WithFields(StdLogger{}, log.Fields{"component": name})
}
