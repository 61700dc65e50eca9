package store

import "fmt"

// ConflictError is spec §4.1.a's StoreConflict: a SQL-level conflict that
// persisted through the store's one retry.
type ConflictError struct {
	Op  string
	Err error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("store: %s: conflict: %v", e.Op, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// NotFoundError is returned when a run id or portal has no matching row.
type NotFoundError struct {
	What string
}

func (e *NotFoundError) Error() string { return "store: not found: " + e.What }
