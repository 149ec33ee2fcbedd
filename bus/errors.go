package bus

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is checks across packages.
var (
	// ErrUnknownTable is returned when a delta is built for a table that
	// was never registered.
	ErrUnknownTable = errors.New("unknown table")

	// ErrSchemaMismatch is returned when a raw update's implied schema
	// disagrees with the registered schema version.
	ErrSchemaMismatch = errors.New("schema version mismatch")

	// ErrDuplicateTable is returned by registration when redefinition is
	// disabled and the table already exists.
	ErrDuplicateTable = errors.New("table already registered")

	// ErrAlreadySubscribed is returned when a subscriber id already holds
	// an active subscription with overlapping filters.
	ErrAlreadySubscribed = errors.New("subscriber already subscribed")

	// ErrEngineStopped is returned for operations against a stopped engine.
	ErrEngineStopped = errors.New("engine stopped")
)

// UnknownTableError wraps ErrUnknownTable with the offending table name.
type UnknownTableError struct {
	Table string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("unknown table %q", e.Table)
}

func (e *UnknownTableError) Unwrap() error { return ErrUnknownTable }

// SchemaMismatchError reports the registered vs. supplied schema versions.
type SchemaMismatchError struct {
	Table      string
	Registered string
	Supplied   string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch for table %q: registered %q, update carries %q",
		e.Table, e.Registered, e.Supplied)
}

func (e *SchemaMismatchError) Unwrap() error { return ErrSchemaMismatch }

// DuplicateTableError reports a rejected re-registration.
type DuplicateTableError struct {
	Table string
}

func (e *DuplicateTableError) Error() string {
	return fmt.Sprintf("table %q already registered and redefinition is disabled", e.Table)
}

func (e *DuplicateTableError) Unwrap() error { return ErrDuplicateTable }
