package models

import "fmt"

// ValidationError marks a raw record as unusable. The record is skipped and
// counted; the batch continues.
type ValidationError struct {
	Source string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid record from %q: %s %s", e.Source, e.Field, e.Reason)
}

// LookupError reports a client sector name missing from the classification
// table. It is informational: the resolver falls back to substring matching.
type LookupError struct {
	Sector string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("sector %q not found in classification table", e.Sector)
}

// StoreError wraps a failure of an external store. It is fatal to the run.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// StaleReadError reports that the match store generation moved while a
// snapshot was reading it.
type StaleReadError struct {
	Before uint64
	After  uint64
}

func (e *StaleReadError) Error() string {
	return fmt.Sprintf("match history changed during read (generation %d -> %d)", e.Before, e.After)
}
