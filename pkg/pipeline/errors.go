package pipeline

import "fmt"

// PersistenceError marks a checkpoint or chunk write failure. Unlike a
// source failure it aborts the whole run: once local durability is in
// doubt, continuing would risk recording progress that was never
// flushed.
type PersistenceError struct {
	// Source is the source being processed when persistence failed.
	Source string

	// Err is the underlying filesystem error, which names the path.
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure on source %s: %v", e.Source, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
