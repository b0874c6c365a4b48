package models

import (
	"errors"
	"fmt"
)

var ErrSchemaMismatch = errors.New("snapshot schema does not match stored table")

// FetchError is a failure to retrieve or parse the remote snapshot.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch: %s: %v", e.Op, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// StoreError is a connection, schema or transaction failure in the store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// ExportError is a failure writing one of the published artifacts.
type ExportError struct {
	Artifact string
	Err      error
}

func (e *ExportError) Error() string { return fmt.Sprintf("export %s: %v", e.Artifact, e.Err) }
func (e *ExportError) Unwrap() error { return e.Err }

// ErrorKind names the taxonomy bucket of err, or "unknown".
func ErrorKind(err error) string {
	var fe *FetchError
	var se *StoreError
	var ee *ExportError
	switch {
	case errors.As(err, &fe):
		return "fetch"
	case errors.As(err, &se):
		return "store"
	case errors.As(err, &ee):
		return "export"
	default:
		return "unknown"
	}
}
