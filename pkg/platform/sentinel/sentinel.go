// Package sentinel holds the storage-level facts every adapter reports.
// Services translate them into domain errors; they never reach a transport.
package sentinel

import "errors"

var (
	// ErrNotFound: no record under the key.
	ErrNotFound = errors.New("not found")
	// ErrConflict: a conditional write lost against the stored version.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable: the backing store could not be reached.
	ErrUnavailable = errors.New("unavailable")
)
