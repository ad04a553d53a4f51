// Package storeerr defines the Store's error taxonomy as sentinel errors
// callers match with errors.Is; storage, serialization and I/O failures
// travel wrapped inside them via fmt.Errorf.
package storeerr

import "errors"

var (
	ErrZoneNotFound    = errors.New("zone not found")
	ErrRecordNotFound  = errors.New("record not found")
	ErrDuplicateZone   = errors.New("duplicate zone")
	ErrDuplicateRecord = errors.New("duplicate record")
	ErrInvalidRecord   = errors.New("invalid record data")
)
