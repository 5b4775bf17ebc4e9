// Package storage holds the errors shared by every AccountStore
// implementation.
package storage

import "errors"

var (
	ErrNotFound = errors.New("record not found")
	ErrExists   = errors.New("record already exists")
	ErrConflict = errors.New("record was modified concurrently")
)
