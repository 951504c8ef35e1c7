package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrAllocationRunning is returned when another cost allocation run holds the
// engine's advisory lock.
var ErrAllocationRunning = errors.New("storage: cost allocation already running")
