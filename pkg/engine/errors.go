package engine

import "errors"

var (
	// ErrEngineClosed is returned on any operation after Close.
	ErrEngineClosed = errors.New("engine is closed")

	// ErrNotFound is returned when no version of the key is visible to the
	// reading snapshot.
	ErrNotFound = errors.New("key not found")

	// ErrDuplicateKey is returned by Insert when a visible version of the
	// key already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrDurability wraps WAL append or sync failures: the write did not
	// reach stable storage and must be treated as not having happened.
	ErrDurability = errors.New("durability failure")

	// ErrCorruption wraps checksum and framing failures found in the WAL or
	// the heap.
	ErrCorruption = errors.New("corruption detected")

	// ErrCapacity is returned when the heap cannot place a version.
	ErrCapacity = errors.New("capacity exhausted")

	// ErrConflict is reserved for write-write conflicts; the single-writer
	// discipline makes it unreachable today, but callers should handle it.
	ErrConflict = errors.New("write conflict")
)
