package store

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreClosed is returned by every operation after Close.
	ErrStoreClosed = errors.New("store is closed")

	// ErrKeysChanged is returned when a transaction transform adds or
	// removes keys from its state map.
	ErrKeysChanged = errors.New("keys changed in transaction")
)

// LoadInProgressError is returned by Load while another load or a live
// session exists for the key.
type LoadInProgressError struct {
	Key string
}

func (e *LoadInProgressError) Error() string {
	return fmt.Sprintf("load already in progress for %q", e.Key)
}

// KeyNotLoadedError is returned by operations that require a loaded
// session.
type KeyNotLoadedError struct {
	Key string
}

func (e *KeyNotLoadedError) Error() string { return fmt.Sprintf("key %q not loaded", e.Key) }

// SchemaError reports data rejected by the schema validator. The
// session's data is unchanged when it is returned.
type SchemaError struct {
	Key    string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema validation failed for %q: %s", e.Key, e.Reason)
}
