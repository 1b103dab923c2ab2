package store

import (
	"errors"
	"fmt"
)

// Backend names used in errors, logs and span attributes.
const (
	BackendComments = "comments"
	BackendTables   = "tables"
	BackendMemory   = "memory"
)

// StorageError wraps any failure to read or write a backend.
type StorageError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(backend, op string, err error) error {
	return &StorageError{Backend: backend, Op: op, Err: err}
}

// IsStorageError reports whether err is, or wraps, a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// MirrorWriteError is a legacy backend failure during a mirrored write.
// The aggregate repository reports it and never returns it to the caller.
type MirrorWriteError struct {
	Kind      Kind
	Op        string
	LearnerID int64 // zero for DeleteForContent
	ContentID int64 // zero for DeleteForLearner
	Err       error
}

func (e *MirrorWriteError) Error() string {
	return fmt.Sprintf("mirror %s %s (learner=%d content=%d): %v", e.Kind, e.Op, e.LearnerID, e.ContentID, e.Err)
}

func (e *MirrorWriteError) Unwrap() error { return e.Err }
