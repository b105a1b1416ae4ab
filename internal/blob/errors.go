// SPDX-License-Identifier: MIT

package blob

import (
	"errors"
	"fmt"
)

// ErrorKind discriminates storage failures for retry policy decisions.
type ErrorKind string

const (
	KindNotFound   ErrorKind = "not_found"
	KindAuthDenied ErrorKind = "auth_denied"
	KindTransient  ErrorKind = "transient"
	KindCorrupt    ErrorKind = "corrupt"
	KindQuota      ErrorKind = "quota"
)

// StorageError is the typed failure surfaced by every Store operation.
// Callers retry only Transient, with capped exponential backoff.
type StorageError struct {
	Kind ErrorKind
	Key  string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("storage %s: %s", e.Kind, e.Key)
	}
	return fmt.Sprintf("storage %s: %s: %v", e.Kind, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(kind ErrorKind, key string, err error) *StorageError {
	return &StorageError{Kind: kind, Key: key, Err: err}
}

// KindOf extracts the error kind, defaulting to Transient for untyped
// errors so infrastructure hiccups stay retryable.
func KindOf(err error) ErrorKind {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

// IsNotFound reports whether err is a missing-key failure.
func IsNotFound(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == KindNotFound
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == KindTransient
}
