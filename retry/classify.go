package retry

import (
	"errors"
	"strings"
)

// Sentinel errors storage adapters can return to mark a failure transient
// without relying on message matching.
var (
	// ErrWriteConflict marks an optimistic-concurrency write conflict.
	ErrWriteConflict = errors.New("write conflict")
	// ErrTransientTransaction marks a transaction aborted by the store with
	// a retryable label.
	ErrTransientTransaction = errors.New("transient transaction error")
	// ErrConnReset marks a dropped connection to the store.
	ErrConnReset = errors.New("connection reset by peer")
	// ErrCursorNotFound marks a server-side cursor timed out mid-scan.
	ErrCursorNotFound = errors.New("cursor not found")
	// ErrInterrupted marks an operation interrupted by a server step-down.
	ErrInterrupted = errors.New("operation was interrupted")
)

var transientSentinels = []error{
	ErrWriteConflict,
	ErrTransientTransaction,
	ErrConnReset,
	ErrCursorNotFound,
	ErrInterrupted,
}

// Driver errors arrive as opaque strings more often than typed values, so
// the allow-list also matches known transient message signatures.
var transientSignatures = []string{
	"write conflict",
	"transienttransaction",
	"transient transaction",
	"connection reset",
	"cursor not found",
	"operation was interrupted",
}

// IsTransient reports whether err is on the transient allow-list, either by
// sentinel identity or by message signature (case-insensitive). A nil error
// is not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	for _, sentinel := range transientSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
