package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrMalformedRecord = errors.New("malformed record")
	ErrFetchFailed     = errors.New("fetch failed")
	ErrDecodeError     = errors.New("decode error")
	ErrTransportClosed = errors.New("transport closed")
	ErrScopeChanged    = errors.New("scope changed")
	ErrNotConnected    = errors.New("not connected")
)

// Kind categorizes a failure inside the metrics pipeline.
type Kind string

const (
	KindMalformedRecord Kind = "malformed_record"
	KindFetchFailed     Kind = "fetch_failed"
	KindDecodeError     Kind = "decode_error"
	KindTransportClosed Kind = "transport_closed"
	KindScopeChanged    Kind = "scope_changed"
)

// StreamError is a structured error for pipeline operations.
type StreamError struct {
	Kind       Kind
	Op         string // Operation that failed (e.g., "fetch_recent", "read_frame")
	ServerID   string
	Err        error // Underlying error
	StatusCode int   // HTTP status code if applicable
	Timestamp  time.Time
}

func (e *StreamError) Error() string {
	if e.ServerID != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.ServerID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is matching against the base error types.
func (e *StreamError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrMalformedRecord:
		return e.Kind == KindMalformedRecord
	case ErrFetchFailed:
		return e.Kind == KindFetchFailed
	case ErrDecodeError:
		return e.Kind == KindDecodeError
	case ErrTransportClosed:
		return e.Kind == KindTransportClosed
	case ErrScopeChanged:
		return e.Kind == KindScopeChanged
	}

	return errors.Is(e.Err, target)
}

// New creates a new StreamError.
func New(kind Kind, op, serverID string, err error) *StreamError {
	return &StreamError{
		Kind:      kind,
		Op:        op,
		ServerID:  serverID,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// WithStatusCode adds an HTTP status code to the error.
func (e *StreamError) WithStatusCode(code int) *StreamError {
	e.StatusCode = code
	return e
}

// Helper constructors

// WrapMalformedRecord wraps an unparseable-record error. The record is
// dropped by the caller; nothing is ingested.
func WrapMalformedRecord(op, serverID string, err error) error {
	return New(KindMalformedRecord, op, serverID, err)
}

// WrapFetchFailed wraps a historical retrieval error with the HTTP status.
func WrapFetchFailed(op, serverID string, err error, statusCode int) error {
	return New(KindFetchFailed, op, serverID, err).WithStatusCode(statusCode)
}

// WrapDecodeError wraps a live frame decode error. The frame is dropped and
// the connection stays open.
func WrapDecodeError(op, serverID string, err error) error {
	return New(KindDecodeError, op, serverID, err)
}

// WrapTransportClosed wraps a closed live channel. This is a connectivity
// condition, not a data error.
func WrapTransportClosed(op, serverID string, err error) error {
	return New(KindTransportClosed, op, serverID, err)
}

// IsRetryable reports whether reconnecting or refetching could help.
// Malformed data never becomes well formed by retrying.
func IsRetryable(err error) bool {
	var se *StreamError
	if errors.As(err, &se) {
		switch se.Kind {
		case KindMalformedRecord, KindDecodeError, KindScopeChanged:
			return false
		case KindFetchFailed:
			return se.StatusCode == 0 || se.StatusCode >= 500 || se.StatusCode == 429 || se.StatusCode == 408
		default:
			return true
		}
	}
	return errors.Is(err, ErrTransportClosed)
}

// StatusCode extracts the HTTP status carried by a fetch error, or 0.
func StatusCode(err error) int {
	var se *StreamError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
