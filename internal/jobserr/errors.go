// Package jobserr defines the closed set of error kinds the core
// produces. Retryability and HTTP status are properties of the kind,
// never of the message text.
package jobserr

import (
	"errors"
	"fmt"
)

// Kind is a closed discriminated union of the failure modes the core
// can produce. New values must be added here, not invented as ad hoc
// strings at call sites.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidURL
	KindInvalidJobID
	KindInvalidPagination
	KindNotFound
	KindNotInExpectedState
	KindQueueFull
	KindStorageUnavailable
	KindDownloaderMissing
	KindEncoderMissing
	KindDownloadFailed
	KindProcessingFailed
	KindTimeout
	KindSizeExceeded
	KindCancelled
	KindOutputNotFound
)

func (k Kind) String() string {
	switch k {
	case KindInvalidURL:
		return "InvalidUrl"
	case KindInvalidJobID:
		return "InvalidJobId"
	case KindInvalidPagination:
		return "InvalidPagination"
	case KindNotFound:
		return "NotFound"
	case KindNotInExpectedState:
		return "NotInExpectedState"
	case KindQueueFull:
		return "QueueFull"
	case KindStorageUnavailable:
		return "StorageUnavailable"
	case KindDownloaderMissing:
		return "DownloaderMissing"
	case KindEncoderMissing:
		return "EncoderMissing"
	case KindDownloadFailed:
		return "DownloadFailed"
	case KindProcessingFailed:
		return "ProcessingFailed"
	case KindTimeout:
		return "Timeout"
	case KindSizeExceeded:
		return "SizeExceeded"
	case KindCancelled:
		return "Cancelled"
	case KindOutputNotFound:
		return "OutputNotFound"
	default:
		return "Unknown"
	}
}

// Error is the structured error type carried across the core. Detail
// is safe to log. The httpapi layer sends Detail to the client
// unchanged as the response's reason; it applies no path redaction.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a Error with the given kind and detail.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap constructs a Error that carries an underlying cause.
func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// As extracts the *Error from err, if any, via errors.As.
func As(err error) (*Error, bool) {
	var je *Error
	if errors.As(err, &je) {
		return je, true
	}
	return nil, false
}

// KindOf returns the Kind carried by err, or KindUnknown if err does
// not wrap a *Error.
func KindOf(err error) Kind {
	if je, ok := As(err); ok {
		return je.Kind
	}
	return KindUnknown
}

// Retryable reports whether the kind is worth retrying at the caller
// that produced it. This is intentionally narrow: only transient
// storage and timeout conditions are retryable. KindDownloadFailed is
// excluded even though it originates from the same subprocess as a
// retryable timeout: it is reserved for a tool that ran and rejected
// its input (a non-zero exit), which is a terminal outcome, not a
// transient one.
func (k Kind) Retryable() bool {
	switch k {
	case KindStorageUnavailable, KindTimeout:
		return true
	default:
		return false
	}
}
