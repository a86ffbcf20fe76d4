package domain

import (
	"context"
	"errors"
)

var (
	// ErrSourceUnavailable reports that a log source does not exist or could
	// not be opened. Fatal to that source's engine construction only.
	ErrSourceUnavailable = errors.New("log source unavailable")

	// ErrDuplicateSource reports that a source name is already registered.
	// Names compare case-insensitively.
	ErrDuplicateSource = errors.New("duplicate log source")

	// ErrAlreadyStarted reports a second Start on an engine. This is a
	// programming error, not a retryable condition.
	ErrAlreadyStarted = errors.New("engine already started")

	// ErrSinkClosed reports an emission attempt against a closed record sink.
	ErrSinkClosed = errors.New("record sink closed")
)

// SourceDescriptor captures the validated per-source request. Created once,
// read-only thereafter.
type SourceDescriptor struct {
	// Name is the unique source key. Uniqueness is case-insensitive.
	Name string

	// ReplayAll requests emission of every record already stored in the
	// source before live-watch begins.
	ReplayAll bool

	// ExitAfterReplay requests that the process not enter live-watch after
	// the replay pass.
	ExitAfterReplay bool
}

// EventSource is the contract of one opened, append-only log source. All
// implementations deliver records in source order from EnumerateAll and stop
// delivering notifications after Close.
type EventSource interface {
	// Count returns the number of records currently stored. Engine
	// construction uses it as an existence probe.
	Count(ctx context.Context) (int, error)

	// EnumerateAll calls fn for every currently stored record, in source
	// order. A non-nil error from fn aborts the enumeration and is returned.
	EnumerateAll(ctx context.Context, fn func(Record) error) error

	// NotifyWritten registers fn to be invoked asynchronously when the
	// source signals that new records have been written. Delivery is
	// at-least-once per burst of writes; multiple writes may coalesce into
	// one invocation. Only one callback may be registered per source.
	NotifyWritten(fn func()) error

	// Close releases the source and stops notification delivery.
	Close() error
}

// SourceOpener opens a named log source. Open must fail with an error
// wrapping ErrSourceUnavailable when the source is missing or inaccessible.
type SourceOpener interface {
	Open(ctx context.Context, name string) (EventSource, error)
}

// RecordSink is the single output channel for records. Emit writes one
// complete JSON line and flushes it before returning; implementations must be
// safe for concurrent use and must fail with an error wrapping ErrSinkClosed
// once closed.
type RecordSink interface {
	Emit(rec Record) error
	Close() error
}
