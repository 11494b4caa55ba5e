// Package fault defines the error taxonomy shared by all subsystems.
//
// Every error that crosses a subsystem boundary is wrapped in an *Error
// carrying a closed Kind, so call sites can tell transport faults from
// logic faults with errors.As without inspecting message text.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error. The set is closed; new kinds require a
// corresponding recovery policy at the facade.
type Kind string

const (
	// KindValidation marks bad caller input: empty names, duplicates,
	// unknown transports. Not recoverable; the caller fixes the input.
	KindValidation Kind = "validation"

	// KindNotFound marks lookups of unknown server or tool ids/names.
	KindNotFound Kind = "not_found"

	// KindConnectionFailed marks a connect that exhausted all retries.
	KindConnectionFailed Kind = "connection_failed"

	// KindInitializeTimeout marks a handshake that did not complete
	// within the connect timeout.
	KindInitializeTimeout Kind = "initialize_timeout"

	// KindServerUnavailable marks an invocation against a server that is
	// not in connected state.
	KindServerUnavailable Kind = "server_unavailable"

	// KindToolExecutionTimeout marks an invocation that exceeded the
	// execution deadline. The server stays connected.
	KindToolExecutionTimeout Kind = "tool_execution_timeout"

	// KindToolExecutionFailed marks an invocation that errored remotely.
	KindToolExecutionFailed Kind = "tool_execution_failed"

	// KindServerDisconnected marks an invocation that failed because the
	// server left connected state mid-call.
	KindServerDisconnected Kind = "server_disconnected_during_execution"

	// KindClassifierError marks a batch classification failure. Swallowed;
	// tools stay searchable but unclassified.
	KindClassifierError Kind = "classifier_error"

	// KindDiscoveryError marks a per-server failure during an aggregate
	// sweep. Swallowed; sibling servers are unaffected.
	KindDiscoveryError Kind = "discovery_error"

	// KindStoreError marks a relational or vector store failure.
	KindStoreError Kind = "store_error"
)

// Error is a kinded error. It keeps the upstream cause for %w chains.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a kinded error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and a formatted message. Returns nil if
// err is nil.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind of err, or "" if err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
