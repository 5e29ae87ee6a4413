// Package errkit provides error handling for the agent.
//
// It re-exports github.com/cockroachdb/errors, giving every internal
// error a stack trace, structured details, and optional hints, and
// adds the small set of sentinel Kinds the agent surfaces to callers
// (see Kind below). The request-ingestion path never returns an error;
// anything raised there is logged and swallowed instead.
package errkit

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

var (
	WithHint        = crdb.WithHint
	WithHintf       = crdb.WithHintf
	WithDetail      = crdb.WithDetail
	WithDetailf     = crdb.WithDetailf
	WithSafeDetails = crdb.WithSafeDetails
)

var (
	Is     = crdb.Is
	As     = crdb.As
	Unwrap = crdb.Unwrap
)

// Handled marks err as observed (logged) without letting it propagate
// further. Used on the request-ingestion path, which never returns an
// error to the host framework.
var Handled = crdb.Handled

// Kind classifies the errors the agent can surface. Only ConfigInvalid
// and AlreadyInitialized are ever returned to a caller; the rest are
// logged and swallowed internally.
type Kind int

const (
	// ConfigInvalid: clientId or env failed validation at construction.
	ConfigInvalid Kind = iota
	// AlreadyInitialized: a second Client was constructed in this process.
	AlreadyInitialized
	// HubTerminal: the Hub rejected the client permanently (404).
	HubTerminal
	// HubTransient: a retryable transport or 5xx failure.
	HubTransient
	// HubSchemaRejected: the Hub rejected a payload's schema (422).
	HubSchemaRejected
	// SpoolIoFailed: the spool directory is not writable.
	SpoolIoFailed
	// UserCallbackFailed: a masking or exclusion callback panicked/errored.
	UserCallbackFailed
)

func (k Kind) String() string {
	switch k {
	case ConfigInvalid:
		return "config_invalid"
	case AlreadyInitialized:
		return "already_initialized"
	case HubTerminal:
		return "hub_terminal"
	case HubTransient:
		return "hub_transient"
	case HubSchemaRejected:
		return "hub_schema_rejected"
	case SpoolIoFailed:
		return "spool_io_failed"
	case UserCallbackFailed:
		return "user_callback_failed"
	default:
		return "unknown"
	}
}

// kindError pairs an error Kind with its underlying cause so callers
// can branch on Kind via As without parsing message text.
type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string { return e.cause.Error() }
func (e *kindError) Unwrap() error { return e.cause }
func (e *kindError) Kind() Kind    { return e.kind }

// WithKind tags err with a Kind, retrievable later via KindOf.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, cause: err}
}

// KindOf returns the Kind attached to err via WithKind, and false if
// none was attached.
func KindOf(err error) (Kind, bool) {
	var ke *kindError
	if As(err, &ke) {
		return ke.kind, true
	}
	return 0, false
}
