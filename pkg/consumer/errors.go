package consumer

import (
	"errors"

	"github.com/hashstack/foreman/pkg/types"
)

// classifiedError tags a handler failure with an error kind so the
// runtime can decide between retrying and dead-lettering
type classifiedError struct {
	kind types.ErrorKind
	err  error
}

func (e *classifiedError) Error() string { return string(e.kind) + ": " + e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Transient marks an error as retryable (broker hiccup, lock timeout,
// transient storage failure)
func Transient(err error) error {
	return &classifiedError{kind: types.ErrorKindTransient, err: err}
}

// Permanent marks an error as non-retryable; the event goes straight
// to the DLQ
func Permanent(err error) error {
	return &classifiedError{kind: types.ErrorKindPermanent, err: err}
}

// Poison marks an event as structurally unprocessable (bad payload)
func Poison(err error) error {
	return &classifiedError{kind: types.ErrorKindPoison, err: err}
}

// Classify extracts the error kind from a handler error. Unclassified
// errors default to transient so a forgotten wrapper errs on the side
// of retrying.
func Classify(err error) types.ErrorKind {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.kind
	}
	return types.ErrorKindTransient
}

// retryable reports whether a failure of this kind should consume a
// retry attempt rather than dead-letter immediately
func retryable(kind types.ErrorKind) bool {
	return kind == types.ErrorKindTransient
}
