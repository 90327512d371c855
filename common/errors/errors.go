package errors

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
)

// Thin wrapper over pkg/errors so the rest of the codebase imports a single
// errors package.

func New(message string) error { return pkgerrors.New(message) }

func Errorf(format string, args ...interface{}) error {
	return pkgerrors.Errorf(format, args...)
}

func Wrap(err error, message string) error { return pkgerrors.Wrap(err, message) }

func Wrapf(err error, format string, args ...interface{}) error {
	return pkgerrors.Wrapf(err, format, args...)
}

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target interface{}) bool { return stderrors.As(err, target) }

func Cause(err error) error { return pkgerrors.Cause(err) }

// ValidationError reports malformed or out-of-range request parameters.
// Never retried, surfaced to the caller immediately.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

func Validation(reason string) error { return &ValidationError{Reason: reason} }

func Validationf(format string, args ...interface{}) error {
	return &ValidationError{Reason: pkgerrors.Errorf(format, args...).Error()}
}

// EncryptError reports a failure encrypting a payload to a peer key.
type EncryptError struct {
	Err error
}

func (e *EncryptError) Error() string { return "encrypt: " + e.Err.Error() }
func (e *EncryptError) Unwrap() error { return e.Err }

// DecryptError reports a failure decrypting event content. The original
// error is retained as the cause.
type DecryptError struct {
	Err error
}

func (e *DecryptError) Error() string { return "decrypt: " + e.Err.Error() }
func (e *DecryptError) Unwrap() error { return e.Err }

// PublishError reports that every configured relay rejected an event.
type PublishError struct {
	Reason string
}

func (e *PublishError) Error() string { return "publish: " + e.Reason }

// QueryError reports that a relay query could not be issued at all.
// Partial results from a subset of relays are not a QueryError.
type QueryError struct {
	Reason string
}

func (e *QueryError) Error() string { return "query: " + e.Reason }

// MalformedEventError reports an incoming event that fails structural
// decoding. Such events are logged and dropped by subscriptions.
type MalformedEventError struct {
	Reason string
}

func (e *MalformedEventError) Error() string { return "malformed event: " + e.Reason }

func Malformed(reason string) error { return &MalformedEventError{Reason: reason} }

// Response writes err as a JSON error response, mapping the broker error
// taxonomy to HTTP status codes.
func Response(ctx *gin.Context, err error) {
	status := http.StatusInternalServerError

	var (
		validation *ValidationError
		malformed  *MalformedEventError
		publish    *PublishError
		query      *QueryError
	)
	switch {
	case As(err, &validation), As(err, &malformed):
		status = http.StatusBadRequest
	case As(err, &publish), As(err, &query):
		status = http.StatusBadGateway
	}

	ctx.JSON(status, gin.H{"error": err.Error()})
}
