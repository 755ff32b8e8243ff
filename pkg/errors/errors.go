// Package errors defines the typed error taxonomy shared by every HTM
// component. Public operations return either a value or an *AppError;
// nothing in the core panics across a package boundary.
package errors

import "fmt"

// ErrorType enumerates the error categories surfaced by HTM operations.
type ErrorType string

const (
	ErrorTypeValidation        ErrorType = "VALIDATION"
	ErrorTypeNotFound          ErrorType = "NOT_FOUND"
	ErrorTypeResourceExhausted ErrorType = "RESOURCE_EXHAUSTED"
	ErrorTypeEmbeddingFailed   ErrorType = "EMBEDDING_FAILED"
	ErrorTypeTagFailed         ErrorType = "TAG_FAILED"
	ErrorTypePropositionFailed ErrorType = "PROPOSITION_FAILED"
	ErrorTypeCircuitOpen       ErrorType = "CIRCUIT_OPEN"
	ErrorTypeDatabase          ErrorType = "DATABASE"
	ErrorTypeConfiguration     ErrorType = "CONFIGURATION"
	ErrorTypeAuthorization     ErrorType = "AUTHORIZATION"
)

// AppError is the custom error type returned by HTM operations.
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	// QueryTimeout distinguishes the query-timeout subtype of ErrorTypeDatabase.
	QueryTimeout bool
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap allows errors.Is and errors.As to work.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Constructor functions for the different error types.

func NewValidation(message string) error {
	return &AppError{Type: ErrorTypeValidation, Message: message}
}

func NewNotFound(message string) error {
	return &AppError{Type: ErrorTypeNotFound, Message: message}
}

func NewResourceExhausted(message string) error {
	return &AppError{Type: ErrorTypeResourceExhausted, Message: message}
}

func NewEmbeddingFailed(message string, err error) error {
	return &AppError{Type: ErrorTypeEmbeddingFailed, Message: message, Err: err}
}

func NewTagFailed(message string, err error) error {
	return &AppError{Type: ErrorTypeTagFailed, Message: message, Err: err}
}

func NewPropositionFailed(message string, err error) error {
	return &AppError{Type: ErrorTypePropositionFailed, Message: message, Err: err}
}

func NewCircuitOpen(service string) error {
	return &AppError{Type: ErrorTypeCircuitOpen, Message: fmt.Sprintf("circuit open for %s", service)}
}

func NewDatabase(message string, err error) error {
	return &AppError{Type: ErrorTypeDatabase, Message: message, Err: err}
}

// NewQueryTimeout builds the query-timeout subtype of ErrorTypeDatabase.
func NewQueryTimeout(message string, err error) error {
	return &AppError{Type: ErrorTypeDatabase, Message: message, Err: err, QueryTimeout: true}
}

func NewConfiguration(message string) error {
	return &AppError{Type: ErrorTypeConfiguration, Message: message}
}

func NewAuthorization(message string) error {
	return &AppError{Type: ErrorTypeAuthorization, Message: message}
}

// Wrap wraps an error with additional context, preserving its type when err
// is already an *AppError.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return &AppError{
			Type:         appErr.Type,
			Message:      fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:          appErr.Err,
			QueryTimeout: appErr.QueryTimeout,
		}
	}
	return &AppError{Type: ErrorTypeDatabase, Message: message, Err: err}
}

// Type-checking functions.

func IsValidation(err error) bool { return isType(err, ErrorTypeValidation) }
func IsNotFound(err error) bool   { return isType(err, ErrorTypeNotFound) }

func IsResourceExhausted(err error) bool { return isType(err, ErrorTypeResourceExhausted) }
func IsEmbeddingFailed(err error) bool   { return isType(err, ErrorTypeEmbeddingFailed) }
func IsTagFailed(err error) bool         { return isType(err, ErrorTypeTagFailed) }
func IsPropositionFailed(err error) bool { return isType(err, ErrorTypePropositionFailed) }
func IsCircuitOpen(err error) bool       { return isType(err, ErrorTypeCircuitOpen) }
func IsDatabase(err error) bool          { return isType(err, ErrorTypeDatabase) }
func IsConfiguration(err error) bool     { return isType(err, ErrorTypeConfiguration) }
func IsAuthorization(err error) bool     { return isType(err, ErrorTypeAuthorization) }

// IsQueryTimeout reports whether err is the query-timeout subtype of
// ErrorTypeDatabase.
func IsQueryTimeout(err error) bool {
	appErr, ok := err.(*AppError)
	return ok && appErr.Type == ErrorTypeDatabase && appErr.QueryTimeout
}

func isType(err error, t ErrorType) bool {
	appErr, ok := err.(*AppError)
	return ok && appErr.Type == t
}
