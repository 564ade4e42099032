// Package errors provides standardized error handling for NodeKit components.
// It includes error classification, standard error variables, and helper
// functions for consistent wrapping across the data-access layer, plus the
// domain error types the CRUD engine surfaces to callers.
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Node and registry lookup errors
	ErrNodeNotFound     = errors.New("node not found")
	ErrNodeUnavailable  = errors.New("node not yet available")
	ErrKeyNotFound      = errors.New("registry key not found")
	ErrResolveTimeout   = errors.New("resolution timed out")
	ErrSchemaNotFound   = errors.New("schema not found")
	ErrGroupNotFound    = errors.New("owning group not found")
	ErrBucketNotFound   = errors.New("bucket not found")
	ErrNodeExists       = errors.New("node already exists")
	ErrRevisionConflict = errors.New("revision conflict (concurrent update)")

	// Data and configuration errors
	ErrInvalidData     = errors.New("invalid data format")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrInvalidIdentity = errors.New("invalid identifier")
	ErrWrongCoType     = errors.New("wrong node cotype for operation")

	// Lifecycle errors
	ErrSessionClosed  = errors.New("session already closed")
	ErrAlreadyStarted = errors.New("already started")
	ErrShuttingDown   = errors.New("shutting down")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error represents a timing condition that may
// resolve itself as replication progresses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	return errors.Is(err, ErrNodeUnavailable) ||
		errors.Is(err, ErrResolveTimeout) ||
		errors.Is(err, ErrRevisionConflict)
}

// IsInvalid checks if an error is due to invalid caller input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidIdentity) ||
		errors.Is(err, ErrWrongCoType)
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return false
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	switch {
	case IsFatal(err):
		return ErrorFatal
	case IsInvalid(err):
		return ErrorInvalid
	default:
		// Default to transient so unknown errors stay retryable
		return ErrorTransient
	}
}

// newClassified creates a new classified error.
// Internal helper - use WrapTransient(), WrapFatal(), or WrapInvalid() instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrapped, component, method, wrapped.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrapped, component, method, wrapped.Error())
}

// WrapInvalid wraps an error as invalid input with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		err = ErrInvalidData
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrapped, component, method, wrapped.Error())
}

// FieldViolation describes a single schema violation on a named field.
//
// Error codes are standardized:
//   - "required": field is required but missing
//   - "type": value doesn't match the descriptor's type
//   - "item": an element of a collection field failed validation
//   - "ref": a reference field does not hold a node id
type FieldViolation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ValidationError reports every field of a payload that violates its schema
// descriptor. It is always surfaced by the CRUD layer, never absorbed: a
// validation failure is a caller contract violation, not a timing condition.
type ValidationError struct {
	Schema     string
	Violations []FieldViolation
}

// Error implements the error interface, naming every offending field.
func (ve *ValidationError) Error() string {
	return fmt.Sprintf("validation against schema %q failed for fields: %s",
		ve.Schema, strings.Join(ve.Fields(), ", "))
}

// Fields returns the sorted names of all violated fields.
func (ve *ValidationError) Fields() []string {
	fields := make([]string, 0, len(ve.Violations))
	for _, v := range ve.Violations {
		fields = append(fields, v.Field)
	}
	sort.Strings(fields)
	return fields
}

// AsValidation extracts a ValidationError from an error chain.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	ok := errors.As(err, &ve)
	return ve, ok
}

// MembershipError reports an update/delete whose target node is absent from
// its expected collection. Always surfaced, never a silent no-op.
type MembershipError struct {
	NodeID     string
	Collection string
}

// Error implements the error interface
func (me *MembershipError) Error() string {
	return fmt.Sprintf("node %s is not a member of collection %s", me.NodeID, me.Collection)
}

// SchemaIntegrityError reports a node whose schema back-reference cannot
// itself be loaded. Surfaced, never silently treated as "no schema".
type SchemaIntegrityError struct {
	NodeID    string
	SchemaRef string
	Cause     error
}

// Error implements the error interface
func (se *SchemaIntegrityError) Error() string {
	return fmt.Sprintf("schema back-reference %s of node %s cannot be loaded: %v",
		se.SchemaRef, se.NodeID, se.Cause)
}

// Unwrap returns the underlying cause
func (se *SchemaIntegrityError) Unwrap() error {
	return se.Cause
}

// New is a convenience re-export so call sites don't need to import both
// this package and the standard library errors package.
func New(text string) error { return errors.New(text) }

// Is re-exports errors.Is.
func Is(err, target error) bool { return errors.Is(err, target) }

// As re-exports errors.As.
func As(err error, target any) bool { return errors.As(err, target) }
