package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a resolution or execution error for recovery logic.
type ErrorClass string

const (
	// ErrorClassConflict indicates two parts of the graph demand
	// incompatible things. Examples: version conflicts, provides conflicts.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassInvalid indicates a configuration rejected by a domain or a
	// recipe's validation step.
	ErrorClassInvalid ErrorClass = "invalid"

	// ErrorClassTransient indicates a temporary failure that may succeed on
	// retry. Examples: store I/O, network timeouts during source fetch.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: malformed recipes, missing versions, cycles.
	ErrorClassPermanent ErrorClass = "permanent"
)

// ResolveError is a classified error with package and stage context.
type ResolveError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Ref is the package reference the error concerns, if applicable.
	Ref string `json:"ref,omitempty"`

	// Operation is the resolution or lifecycle step being performed.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details carries structured context: conflicting paths, requested vs
	// available versions, cycle members.
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ResolveError) Error() string {
	if e.Ref != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (ref=%s, operation=%s)%s",
			e.Class, e.Message, e.Ref, e.Operation, e.unwrapSuffix())
	}
	if e.Ref != "" {
		return fmt.Sprintf("[%s] %s (ref=%s)%s", e.Class, e.Message, e.Ref, e.unwrapSuffix())
	}
	return fmt.Sprintf("[%s] %s%s", e.Class, e.Message, e.unwrapSuffix())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ResolveError) Unwrap() error {
	return e.Err
}

func (e *ResolveError) unwrapSuffix() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *ResolveError) Is(target error) bool {
	t, ok := target.(*ResolveError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *ResolveError {
	return &ResolveError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewInvalidError creates a new invalid-configuration error.
func NewInvalidError(message string, err error) *ResolveError {
	return &ResolveError{
		Class:   ErrorClassInvalid,
		Message: message,
		Err:     err,
	}
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *ResolveError {
	return &ResolveError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *ResolveError {
	return &ResolveError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithRef adds package reference context to an error.
func (e *ResolveError) WithRef(ref string) *ResolveError {
	e.Ref = ref
	return e
}

// WithOperation adds operation context to an error.
func (e *ResolveError) WithOperation(operation string) *ResolveError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *ResolveError) WithCode(code string) *ResolveError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *ResolveError) WithDetail(key string, value any) *ResolveError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// hasCode reports whether err is a ResolveError carrying the given code.
func hasCode(err error, code string) bool {
	var e *ResolveError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsVersionConflict reports an unresolvable version diamond.
func IsVersionConflict(err error) bool {
	return hasCode(err, ErrCodeVersionConflict)
}

// IsProvidesConflict reports two packages filling the same functional slot.
func IsProvidesConflict(err error) bool {
	return hasCode(err, ErrCodeProvidesConflict)
}

// IsDependencyCycle reports a requirement cycle.
func IsDependencyCycle(err error) bool {
	return hasCode(err, ErrCodeDependencyCycle)
}

// IsNoSatisfyingVersion reports a range with no usable candidate.
func IsNoSatisfyingVersion(err error) bool {
	return hasCode(err, ErrCodeNoSatisfyingVersion)
}

// IsInvalidConfiguration reports a domain or validation rejection.
func IsInvalidConfiguration(err error) bool {
	var e *ResolveError
	if errors.As(err, &e) {
		return e.Class == ErrorClassInvalid
	}
	return false
}

// IsRetryable reports whether the failed operation can be retried.
func IsRetryable(err error) bool {
	var e *ResolveError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// Error codes carried by ResolveError.
const (
	ErrCodeDomain               = "DOMAIN_ERROR"
	ErrCodeNoSatisfyingVersion  = "NO_SATISFYING_VERSION"
	ErrCodeAmbiguousRange       = "AMBIGUOUS_RANGE_SYNTAX"
	ErrCodeDependencyCycle      = "DEPENDENCY_CYCLE"
	ErrCodeVersionConflict      = "VERSION_CONFLICT"
	ErrCodeProvidesConflict     = "PROVIDES_CONFLICT"
	ErrCodeUnexpectedOverride   = "UNEXPECTED_OVERRIDE"
	ErrCodeInvalidConfiguration = "INVALID_CONFIGURATION"
	ErrCodePolicyViolation      = "POLICY_VIOLATION"
	ErrCodeRecipe               = "RECIPE_ERROR"
	ErrCodeStageFailed          = "STAGE_FAILED"
	ErrCodeDependencyFailed     = "DEPENDENCY_FAILED"
	ErrCodeStore                = "STORE_ERROR"
	ErrCodeDriver               = "DRIVER_ERROR"
	ErrCodeInternal             = "INTERNAL_ERROR"
)
