package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorClass represents the classification of an error for reporting and recovery.
type ErrorClass string

const (
	// ErrorClassExpected indicates an outcome the caller is expected to handle.
	// Examples: an install intent for a package that is already installed.
	ErrorClassExpected ErrorClass = "expected"

	// ErrorClassUnsatisfiable indicates that resolution could not produce a
	// consistent change set. Never retried automatically.
	ErrorClassUnsatisfiable ErrorClass = "unsatisfiable"

	// ErrorClassAcquisition indicates that one or more artifacts could not be fetched.
	ErrorClassAcquisition ErrorClass = "acquisition"

	// ErrorClassBackend indicates a backend failed while committing its partition.
	ErrorClassBackend ErrorClass = "backend"

	// ErrorClassLock indicates a blocking lock request failed.
	ErrorClassLock ErrorClass = "lock"

	// ErrorClassPermanent indicates a non-recoverable usage or configuration error.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassInternal indicates a broken internal contract.
	ErrorClassInternal ErrorClass = "internal"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Package is the package that caused the error, if applicable.
	Package string `json:"package,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Class, e.Message))
	if e.Package != "" && e.Operation != "" {
		sb.WriteString(fmt.Sprintf(" (package=%s, operation=%s)", e.Package, e.Operation))
	} else if e.Package != "" {
		sb.WriteString(fmt.Sprintf(" (package=%s)", e.Package))
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// Chain returns the diagnostic chain attached to an unsatisfiable error.
func (e *EngineError) Chain() []string {
	if chain, ok := e.Details["chain"].([]string); ok {
		return chain
	}
	return nil
}

func newError(class ErrorClass, code, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAlreadySatisfiedError creates an expected error for an intent that is already met.
func NewAlreadySatisfiedError(pkg *Package, action Action) *EngineError {
	return newError(ErrorClassExpected, ErrCodeAlreadySatisfied,
		fmt.Sprintf("%s is already in the requested state", pkg), nil).
		WithPackage(pkg.String()).
		WithOperation(string(action))
}

// NewUnsatisfiableError creates a resolution failure carrying a diagnostic chain.
func NewUnsatisfiableError(message string, chain []string) *EngineError {
	return newError(ErrorClassUnsatisfiable, ErrCodeUnsatisfiable, message, nil).
		WithDetail("chain", chain)
}

// NewConflictError creates a resolution failure for a conflict the policy could not resolve.
func NewConflictError(message string, chain []string, err error) *EngineError {
	return newError(ErrorClassUnsatisfiable, ErrCodeConflictUnresolved, message, err).
		WithDetail("chain", chain)
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, "", message, err)
}

// NewInternalError creates an error for a violated internal contract.
func NewInternalError(message string, err error) *EngineError {
	return newError(ErrorClassInternal, ErrCodeInternal, message, err)
}

// NewLockError creates an error for a failed blocking lock request.
func NewLockError(path string, err error) *EngineError {
	return newError(ErrorClassLock, ErrCodeLockFailed,
		fmt.Sprintf("failed to lock %s", path), err).
		WithDetail("path", path)
}

// WithPackage adds package context to an error.
func (e *EngineError) WithPackage(pkg string) *EngineError {
	e.Package = pkg
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// AcquisitionError lists every URL the fetch service could not retrieve.
type AcquisitionError struct {
	// Failed maps each unreachable URL to the reason reported by the fetcher.
	Failed map[string]string
}

// URLs returns the failed URLs in sorted order.
func (e *AcquisitionError) URLs() []string {
	urls := make([]string, 0, len(e.Failed))
	for url := range e.Failed {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

func (e *AcquisitionError) Error() string {
	var sb strings.Builder
	sb.WriteString("failed to download packages:")
	for _, url := range e.URLs() {
		sb.WriteString("\n    ")
		sb.WriteString(url)
		if reason := e.Failed[url]; reason != "" {
			sb.WriteString(": ")
			sb.WriteString(reason)
		}
	}
	return sb.String()
}

// NewAcquisitionError wraps the failed URL set in a classified error.
func NewAcquisitionError(failed map[string]string) *EngineError {
	acq := &AcquisitionError{Failed: make(map[string]string, len(failed))}
	for url, reason := range failed {
		acq.Failed[url] = reason
	}
	return newError(ErrorClassAcquisition, ErrCodeAcquisitionFailed,
		fmt.Sprintf("%d artifact(s) could not be fetched", len(failed)), acq).
		WithDetail("urls", acq.URLs())
}

// BackendCommitError identifies the backend whose commit failed.
type BackendCommitError struct {
	Backend BackendKind
	Err     error
}

func (e *BackendCommitError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Backend, e.Err)
}

func (e *BackendCommitError) Unwrap() error {
	return e.Err
}

// NewBackendCommitError wraps a backend failure in a classified error.
func NewBackendCommitError(kind BackendKind, err error) *EngineError {
	return newError(ErrorClassBackend, ErrCodeBackendFailed,
		fmt.Sprintf("commit failed in backend %s", kind),
		&BackendCommitError{Backend: kind, Err: err}).
		WithOperation("commit").
		WithDetail("backend", string(kind))
}

// IsAlreadySatisfied returns true if the error reports an already satisfied intent.
func IsAlreadySatisfied(err error) bool {
	return hasCode(err, ErrorClassExpected, ErrCodeAlreadySatisfied)
}

// IsUnsatisfiable returns true for resolution failures, including unresolved conflicts.
func IsUnsatisfiable(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassUnsatisfiable
	}
	return false
}

// IsConflictUnresolved returns true if resolution failed on a conflict.
func IsConflictUnresolved(err error) bool {
	return hasCode(err, ErrorClassUnsatisfiable, ErrCodeConflictUnresolved)
}

// IsAcquisitionFailure returns true if artifacts could not be fetched.
func IsAcquisitionFailure(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassAcquisition
	}
	return false
}

// IsBackendFailure returns true if a backend commit failed.
func IsBackendFailure(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassBackend
	}
	return false
}

// IsLockFailure returns true if a blocking lock request failed.
func IsLockFailure(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassLock
	}
	return false
}

// IsInternal returns true if the error reports a broken internal contract.
func IsInternal(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassInternal
	}
	return false
}

func hasCode(err error, class ErrorClass, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class && e.Code == code
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeAlreadySatisfied    = "ALREADY_SATISFIED"
	ErrCodeUnsatisfiable       = "UNSATISFIABLE"
	ErrCodeConflictUnresolved  = "CONFLICT_UNRESOLVED"
	ErrCodeAcquisitionFailed   = "ACQUISITION_FAILED"
	ErrCodeBackendFailed       = "BACKEND_FAILED"
	ErrCodeBackendUnregistered = "BACKEND_UNREGISTERED"
	ErrCodeLoaderFailed        = "LOADER_FAILED"
	ErrCodeLockFailed          = "LOCK_FAILED"
	ErrCodeStaleTransaction    = "STALE_TRANSACTION"
	ErrCodeNotResolved         = "NOT_RESOLVED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)
