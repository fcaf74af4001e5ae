/*
 * Sandbox VM Manager - Error Handling
 * Copyright (c) 2026 Quartz Cloud
 * All rights reserved.
 */

package errors

import (
	"errors"
	"fmt"
)

// Error types for better error handling and categorization
type ErrorType string

const (
	ErrTypeValidation          ErrorType = "validation"
	ErrTypeConflict            ErrorType = "conflict"
	ErrTypeInvalidState        ErrorType = "invalid_state"
	ErrTypeProvider            ErrorType = "provider"
	ErrTypeProviderUnavailable ErrorType = "provider_unavailable"
	ErrTypeNotFound            ErrorType = "not_found"
	ErrTypeStore               ErrorType = "store"
	ErrTypeInternal            ErrorType = "internal"
)

// ServiceError represents a custom application error with context
type ServiceError struct {
	Type      ErrorType              `json:"type"`
	Message   string                 `json:"message"`
	Operation string                 `json:"operation"`
	Component string                 `json:"component,omitempty"`
	Cause     error                  `json:"cause,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (caused by: %v)", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause for error wrapping
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// New creates a new ServiceError
func New(errType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errType,
		Message:   message,
		Operation: operation,
		Context:   make(map[string]interface{}),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errType,
		Message:   message,
		Operation: operation,
		Cause:     err,
		Context:   make(map[string]interface{}),
	}
}

// WithComponent adds component information to the error
func (e *ServiceError) WithComponent(component string) *ServiceError {
	e.Component = component
	return e
}

// WithContext adds context information to the error
func (e *ServiceError) WithContext(key string, value interface{}) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Validation error constructors
func NewValidationError(operation, message string) *ServiceError {
	return New(ErrTypeValidation, operation, message)
}

// Conflict error constructors: a lifecycle operation is already in flight for
// the VM. Callers are expected to retry after backoff.
func NewConflictError(operation, vmID string) *ServiceError {
	return New(ErrTypeConflict, operation, "conflicting operation in progress").WithContext("vm_id", vmID)
}

// InvalidState error constructors: the requested transition is illegal from
// the VM's current state. Not retried.
func NewInvalidStateError(operation, vmID, current string) *ServiceError {
	return New(ErrTypeInvalidState, operation, fmt.Sprintf("transition not allowed from state %s", current)).
		WithContext("vm_id", vmID).
		WithContext("current_state", current)
}

// Provider error constructors
func NewProviderError(operation, message string) *ServiceError {
	return New(ErrTypeProvider, operation, message)
}

func WrapProviderError(err error, operation, message string) *ServiceError {
	return Wrap(err, ErrTypeProvider, operation, message)
}

// ProviderUnavailable error constructors: transient upstream failure, safe to
// retry with backoff; state is left untouched.
func NewProviderUnavailableError(operation, message string) *ServiceError {
	return New(ErrTypeProviderUnavailable, operation, message)
}

func WrapProviderUnavailableError(err error, operation, message string) *ServiceError {
	return Wrap(err, ErrTypeProviderUnavailable, operation, message)
}

// NotFound error constructors
func NewNotFoundError(operation, message string) *ServiceError {
	return New(ErrTypeNotFound, operation, message)
}

func WrapNotFoundError(err error, operation, message string) *ServiceError {
	return Wrap(err, ErrTypeNotFound, operation, message)
}

// Store error constructors
func NewStoreError(operation, message string) *ServiceError {
	return New(ErrTypeStore, operation, message)
}

func WrapStoreError(err error, operation, message string) *ServiceError {
	return Wrap(err, ErrTypeStore, operation, message)
}

// Internal error constructors
func NewInternalError(operation, message string) *ServiceError {
	return New(ErrTypeInternal, operation, message)
}

func WrapInternalError(err error, operation, message string) *ServiceError {
	return Wrap(err, ErrTypeInternal, operation, message)
}

// IsType checks if an error is of a specific type
func IsType(err error, errType ErrorType) bool {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Type == errType
	}
	return false
}

// GetType returns the error type if it's a ServiceError, otherwise ErrTypeInternal
func GetType(err error) ErrorType {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Type
	}
	return ErrTypeInternal
}

// GetContext returns the error context if it's a ServiceError
func GetContext(err error) map[string]interface{} {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Context
	}
	return nil
}
