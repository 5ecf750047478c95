package errors

import (
	"errors"
	"fmt"
)

// Error types for classifying fleet, companion and registry failures

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeNoTarget        ErrorType = "no_target"
	ErrorTypeAmbiguousTarget ErrorType = "ambiguous_target"
	ErrorTypeUnknownDevice   ErrorType = "unknown_device"
	ErrorTypeNoLauncher      ErrorType = "no_launcher"
	ErrorTypeSpawn           ErrorType = "spawn"
	ErrorTypeConnect         ErrorType = "connect"
	ErrorTypeDescribe        ErrorType = "describe"
	ErrorTypeValidation      ErrorType = "validation"
	ErrorTypeIO              ErrorType = "io"
	ErrorTypeInternal        ErrorType = "internal"
	ErrorTypeCancelled       ErrorType = "cancelled"
)

// DomainError represents a structured error with type and context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Target resolution errors
//
// NoTarget and AmbiguousTarget both carry the currently known udid set so a
// caller can render a message that lets a human correct the request.

func NewNoTargetError(knownUDIDs []string) *DomainError {
	return NewDomainError(ErrorTypeNoTarget,
		"no udid provided and no companions are known, please specify a udid", nil).
		WithContext("known_udids", knownUDIDs)
}

func NewAmbiguousTargetError(knownUDIDs []string) *DomainError {
	return NewDomainError(ErrorTypeAmbiguousTarget,
		fmt.Sprintf("no udid provided and there are multiple companions to run against %v, please specify a udid", knownUDIDs), nil).
		WithContext("known_udids", knownUDIDs)
}

func NewUnknownDeviceError(udid string, knownUDIDs []string) *DomainError {
	return NewDomainError(ErrorTypeUnknownDevice,
		fmt.Sprintf("cannot spawn companion for %s, no matching target in available udids %v", udid, knownUDIDs), nil).
		WithContext("udid", udid).
		WithContext("known_udids", knownUDIDs)
}

// Companion lifecycle errors

func NewNoLauncherError(udid string) *DomainError {
	return NewDomainError(ErrorTypeNoLauncher,
		fmt.Sprintf("cannot spawn companion for %s, no companion executable configured", udid), nil).
		WithContext("udid", udid)
}

func NewSpawnError(udid string, cause error) *DomainError {
	return NewDomainError(ErrorTypeSpawn,
		fmt.Sprintf("spawning companion for %s failed", udid), cause).
		WithContext("udid", udid)
}

func NewConnectError(address string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConnect,
		fmt.Sprintf("connecting to companion at %s failed", address), cause).
		WithContext("address", address)
}

func NewDescribeError(address string, cause error) *DomainError {
	return NewDomainError(ErrorTypeDescribe,
		fmt.Sprintf("companion at %s failed to describe its target", address), cause).
		WithContext("address", address)
}

// System errors

func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

// Error checking helpers
func IsNoTargetError(err error) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == ErrorTypeNoTarget
}

func IsAmbiguousTargetError(err error) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == ErrorTypeAmbiguousTarget
}

func IsUnknownDeviceError(err error) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == ErrorTypeUnknownDevice
}

func IsNoLauncherError(err error) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == ErrorTypeNoLauncher
}

func IsSpawnError(err error) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == ErrorTypeSpawn
}

func IsConnectError(err error) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == ErrorTypeConnect
}

func IsDescribeError(err error) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == ErrorTypeDescribe
}

func IsValidationError(err error) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == ErrorTypeValidation
}

func IsIOError(err error) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == ErrorTypeIO
}

func IsInternalError(err error) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == ErrorTypeInternal
}

func IsCancelledError(err error) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == ErrorTypeCancelled
}

// Error aggregation for bulk operations
type ErrorCollection struct {
	Errors []error
}

func (e *ErrorCollection) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(e.Errors), e.Errors[0])
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// NewErrorCollection creates a new error collection
func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{
		Errors: make([]error, 0),
	}
}
