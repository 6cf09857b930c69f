package gerror

import (
	"errors"
	"net/http"
)

const (
	ErrCodeInternal              Code = "Internal"
	ErrCodeValidationFailed      Code = "ValidationFailed"
	ErrCodeInvalidQueryParameter Code = "InvalidQueryParameter"
	ErrCodeNotFound              Code = "NotFound"
	ErrCodeUnauthorized          Code = "Unauthorized"
	ErrCodeForbidden             Code = "Forbidden"
	ErrCodeAlreadyExists         Code = "AlreadyExists"
	ErrCodeOptimisticLockFailed  Code = "OptimisticLockFailed"
	ErrCodeTimeout               Code = "Timeout"
	ErrCodeStorageUnavailable    Code = "StorageUnavailable"
	ErrCodeRunCancelled          Code = "RunCancelled"
	ErrCodeWorkerNotEnlisted     Code = "WorkerNotEnlisted"
)

// NewErrInternal is the catch-all error for unexpected failures. The message shown
// to callers is deliberately generic; the real cause stays in the log.
func NewErrInternal() Error {
	return NewError(
		"Internal server error",
		AudienceExternal,
		ErrCodeInternal,
		http.StatusInternalServerError,
		nil)
}

func IsInternal(err error) bool {
	return isErrWithCode(err, ErrCodeInternal)
}

func ToInternal(err error) *Error {
	return toErrWithCode(err, ErrCodeInternal)
}

func NewErrValidationFailed(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeValidationFailed, http.StatusBadRequest, nil)
}

func IsValidationFailed(err error) bool {
	return isErrWithCode(err, ErrCodeValidationFailed)
}

func ToValidationFailed(err error) *Error {
	return toErrWithCode(err, ErrCodeValidationFailed)
}

func NewErrInvalidQueryParameter(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeInvalidQueryParameter, http.StatusBadRequest, nil)
}

func IsInvalidQueryParameter(err error) bool {
	return isErrWithCode(err, ErrCodeInvalidQueryParameter)
}

func ToInvalidQueryParameter(err error) *Error {
	return toErrWithCode(err, ErrCodeInvalidQueryParameter)
}

func NewErrNotFound(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeNotFound, http.StatusNotFound, nil)
}

func IsNotFound(err error) bool {
	return isErrWithCode(err, ErrCodeNotFound)
}

func ToNotFound(err error) *Error {
	return toErrWithCode(err, ErrCodeNotFound)
}

func NewErrUnauthorized(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeUnauthorized, http.StatusUnauthorized, nil)
}

func IsUnauthorized(err error) bool {
	return isErrWithCode(err, ErrCodeUnauthorized)
}

func ToUnauthorized(err error) *Error {
	return toErrWithCode(err, ErrCodeUnauthorized)
}

func NewErrForbidden(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeForbidden, http.StatusForbidden, nil)
}

func IsForbidden(err error) bool {
	return isErrWithCode(err, ErrCodeForbidden)
}

func ToForbidden(err error) *Error {
	return toErrWithCode(err, ErrCodeForbidden)
}

func NewErrAlreadyExists(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeAlreadyExists, http.StatusBadRequest, nil)
}

func IsAlreadyExists(err error) bool {
	return isErrWithCode(err, ErrCodeAlreadyExists)
}

func ToAlreadyExists(err error) *Error {
	return toErrWithCode(err, ErrCodeAlreadyExists)
}

func NewErrOptimisticLockFailed(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeOptimisticLockFailed, http.StatusPreconditionFailed, nil)
}

func IsOptimisticLockFailed(err error) bool {
	return isErrWithCode(err, ErrCodeOptimisticLockFailed)
}

func ToOptimisticLockFailed(err error) *Error {
	return toErrWithCode(err, ErrCodeOptimisticLockFailed)
}

func NewErrTimeout(description string) Error {
	return NewError("Timeout: "+description, AudienceInternal, ErrCodeTimeout, http.StatusInternalServerError, nil)
}

func IsTimeout(err error) bool {
	return isErrWithCode(err, ErrCodeTimeout)
}

func ToTimeout(err error) *Error {
	return toErrWithCode(err, ErrCodeTimeout)
}

// NewErrStorageUnavailable is returned after the blob store adapter has exhausted
// its retries against a transiently failing backend.
func NewErrStorageUnavailable(message string, err error) Error {
	return NewError(message, AudienceInternal, ErrCodeStorageUnavailable, http.StatusInternalServerError, err)
}

func IsStorageUnavailable(err error) bool {
	return isErrWithCode(err, ErrCodeStorageUnavailable)
}

func ToStorageUnavailable(err error) *Error {
	return toErrWithCode(err, ErrCodeStorageUnavailable)
}

// NewErrRunCancelled signals that a queued or running run has been moved to
// CANCELLING and the worker should stop reporting progress for it.
func NewErrRunCancelled(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeRunCancelled, http.StatusConflict, nil)
}

func IsRunCancelled(err error) bool {
	return isErrWithCode(err, ErrCodeRunCancelled)
}

func ToRunCancelled(err error) *Error {
	return toErrWithCode(err, ErrCodeRunCancelled)
}

func NewErrWorkerNotEnlisted() Error {
	return NewError(
		"Worker is not enlisted",
		AudienceExternal,
		ErrCodeWorkerNotEnlisted,
		http.StatusForbidden,
		nil)
}

func IsWorkerNotEnlisted(err error) bool {
	return isErrWithCode(err, ErrCodeWorkerNotEnlisted)
}

func ToWorkerNotEnlisted(err error) *Error {
	return toErrWithCode(err, ErrCodeWorkerNotEnlisted)
}

func isErrWithCode(err error, code Code) bool {
	return toErrWithCode(err, code) != nil
}

func toErrWithCode(err error, code Code) *Error {
	var gerr Error
	if errors.As(err, &gerr) && gerr.Code() == code {
		return &gerr
	}
	return nil
}
