// Package domerr defines the stable error vocabulary of the Core.
// Every user-visible failure is a DomainError carrying a stable code and an
// HTTP status; translation from lower-level failures happens at subsystem
// boundaries, never in handlers.
package domerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, user-visible error code.
type Code string

const (
	CodeInternal                  Code = "INTERNAL_ERROR"
	CodeNotFound                  Code = "NOT_FOUND"
	CodeUnauthorized              Code = "UNAUTHORIZED"
	CodeAccessDenied              Code = "ACCESS_DENIED"
	CodeInvalidRequest            Code = "INVALID_REQUEST"
	CodeInvalidCursor             Code = "INVALID_CURSOR"
	CodeInvalidBootstrapToken     Code = "INVALID_BOOTSTRAP_TOKEN"
	CodeBootstrapAlreadyCompleted Code = "BOOTSTRAP_ALREADY_COMPLETED"
	CodeAuthInvalidCredentials    Code = "AUTH_INVALID_CREDENTIALS"
	CodeUserAlreadyExists         Code = "USER_ALREADY_EXISTS"
	CodeRoleOrgMismatch           Code = "ROLE_ORG_MISMATCH"
	CodeRoleNameConflict          Code = "ROLE_NAME_CONFLICT"
	CodeRoleBuiltinReadonly       Code = "ROLE_BUILTIN_READONLY"
	CodeInvitationNotFound        Code = "INVITATION_NOT_FOUND"
	CodeInvitationAlreadyAccepted Code = "INVITATION_ALREADY_ACCEPTED"
	CodeInvitationExpired         Code = "INVITATION_EXPIRED"
	CodeInvalidCallDepth          Code = "INVALID_CALL_DEPTH"
	CodeTaskCreationFailed        Code = "TASK_CREATION_FAILED"
	CodeResultSubmissionFailed    Code = "RESULT_SUBMISSION_FAILED"
	CodeTaskNotFound              Code = "TASK_NOT_FOUND"
	CodeAuditBackpressure         Code = "AUDIT_BACKPRESSURE"
	CodeTransactionAborted        Code = "TRANSACTION_ABORTED"
)

// statusTable maps every code to its HTTP status. Codes absent from the table
// are programming errors and resolve to 500.
var statusTable = map[Code]int{
	CodeInternal:                  http.StatusInternalServerError,
	CodeNotFound:                  http.StatusNotFound,
	CodeUnauthorized:              http.StatusUnauthorized,
	CodeAccessDenied:              http.StatusForbidden,
	CodeInvalidRequest:            http.StatusBadRequest,
	CodeInvalidCursor:             http.StatusBadRequest,
	CodeInvalidBootstrapToken:     http.StatusBadRequest,
	CodeBootstrapAlreadyCompleted: http.StatusConflict,
	CodeAuthInvalidCredentials:    http.StatusUnauthorized,
	CodeUserAlreadyExists:         http.StatusConflict,
	CodeRoleOrgMismatch:           http.StatusBadRequest,
	CodeRoleNameConflict:          http.StatusConflict,
	CodeRoleBuiltinReadonly:       http.StatusBadRequest,
	CodeInvitationNotFound:        http.StatusNotFound,
	CodeInvitationAlreadyAccepted: http.StatusConflict,
	CodeInvitationExpired:         http.StatusGone,
	CodeInvalidCallDepth:          http.StatusBadRequest,
	CodeTaskCreationFailed:        http.StatusInternalServerError,
	CodeResultSubmissionFailed:    http.StatusInternalServerError,
	CodeTaskNotFound:              http.StatusNotFound,
	CodeAuditBackpressure:         http.StatusServiceUnavailable,
	CodeTransactionAborted:        http.StatusConflict,
}

// DomainError is the tagged error value used across the Core.
type DomainError struct {
	Code    Code
	Status  int
	Message string
	Cause   error
}

// New creates a DomainError for a code, resolving its HTTP status from the
// table.
func New(code Code, message string) *DomainError {
	status, ok := statusTable[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &DomainError{Code: code, Status: status, Message: message}
}

// Wrap creates a DomainError with an underlying cause preserved for
// errors.Is/As.
func Wrap(code Code, message string, cause error) *DomainError {
	e := New(code, message)
	e.Cause = cause
	return e
}

func (e *DomainError) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *DomainError) Unwrap() error { return e.Cause }

// Is matches on code so sentinel comparison works across wrap layers.
func (e *DomainError) Is(target error) bool {
	var de *DomainError
	if errors.As(target, &de) {
		return de.Code == e.Code
	}
	return false
}

// From extracts a DomainError from err, or converts unknown errors to
// INTERNAL_ERROR with the origin preserved as the cause.
func From(err error) *DomainError {
	if err == nil {
		return nil
	}
	var de *DomainError
	if errors.As(err, &de) {
		return de
	}
	return Wrap(CodeInternal, "unexpected failure", err)
}

// StatusOf returns the HTTP status an error maps to. A nil error is 200.
func StatusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return From(err).Status
}
