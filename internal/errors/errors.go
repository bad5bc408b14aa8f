package errors

import (
	"errors"
)

type ErrorCode string

const (
	// CodeTransient marks failures worth retrying against the row's budget:
	// timeouts, 5xx responses, a busy node, a failed signing attempt.
	CodeTransient ErrorCode = "transient"
	// CodePermanent marks failures that can never succeed on retry; the
	// owning batch goes straight to FAILED.
	CodePermanent ErrorCode = "permanent"
	// CodeStore marks failures of the store itself. They are not attributable
	// to the row being processed and never consume its retry budget.
	CodeStore ErrorCode = "store"
)

type ServiceError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (se *ServiceError) Error() string {
	return se.Message
}

func (se *ServiceError) Unwrap() error {
	return se.Err
}

func Transient(message string, err error) *ServiceError {
	return &ServiceError{Code: CodeTransient, Message: message, Err: err}
}

func Permanent(message string, err error) *ServiceError {
	return &ServiceError{Code: CodePermanent, Message: message, Err: err}
}

func Store(message string, err error) *ServiceError {
	return &ServiceError{Code: CodeStore, Message: message, Err: err}
}

func codeOf(err error) ErrorCode {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Code
	}
	// Unclassified errors retry against the row's budget.
	return CodeTransient
}

func IsPermanent(err error) bool {
	return codeOf(err) == CodePermanent
}

func IsStore(err error) bool {
	return codeOf(err) == CodeStore
}
