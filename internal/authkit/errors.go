package authkit

import (
	"errors"
	"net/http"
)

// ErrorKind classifies service failures for transport mapping.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindAuthentication ErrorKind = "authentication"
	KindAuthorization  ErrorKind = "authorization"
	KindNotFound       ErrorKind = "not_found"
	KindConflict       ErrorKind = "conflict"
	KindInternal       ErrorKind = "internal"
)

// Stable machine-readable reasons returned to clients.
const (
	CodeInvalidRequest     = "request.invalid"
	CodeInvalidCredentials = "auth.invalid_credentials"
	CodeDuplicateEmail     = "auth.duplicate_email"
	CodeRoleNotAllowed     = "auth.role_not_allowed"
	CodeMissingToken       = "auth.missing_token"
	CodeInvalidToken       = "auth.invalid_token"
	CodeForbidden          = "auth.forbidden"
	CodeUserNotFound       = "auth.user_not_found"
	CodeRefreshInvalid     = "refresh.invalid_token"
	CodeRefreshRevoked     = "refresh.token_revoked"
	CodeRefreshExpired     = "refresh.token_expired"
	CodeInternal           = "internal.error"
)

// ServiceError carries a taxonomy kind, a stable code, and a human-readable message.
type ServiceError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (serviceError *ServiceError) Error() string {
	if serviceError.Err != nil {
		return serviceError.Code + ": " + serviceError.Err.Error()
	}
	return serviceError.Code
}

func (serviceError *ServiceError) Unwrap() error {
	return serviceError.Err
}

// HTTPStatus maps the error kind onto a response status.
func (serviceError *ServiceError) HTTPStatus() int {
	switch serviceError.Kind {
	case KindValidation, KindConflict:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// AsServiceError extracts a ServiceError, wrapping anything else as internal.
func AsServiceError(err error) *ServiceError {
	var serviceError *ServiceError
	if errors.As(err, &serviceError) {
		return serviceError
	}
	return internalError(err)
}

func newServiceError(kind ErrorKind, code string, message string, cause error) *ServiceError {
	return &ServiceError{Kind: kind, Code: code, Message: message, Err: cause}
}

func validationError(code string, message string) *ServiceError {
	return newServiceError(KindValidation, code, message, nil)
}

func authenticationError(code string, message string, cause error) *ServiceError {
	return newServiceError(KindAuthentication, code, message, cause)
}

func internalError(cause error) *ServiceError {
	return newServiceError(KindInternal, CodeInternal, "internal server error", cause)
}
