package service

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrBadRequest         = errors.New("bad request")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInternal           = errors.New("internal")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrUnsupportedType    = errors.New("unsupported type")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// ErrValidation is the sentinel for input rejected before anything is stored.
var ErrValidation = ErrBadRequest

// ServiceError wraps a sentinel error with a specific code and message for the handler to use.
type ServiceError struct {
	Err     error
	Code    string
	Message string
}

func (e *ServiceError) Error() string { return e.Message }
func (e *ServiceError) Unwrap() error { return e.Err }

// ErrorCode exposes Code to transports that do not import this package.
func (e *ServiceError) ErrorCode() string { return e.Code }

// NewError creates a ServiceError wrapping the given sentinel.
func NewError(sentinel error, code, message string) *ServiceError {
	return &ServiceError{Err: sentinel, Code: code, Message: message}
}

func NotFound(code, message string) *ServiceError {
	return NewError(ErrNotFound, code, message)
}

func Forbidden(code, message string) *ServiceError {
	return NewError(ErrForbidden, code, message)
}

func BadRequest(code, message string) *ServiceError {
	return NewError(ErrBadRequest, code, message)
}

func Unauthorized(code, message string) *ServiceError {
	return NewError(ErrUnauthorized, code, message)
}

func Internal(code, message string) *ServiceError {
	return NewError(ErrInternal, code, message)
}

// PayloadTooLarge names the size limit that was exceeded.
func PayloadTooLarge(message string) *ServiceError {
	return NewError(ErrPayloadTooLarge, "FILE_TOO_LARGE", message)
}

// UnsupportedType names the detected type that is not allowed.
func UnsupportedType(message string) *ServiceError {
	return NewError(ErrUnsupportedType, "UNSUPPORTED_FILE_TYPE", message)
}

func StorageUnavailable(message string) *ServiceError {
	return NewError(ErrStorageUnavailable, "STORAGE_UNAVAILABLE", message)
}

// Code returns the machine-readable code of err, or INTERNAL when err is not
// a ServiceError.
func Code(err error) string {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Code
	}
	return "INTERNAL"
}
