// Package saga предоставляет систему ошибок оркестратора.
package saga

import (
	"errors"
	"fmt"
)

// Коды ошибок оркестратора
const (
	ErrNotFound            = "NOT_FOUND"
	ErrAlreadyExists       = "ALREADY_EXISTS"
	ErrValidationFailed    = "VALIDATION_FAILED"
	ErrSerializationFailed = "SERIALIZATION_FAILED"
	ErrTransportFailed     = "TRANSPORT_FAILED"
	ErrPhaseOutOfRange     = "PHASE_OUT_OF_RANGE"
	ErrInvalidConfig       = "INVALID_CONFIG"
)

// Error базовый тип ошибки оркестратора
type Error struct {
	Code    string
	Message string
	Cause   error
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap возвращает причину ошибки
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is проверяет, соответствует ли ошибка коду
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// NewError создает новую ошибку оркестратора
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap оборачивает существующую ошибку
func Wrap(err error, code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// IsCode проверяет, имеет ли ошибка (или любая из обернутых) указанный код
func IsCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
