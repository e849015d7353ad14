// Package media_errors содержит типизированные ошибки ядра медиа сервера.
//
// Каждая ошибка несет код (ErrorCode), по которому ее можно сравнить через
// errors.Is, и необязательный контекст для логов. Код ошибки используется как
// reason code в исходах MGCP операций.
package media_errors

import (
	"errors"
	"fmt"
)

// ErrorCode типизированный код ошибки ядра
type ErrorCode int

const (
	// Ошибки транспорта и RTP сессий
	CodeBindFailure ErrorCode = iota + 2000
	CodeTransportOpenFailure
	CodeTransportCloseFailure
	CodeOperationTimeout

	// Ошибки эндпоинтов
	CodeEndpointNotActive
	CodeConnectionNotRegistered
	CodeConnectionAlreadyRegistered
	CodeEndpointNotFound

	// Ошибки графа маршрутизации аудио
	CodeAlreadyJoined
	CodeNotJoined

	// Ошибки жизненного цикла соединения
	CodeRollbackFailure
	CodeConnectionNotFound
	CodeAborted
	CodeNoResources

	// Общие
	CodeSchedulerOverload
	CodeInvalidState
)

// String возвращает строковое представление кода ошибки
func (c ErrorCode) String() string {
	switch c {
	case CodeBindFailure:
		return "BindFailure"
	case CodeTransportOpenFailure:
		return "TransportOpenFailure"
	case CodeTransportCloseFailure:
		return "TransportCloseFailure"
	case CodeOperationTimeout:
		return "OperationTimeout"
	case CodeEndpointNotActive:
		return "EndpointNotActive"
	case CodeConnectionNotRegistered:
		return "ConnectionNotRegistered"
	case CodeConnectionAlreadyRegistered:
		return "ConnectionAlreadyRegistered"
	case CodeEndpointNotFound:
		return "EndpointNotFound"
	case CodeAlreadyJoined:
		return "AlreadyJoined"
	case CodeNotJoined:
		return "NotJoined"
	case CodeRollbackFailure:
		return "RollbackFailure"
	case CodeConnectionNotFound:
		return "ConnectionNotFound"
	case CodeAborted:
		return "Aborted"
	case CodeNoResources:
		return "NoResources"
	case CodeSchedulerOverload:
		return "SchedulerOverload"
	case CodeInvalidState:
		return "InvalidState"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// Fatal сообщает, требует ли ошибка ручного вмешательства оператора.
// Единственная такая ошибка - неудачный откат.
func (c ErrorCode) Fatal() bool {
	return c == CodeRollbackFailure
}

// Error ошибка ядра медиа сервера.
//   - Code: типизированный код, по нему работает errors.Is
//   - Message: человекочитаемое описание
//   - Context: дополнительные поля для логов
//   - Wrapped: исходная ошибка
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]interface{}
	Wrapped error
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Wrapped)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap возвращает обернутую ошибку
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки по коду
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext добавляет поле контекста и возвращает ту же ошибку
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New создает ошибку с кодом и сообщением
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf создает ошибку с форматированным сообщением
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap оборачивает причину ошибкой с кодом
func Wrap(code ErrorCode, cause error, message string) *Error {
	return &Error{Code: code, Message: message, Wrapped: cause}
}

// Сигнальные значения для errors.Is
var (
	ErrBindFailure                 = &Error{Code: CodeBindFailure}
	ErrTransportOpenFailure        = &Error{Code: CodeTransportOpenFailure}
	ErrTransportCloseFailure       = &Error{Code: CodeTransportCloseFailure}
	ErrOperationTimeout            = &Error{Code: CodeOperationTimeout}
	ErrEndpointNotActive           = &Error{Code: CodeEndpointNotActive}
	ErrConnectionNotRegistered     = &Error{Code: CodeConnectionNotRegistered}
	ErrConnectionAlreadyRegistered = &Error{Code: CodeConnectionAlreadyRegistered}
	ErrEndpointNotFound            = &Error{Code: CodeEndpointNotFound}
	ErrAlreadyJoined               = &Error{Code: CodeAlreadyJoined}
	ErrNotJoined                   = &Error{Code: CodeNotJoined}
	ErrRollbackFailure             = &Error{Code: CodeRollbackFailure}
	ErrConnectionNotFound          = &Error{Code: CodeConnectionNotFound}
	ErrAborted                     = &Error{Code: CodeAborted}
	ErrNoResources                 = &Error{Code: CodeNoResources}
	ErrSchedulerOverload           = &Error{Code: CodeSchedulerOverload}
	ErrInvalidState                = &Error{Code: CodeInvalidState}
)

// CodeOf извлекает код ошибки из цепочки. Для nil и чужих ошибок
// возвращает 0 и false.
func CodeOf(err error) (ErrorCode, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}

// Has проверяет наличие кода в цепочке ошибок
func Has(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
