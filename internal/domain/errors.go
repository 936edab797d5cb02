package domain

import (
	"errors"
)

// Ошибки движка версий. Вызывающий код различает их через errors.Is
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("version conflict")
	ErrIntegrity       = errors.New("integrity error")
	ErrInvalidArgument = errors.New("invalid argument")
)

// ErrorKind стабильное имя вида ошибки для транспорта и аудита
type ErrorKind string

const (
	KindNotFound        ErrorKind = "not_found"
	KindConflict        ErrorKind = "conflict"
	KindIntegrity       ErrorKind = "integrity_error"
	KindInvalidArgument ErrorKind = "invalid_argument"
	KindInternal        ErrorKind = "internal"
)

// KindOf определяет вид ошибки. Для nil возвращает пустую строку
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrIntegrity):
		return KindIntegrity
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	default:
		return KindInternal
	}
}
