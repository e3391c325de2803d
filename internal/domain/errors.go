package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTransport означает сбой доставки, включая исчерпанные повторы.
	ErrTransport = errors.New("transport failure")
	// ErrNoPath означает, что пути через ретрансляторы нет.
	ErrNoPath = errors.New("no relay path available")
	// ErrProtocol означает ответ неожиданного формата.
	ErrProtocol = errors.New("protocol error")
	// ErrNoToken означает, что токен сервера получить не удалось.
	ErrNoToken = errors.New("no server token")
	// ErrConfiguration означает неверную конфигурацию сервера.
	ErrConfiguration = errors.New("configuration error")
	// ErrInvalidSignature означает, что подпись не прошла проверку.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrNotModerator означает, что операция доступна только модератору.
	ErrNotModerator = errors.New("moderator access required")
)

// StatusError возвращается, если сервер ответил статусом, отличным от 200.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// IsStatus сообщает, что err является StatusError с указанным кодом.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// IsUnauthorized проверяет ошибку авторизации (401).
func IsUnauthorized(err error) bool {
	return IsStatus(err, http.StatusUnauthorized)
}
