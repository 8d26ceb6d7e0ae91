package workload

import "errors"

// Ошибки сервиса.
var (
	// ErrInvalidArgument — аргумент не прошёл валидацию; хранилище не вызывалось.
	ErrInvalidArgument = errors.New("invalid argument")
)
