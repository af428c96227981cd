package sessioncache

import "errors"

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrStorageUnavailable = errors.New("cache storage unavailable")
)
