package livedict

import "errors"

var (
	ErrEmptyKey         = errors.New("empty key")
	ErrKeyNotFound      = errors.New("key not found")
	ErrCapacityExceeded = errors.New("capacity exceeded")
)
