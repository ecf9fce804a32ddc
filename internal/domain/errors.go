package domain

import "errors"

// ErrNotFound is returned by stores when no record exists for a key.
var ErrNotFound = errors.New("not found")
