package store

import (
	"errors"

	"bot-deployer/internal/domain"
)

var (
	// ErrNotFound indicates that no record exists for the requested key.
	ErrNotFound = domain.ErrNotFound

	// ErrInvalidArgument indicates that a caller-provided value violates a
	// precondition.
	ErrInvalidArgument = errors.New("store: invalid argument")

	// ErrPortsExhausted indicates that every port in the pool is reserved or
	// bound by another process.
	ErrPortsExhausted = errors.New("store: no free host port")
)
