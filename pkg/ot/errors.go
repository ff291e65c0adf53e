package ot

import "github.com/pkg/errors"

var (
	// ErrLengthMismatch is returned when a delta does not line up with the
	// document or delta it is combined with.
	ErrLengthMismatch = errors.New("ot: length mismatch")
	// ErrInvalidOperation is returned for zero-length or unknown operations.
	ErrInvalidOperation = errors.New("ot: invalid operation")
)
