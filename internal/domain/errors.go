package domain

import "errors"

var (
	ErrInvalidSpec  = errors.New("invalid job spec")
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrPersistence  = errors.New("persistence failure")
)
