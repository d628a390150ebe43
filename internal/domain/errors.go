package domain

import "errors"

var (
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrMissingMessages = errors.New("messages is a required field and cannot be empty")
	ErrNoUsablePrompt  = errors.New("no usable prompt")
	ErrCircuitOpen     = errors.New("circuit breaker is open")
)
