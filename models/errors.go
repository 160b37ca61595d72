package models

import (
	"errors"
	"strings"
)

// Validation and lookup errors surfaced synchronously to API callers.
var (
	ErrUnsupportedConversion = errors.New("unsupported conversion type")
	ErrFileTooLarge          = errors.New("file too large")
	ErrEmptyFile             = errors.New("empty file")
	ErrJobNotFound           = errors.New("job not found")
	ErrFileNotReady          = errors.New("file not ready")
)

// Processing errors recorded on the job record.
var (
	ErrConversionFailed  = errors.New("conversion failed")
	ErrTimeout           = errors.New("conversion timed out")
	ErrAttemptsExhausted = errors.New("attempts exhausted")
)

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as a retryable infrastructure failure (storage or
// queue unavailability). Callers retry with backoff instead of failing
// the job outright.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err should be retried. Errors are transient
// when explicitly marked via Transient, or when the underlying driver
// message indicates a temporary network or resource condition.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	msg := err.Error()
	for _, hint := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"temporar",
		"too many connections",
		"resource exhausted",
	} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
