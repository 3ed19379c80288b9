package config

import "errors"

var (
	// ErrMalformedTagFilter is returned when the tag filter is not a single key:value pair
	ErrMalformedTagFilter = errors.New("tag filter must be in alphanumeric key:value form")

	// ErrInvalidInterval is returned when the notification interval is not positive
	ErrInvalidInterval = errors.New("notification interval must be a positive number of seconds")

	// ErrInvalidScheduler is returned when scheduler limits are not positive
	ErrInvalidScheduler = errors.New("invalid scheduler settings")
)
