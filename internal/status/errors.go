package status

import "errors"

var (
	// ErrPetNotFound is returned when a write targets a pet with no record
	ErrPetNotFound = errors.New("pet not found")

	// ErrJobNotFound is returned when a sync job id is unknown
	ErrJobNotFound = errors.New("sync job not found")

	// ErrInvalidTransition is returned when a job state change is not allowed
	ErrInvalidTransition = errors.New("invalid sync job transition")
)
