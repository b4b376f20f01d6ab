package workflows

import "errors"

var (
	// ErrWorkflowNotFound is returned when no workflow is registered for a job type
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrInvalidRequest is returned when a job request fails validation
	ErrInvalidRequest = errors.New("invalid workflow request")

	// ErrSetup is returned when a batch cannot start at all (browser launch)
	ErrSetup = errors.New("batch setup failed")

	// ErrStoreWrite is returned when an object write exhausts its attempts
	ErrStoreWrite = errors.New("store write failed")

	// ErrStatusWrite marks a status update that failed after the store write
	// succeeded; the reconciler repairs the resulting drift
	ErrStatusWrite = errors.New("status write failed")
)
