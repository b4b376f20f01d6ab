package capture

import "errors"

var (
	// ErrNavigation covers tab creation, network and load-timeout failures.
	// The page may load on a later attempt.
	ErrNavigation = errors.New("navigation failed")

	// ErrNoImageFound means neither a photo element nor the fallback
	// page area could be captured
	ErrNoImageFound = errors.New("no image found")
)
