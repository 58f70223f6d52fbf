package scriptthread

import (
	"errors"
)

var (
	// ErrPipelineExists is returned when creating a pipeline whose ID is in
	// use.
	ErrPipelineExists = errors.New("scriptthread: pipeline already exists")

	// ErrRegistryClosed is returned once the Registry has been closed.
	ErrRegistryClosed = errors.New("scriptthread: registry closed")

	// ErrNoFetcher is returned by Fetch when no Fetcher is configured.
	ErrNoFetcher = errors.New("scriptthread: no fetcher configured")
)
