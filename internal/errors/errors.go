package errors

import "errors"

var (
	ErrConfigNotFound     = errors.New("configuration file not found")
	ErrConfiguration      = errors.New("invalid configuration")
	ErrJobNotFound        = errors.New("job not found")
	ErrTransport          = errors.New("transport failure")
	ErrService            = errors.New("service error")
	ErrStorage            = errors.New("storage failure")
	ErrStorageUnavailable = errors.New("storage unavailable for all jobs")
	ErrNoJobs             = errors.New("no valid jobs configured")
)
