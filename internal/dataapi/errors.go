package dataapi

import "errors"

// Domain errors for Data API queries.
var (
	// ErrNoData is returned when no record matched the query window.
	ErrNoData = errors.New("dataapi: no data for sensor")

	// ErrNotConfigured is returned by New when required settings are missing.
	ErrNotConfigured = errors.New("dataapi: not configured")
)
