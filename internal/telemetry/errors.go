package telemetry

import "errors"

var (
	// ErrInitialization is returned by Init when telemetry is configured to
	// fail fast and the collector cannot be reached.
	ErrInitialization = errors.New("telemetry initialization failed")

	// ErrUnknownExporter is returned for an unrecognised exporter name.
	ErrUnknownExporter = errors.New("unknown exporter")
)
