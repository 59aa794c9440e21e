package app

// Build information populated via -ldflags at build time. Defaults are for
// local development and tests.
var (
	BuildVersion = "0.0.0-dev"
	BuildCommit  = "unknown"
	BuildDate    = "unknown"
)
