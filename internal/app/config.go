package app

import "time"

// Run modes.
const (
	ModeConvert = "convert"
	ModeWatch   = "watch"
	ModeServe   = "serve"
)

// Config holds runtime configuration for the application.
type Config struct {
	Mode string

	InputPath  string
	OutputPath string
	// Format is csv, json or pdf; empty picks it from the output extension.
	Format   string
	Encoding string
	Workers  int
	// Manifest writes a JSON sidecar next to the output in convert mode.
	Manifest bool

	CacheDir         string
	CacheMaxAge      time.Duration
	CacheClear       bool
	CacheStrictPerms bool

	// DBPath enables the visit store when set.
	DBPath string

	WatchDir    string
	WatchOutDir string

	ServeAddr string

	Verbose bool
}
