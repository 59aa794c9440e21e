package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variable names.
const (
	EnvMode        = "KOTERIA_MODE"
	EnvInput       = "KOTERIA_INPUT"
	EnvOutput      = "KOTERIA_OUTPUT"
	EnvFormat      = "KOTERIA_FORMAT"
	EnvEncoding    = "KOTERIA_ENCODING"
	EnvWorkers     = "KOTERIA_WORKERS"
	EnvCacheDir    = "CACHE_DIR"
	EnvCacheMaxAge = "CACHE_MAX_AGE"
	EnvCacheClear  = "CACHE_CLEAR"
	EnvCacheStrict = "CACHE_STRICT_PERMS"
	EnvDBPath      = "DB_PATH"
	EnvWatchDir    = "WATCH_DIR"
	EnvWatchOutDir = "WATCH_OUT_DIR"
	EnvServeAddr   = "SERVE_ADDR"
	EnvVerbose     = "VERBOSE"
)

type envString struct {
	key string
	dst func(*Config) *string
}

var envStrings = []envString{
	{EnvMode, func(c *Config) *string { return &c.Mode }},
	{EnvInput, func(c *Config) *string { return &c.InputPath }},
	{EnvOutput, func(c *Config) *string { return &c.OutputPath }},
	{EnvFormat, func(c *Config) *string { return &c.Format }},
	{EnvEncoding, func(c *Config) *string { return &c.Encoding }},
	{EnvCacheDir, func(c *Config) *string { return &c.CacheDir }},
	{EnvDBPath, func(c *Config) *string { return &c.DBPath }},
	{EnvWatchDir, func(c *Config) *string { return &c.WatchDir }},
	{EnvWatchOutDir, func(c *Config) *string { return &c.WatchOutDir }},
	{EnvServeAddr, func(c *Config) *string { return &c.ServeAddr }},
}

type envBool struct {
	key string
	dst func(*Config) *bool
}

var envBools = []envBool{
	{EnvCacheClear, func(c *Config) *bool { return &c.CacheClear }},
	{EnvCacheStrict, func(c *Config) *bool { return &c.CacheStrictPerms }},
	{EnvVerbose, func(c *Config) *bool { return &c.Verbose }},
}

// ApplyEnvToConfig populates unset fields of cfg from environment variables.
// Explicit cfg values take precedence over env.
func ApplyEnvToConfig(cfg *Config) {
	if cfg == nil {
		return
	}
	applyEnv(cfg, false)
}

// ApplyEnvOverrides overrides cfg fields with every environment variable that
// is set. It runs after ApplyFileConfig so env wins over the config file,
// and flags the user passed explicitly are re-applied afterwards by the CLI.
func ApplyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}
	applyEnv(cfg, true)
}

func applyEnv(cfg *Config, override bool) {
	for _, e := range envStrings {
		dst := e.dst(cfg)
		if v := strings.TrimSpace(os.Getenv(e.key)); v != "" && (override || *dst == "") {
			*dst = v
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvWorkers)); v != "" && (override || cfg.Workers == 0) {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if s := strings.TrimSpace(os.Getenv(EnvCacheMaxAge)); s != "" && (override || cfg.CacheMaxAge == 0) {
		if d, err := time.ParseDuration(s); err == nil {
			cfg.CacheMaxAge = d
		}
	}
	for _, e := range envBools {
		dst := e.dst(cfg)
		switch strings.ToLower(strings.TrimSpace(os.Getenv(e.key))) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			if override {
				*dst = false
			}
		}
	}
}
