package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/hyperifyio/koteria/internal/decode"
	"github.com/hyperifyio/koteria/internal/export"
)

// Flag defaults. ApplyFileConfig treats a field still holding its default as
// unset so that a config file can replace it.
const (
	DefaultInput     = "export.html"
	DefaultOutput    = "visits.csv"
	DefaultCacheDir  = ".koteria-cache"
	DefaultServeAddr = ":8080"
)

// FileConfig represents the single-file configuration schema.
type FileConfig struct {
	Mode     string `yaml:"mode" json:"mode"`
	Input    string `yaml:"input" json:"input"`
	Output   string `yaml:"output" json:"output"`
	Format   string `yaml:"format" json:"format"`
	Encoding string `yaml:"encoding" json:"encoding"`
	Workers  int    `yaml:"workers" json:"workers"`
	Manifest bool   `yaml:"manifest" json:"manifest"`
	Verbose  bool   `yaml:"verbose" json:"verbose"`

	Cache struct {
		Dir         string        `yaml:"dir" json:"dir"`
		MaxAge      time.Duration `yaml:"maxAge" json:"maxAge"`
		Clear       bool          `yaml:"clear" json:"clear"`
		StrictPerms bool          `yaml:"strictPerms" json:"strictPerms"`
	} `yaml:"cache" json:"cache"`

	DB struct {
		Path string `yaml:"path" json:"path"`
	} `yaml:"db" json:"db"`

	Watch struct {
		Dir    string `yaml:"dir" json:"dir"`
		OutDir string `yaml:"outDir" json:"outDir"`
	} `yaml:"watch" json:"watch"`

	Serve struct {
		Addr string `yaml:"addr" json:"addr"`
	} `yaml:"serve" json:"serve"`
}

// LoadConfigFile reads YAML or JSON into FileConfig.
func LoadConfigFile(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &fc); err != nil {
			return fc, fmt.Errorf("parse yaml: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(b, &fc); err != nil {
			return fc, fmt.Errorf("parse json: %w", err)
		}
	default:
		if err := yaml.Unmarshal(b, &fc); err != nil {
			if jerr := json.Unmarshal(b, &fc); jerr != nil {
				return fc, fmt.Errorf("parse config: %v (yaml) / %v (json)", err, jerr)
			}
		}
	}
	return fc, nil
}

// ApplyFileConfig overlays values from fc onto fields of cfg that are unset
// or still carry their flag default.
func ApplyFileConfig(cfg *Config, fc FileConfig) {
	if cfg == nil {
		return
	}

	if (cfg.Mode == "" || cfg.Mode == ModeConvert) && fc.Mode != "" {
		cfg.Mode = fc.Mode
	}
	if (cfg.InputPath == "" || cfg.InputPath == DefaultInput) && fc.Input != "" {
		cfg.InputPath = fc.Input
	}
	if (cfg.OutputPath == "" || cfg.OutputPath == DefaultOutput) && fc.Output != "" {
		cfg.OutputPath = fc.Output
	}
	if cfg.Format == "" && fc.Format != "" {
		cfg.Format = fc.Format
	}
	if (cfg.Encoding == "" || cfg.Encoding == decode.DefaultEncoding) && fc.Encoding != "" {
		cfg.Encoding = fc.Encoding
	}
	if cfg.Workers == 0 && fc.Workers != 0 {
		cfg.Workers = fc.Workers
	}
	if !cfg.Manifest && fc.Manifest {
		cfg.Manifest = true
	}
	if !cfg.Verbose && fc.Verbose {
		cfg.Verbose = true
	}

	if (cfg.CacheDir == "" || cfg.CacheDir == DefaultCacheDir) && fc.Cache.Dir != "" {
		cfg.CacheDir = fc.Cache.Dir
	}
	if cfg.CacheMaxAge == 0 && fc.Cache.MaxAge > 0 {
		cfg.CacheMaxAge = fc.Cache.MaxAge
	}
	if !cfg.CacheClear && fc.Cache.Clear {
		cfg.CacheClear = true
	}
	if !cfg.CacheStrictPerms && fc.Cache.StrictPerms {
		cfg.CacheStrictPerms = true
	}

	if cfg.DBPath == "" && fc.DB.Path != "" {
		cfg.DBPath = fc.DB.Path
	}
	if cfg.WatchDir == "" && fc.Watch.Dir != "" {
		cfg.WatchDir = fc.Watch.Dir
	}
	if cfg.WatchOutDir == "" && fc.Watch.OutDir != "" {
		cfg.WatchOutDir = fc.Watch.OutDir
	}
	if (cfg.ServeAddr == "" || cfg.ServeAddr == DefaultServeAddr) && fc.Serve.Addr != "" {
		cfg.ServeAddr = fc.Serve.Addr
	}
}

// ValidateConfig rejects settings the selected mode cannot run with.
func ValidateConfig(cfg Config) error {
	if _, err := decode.Lookup(cfg.Encoding); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch strings.ToLower(cfg.Format) {
	case "", export.FormatCSV, export.FormatJSON, export.FormatPDF:
	default:
		return fmt.Errorf("config: %w: %q", export.ErrUnknownFormat, cfg.Format)
	}
	if cfg.CacheMaxAge < 0 {
		return errors.New("config: cache.maxAge must not be negative")
	}
	switch cfg.Mode {
	case "", ModeConvert:
		if strings.TrimSpace(cfg.InputPath) == "" {
			return ErrNoInput
		}
		if strings.TrimSpace(cfg.OutputPath) == "" {
			return errors.New("config: output path is required")
		}
	case ModeWatch:
		if strings.TrimSpace(cfg.WatchDir) == "" {
			return errors.New("config: watch.dir is required in watch mode")
		}
	case ModeServe:
		if strings.TrimSpace(cfg.ServeAddr) == "" {
			return errors.New("config: serve.addr is required in serve mode")
		}
	default:
		return fmt.Errorf("config: unknown mode %q", cfg.Mode)
	}
	return nil
}
