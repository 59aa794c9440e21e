package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/koteria/internal/app"
	"github.com/hyperifyio/koteria/internal/decode"
	"github.com/hyperifyio/koteria/internal/segment"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := parseConfig(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Error().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	if cfg.Verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("run failed")
		stop()
		os.Exit(exitCode(err))
	}
}

// exitCode maps fatal extraction errors to 2 and everything else to 1.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var de *decode.DecodingError
	var se *segment.SegmentationError
	if errors.As(err, &de) || errors.As(err, &se) {
		return 2
	}
	return 1
}

func run(ctx context.Context, cfg app.Config) error {
	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer a.Close()
	return a.Run(ctx)
}

// parseConfig builds the configuration with precedence
// flags > env > config file > defaults. An optional positional argument
// selects the mode.
func parseConfig(args []string, stderr io.Writer) (app.Config, error) {
	fs := flag.NewFlagSet("koteria", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		cfg        app.Config
		configPath string
		envFiles   stringList
	)
	fs.StringVar(&cfg.Mode, "mode", app.ModeConvert, "Run mode: convert, watch or serve")
	fs.StringVar(&cfg.InputPath, "input", app.DefaultInput, "Path to the legacy HTML export")
	fs.StringVar(&cfg.OutputPath, "output", app.DefaultOutput, "Path to write the visit table; '-' writes to stdout")
	fs.StringVar(&cfg.Format, "format", "", "Output format: csv, json or pdf (default: from output extension)")
	fs.StringVar(&cfg.Encoding, "encoding", decode.DefaultEncoding, "Character encoding of the input")
	fs.IntVar(&cfg.Workers, "workers", 0, "Concurrent section workers; 0 runs sequentially, negative uses all CPUs")
	fs.BoolVar(&cfg.Manifest, "manifest", false, "Write a JSON manifest next to the output")
	fs.StringVar(&cfg.CacheDir, "cache.dir", app.DefaultCacheDir, "Result cache directory; empty disables caching")
	fs.DurationVar(&cfg.CacheMaxAge, "cache.maxAge", 0, "Max age for cached results before purge (e.g. 24h); 0 disables")
	fs.BoolVar(&cfg.CacheClear, "cache.clear", false, "Clear the cache directory before running")
	fs.BoolVar(&cfg.CacheStrictPerms, "cache.strictPerms", false, "Restrict cache permissions (0700 dirs, 0600 files)")
	fs.StringVar(&cfg.DBPath, "db.path", "", "SQLite database for imported visits; empty disables the store")
	fs.StringVar(&cfg.WatchDir, "watch.dir", "", "Directory to watch for new exports")
	fs.StringVar(&cfg.WatchOutDir, "watch.outDir", "", "Directory for converted exports (default: watch.dir)")
	fs.StringVar(&cfg.ServeAddr, "serve.addr", app.DefaultServeAddr, "HTTP listen address")
	fs.BoolVar(&cfg.Verbose, "v", false, "Verbose logging")
	fs.StringVar(&configPath, "config", os.Getenv("KOTERIA_CONFIG"), "Optional YAML or JSON config file")
	fs.Var(&envFiles, "env", "Dotenv file to load (repeatable, default .env)")
	if err := fs.Parse(args); err != nil {
		return app.Config{}, err
	}
	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	if fs.NArg() > 1 {
		return app.Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args()[1:])
	}
	if fs.NArg() == 1 {
		cfg.Mode = fs.Arg(0)
		explicit["mode"] = true
	}
	fromFlags := cfg

	if len(envFiles) == 0 {
		envFiles = stringList{".env"}
	}
	if err := app.LoadEnvFiles(envFiles...); err != nil {
		return app.Config{}, fmt.Errorf("load env: %w", err)
	}
	if configPath != "" {
		fc, err := app.LoadConfigFile(configPath)
		if err != nil {
			return app.Config{}, fmt.Errorf("load config %s: %w", configPath, err)
		}
		app.ApplyFileConfig(&cfg, fc)
	}
	app.ApplyEnvOverrides(&cfg)
	for name := range explicit {
		if restore, ok := flagFields[name]; ok {
			restore(&cfg, fromFlags)
		}
	}
	return cfg, nil
}

// flagFields copies one flag-backed field from src to dst.
var flagFields = map[string]func(dst *app.Config, src app.Config){
	"mode":              func(d *app.Config, s app.Config) { d.Mode = s.Mode },
	"input":             func(d *app.Config, s app.Config) { d.InputPath = s.InputPath },
	"output":            func(d *app.Config, s app.Config) { d.OutputPath = s.OutputPath },
	"format":            func(d *app.Config, s app.Config) { d.Format = s.Format },
	"encoding":          func(d *app.Config, s app.Config) { d.Encoding = s.Encoding },
	"workers":           func(d *app.Config, s app.Config) { d.Workers = s.Workers },
	"manifest":          func(d *app.Config, s app.Config) { d.Manifest = s.Manifest },
	"cache.dir":         func(d *app.Config, s app.Config) { d.CacheDir = s.CacheDir },
	"cache.maxAge":      func(d *app.Config, s app.Config) { d.CacheMaxAge = s.CacheMaxAge },
	"cache.clear":       func(d *app.Config, s app.Config) { d.CacheClear = s.CacheClear },
	"cache.strictPerms": func(d *app.Config, s app.Config) { d.CacheStrictPerms = s.CacheStrictPerms },
	"db.path":           func(d *app.Config, s app.Config) { d.DBPath = s.DBPath },
	"watch.dir":         func(d *app.Config, s app.Config) { d.WatchDir = s.WatchDir },
	"watch.outDir":      func(d *app.Config, s app.Config) { d.WatchOutDir = s.WatchOutDir },
	"serve.addr":        func(d *app.Config, s app.Config) { d.ServeAddr = s.ServeAddr },
	"v":                 func(d *app.Config, s app.Config) { d.Verbose = s.Verbose },
}

type stringList []string

func (l *stringList) String() string { return fmt.Sprint(*l) }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}
