package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/koteria/internal/cache"
	"github.com/hyperifyio/koteria/internal/decode"
	"github.com/hyperifyio/koteria/internal/export"
	"github.com/hyperifyio/koteria/internal/pipeline"
	"github.com/hyperifyio/koteria/internal/server"
	"github.com/hyperifyio/koteria/internal/store"
	"github.com/hyperifyio/koteria/internal/watch"
)

// ErrNoInput is returned when convert mode has no input document.
var ErrNoInput = errors.New("config: input path is required")

type App struct {
	cfg   Config
	cache *cache.ResultCache
	store *store.Store
	now   func() time.Time
	// stdout receives the export when the output path is "-".
	stdout io.Writer
}

func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.Encoding == "" {
		cfg.Encoding = decode.DefaultEncoding
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeConvert
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, now: time.Now, stdout: os.Stdout}
	if cfg.CacheDir != "" {
		if cfg.CacheClear {
			if err := cache.ClearDir(cfg.CacheDir); err != nil {
				log.Warn().Err(err).Str("dir", cfg.CacheDir).Msg("cache clear failed")
			}
		}
		if cfg.CacheMaxAge > 0 {
			n, err := cache.PurgeByAge(cfg.CacheDir, cfg.CacheMaxAge)
			if err != nil {
				log.Warn().Err(err).Msg("cache purge failed")
			} else if n > 0 {
				log.Debug().Int("removed", n).Dur("max_age", cfg.CacheMaxAge).Msg("purged cached results")
			}
		}
		a.cache = &cache.ResultCache{Dir: cfg.CacheDir, StrictPerms: cfg.CacheStrictPerms}
	}
	if cfg.DBPath != "" {
		st, err := store.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		a.store = st
	}
	return a, nil
}

func (a *App) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("close store")
		}
	}
}

// Run executes the configured mode until it finishes or ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	switch a.cfg.Mode {
	case ModeWatch:
		return a.watch(ctx)
	case ModeServe:
		return a.serve(ctx)
	default:
		_, err := a.Convert(ctx)
		return err
	}
}

// Convert converts the configured input file and writes the export.
func (a *App) Convert(ctx context.Context) (pipeline.Result, error) {
	raw, err := os.ReadFile(a.cfg.InputPath)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("read input: %w", err)
	}
	opts := pipeline.Options{Workers: a.cfg.Workers}

	var res pipeline.Result
	hit := false
	if a.cache != nil {
		res, hit, err = a.cache.Convert(ctx, raw, a.cfg.Encoding, opts)
		if err != nil && len(res.Table.Columns) > 0 {
			log.Warn().Err(err).Msg("result cache unavailable")
			err = nil
		}
	} else {
		res, err = pipeline.Run(raw, a.cfg.Encoding, opts)
	}
	if err != nil {
		return pipeline.Result{}, err
	}
	log.Debug().Bool("cache_hit", hit).Int("rows", len(res.Table.Rows)).Msg("converted")
	for _, w := range res.Warnings {
		log.Warn().Int("row", w.Row).Str("raw", w.Raw).Msg("unparseable visit timestamp")
	}

	format := a.cfg.Format
	if format == "" {
		format = export.FormatFromPath(a.cfg.OutputPath)
	}
	if a.cfg.OutputPath == "-" {
		if err := export.Write(a.stdout, format, res.Table); err != nil {
			return res, fmt.Errorf("write output: %w", err)
		}
	} else {
		if dir := filepath.Dir(a.cfg.OutputPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return res, fmt.Errorf("create output dir: %w", err)
			}
		}
		if err := export.WriteFile(a.cfg.OutputPath, format, res.Table); err != nil {
			return res, fmt.Errorf("write output: %w", err)
		}
		log.Info().Str("output", a.cfg.OutputPath).Str("format", format).Int("rows", len(res.Table.Rows)).Int("warnings", len(res.Warnings)).Msg("wrote visits")

		if a.cfg.Manifest {
			m := manifest{
				Version:     BuildVersion,
				Commit:      BuildCommit,
				Input:       a.cfg.InputPath,
				InputSHA256: computeSHA256Hex(raw),
				Encoding:    a.cfg.Encoding,
				Output:      a.cfg.OutputPath,
				Format:      format,
				Rows:        len(res.Table.Rows),
				CacheHit:    hit,
				Warnings:    res.Warnings,
				GeneratedAt: a.now().UTC(),
			}
			if err := writeManifest(deriveManifestSidecarPath(a.cfg.OutputPath), m); err != nil {
				log.Warn().Err(err).Msg("manifest write failed")
			}
		}
	}

	if a.store != nil {
		b, err := a.store.AddBatch(ctx, filepath.Base(a.cfg.InputPath), cache.KeyFrom(a.cfg.Encoding, raw), res.Table.Rows, len(res.Warnings))
		if err != nil {
			return res, fmt.Errorf("import: %w", err)
		}
		log.Info().Str("batch", b.ID).Int("rows", b.Rows).Msg("imported into store")
	}
	return res, nil
}

func (a *App) watch(ctx context.Context) error {
	w, err := watch.New(watch.Options{
		Dir:             a.cfg.WatchDir,
		OutDir:          a.cfg.WatchOutDir,
		Format:          strings.ToLower(a.cfg.Format),
		Encoding:        a.cfg.Encoding,
		Workers:         a.cfg.Workers,
		ProcessExisting: true,
		Cache:           a.cache,
		Store:           a.store,
	})
	if err != nil {
		return err
	}
	defer w.Close()
	return w.Run(ctx)
}

func (a *App) serve(ctx context.Context) error {
	srv := &http.Server{
		Addr: a.cfg.ServeAddr,
		Handler: server.NewRouter(server.Options{
			Encoding: a.cfg.Encoding,
			Workers:  a.cfg.Workers,
			Cache:    a.cache,
			Store:    a.store,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", a.cfg.ServeAddr).Bool("store", a.store != nil).Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
