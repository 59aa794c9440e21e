// Package watch converts exports dropped into a directory.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/koteria/internal/cache"
	"github.com/hyperifyio/koteria/internal/decode"
	"github.com/hyperifyio/koteria/internal/export"
	"github.com/hyperifyio/koteria/internal/pipeline"
	"github.com/hyperifyio/koteria/internal/store"
)

// DefaultSettle is how long a file must stay quiet before it is converted.
const DefaultSettle = 500 * time.Millisecond

// Options configures a Watcher.
type Options struct {
	Dir    string
	OutDir string
	// Format is the export format written to OutDir; csv when empty.
	Format   string
	Encoding string
	Workers  int
	// Extensions defaults to .html and .htm.
	Extensions []string
	Settle     time.Duration
	// ProcessExisting converts files already present in Dir on start.
	ProcessExisting bool

	Cache *cache.ResultCache
	Store *store.Store
}

// Outcome describes one processed file.
type Outcome struct {
	Path     string
	Output   string
	Digest   string
	Rows     int
	Warnings int
	BatchID  string
	// Skipped is set when the content was already processed.
	Skipped bool
}

// Watcher monitors a directory and converts matching files.
type Watcher struct {
	opts    Options
	fsw     *fsnotify.Watcher
	ready   chan string
	done    chan struct{}
	stop    sync.Once
	mu      sync.Mutex
	pending map[string]*time.Timer
	seen    map[string]string
	// OnProcessed is called after every successful Process in Run.
	OnProcessed func(Outcome)
}

// New creates a watcher. The directory is not watched until Run.
func New(opts Options) (*Watcher, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("watch: directory is required")
	}
	if opts.OutDir == "" {
		opts.OutDir = opts.Dir
	}
	if opts.Format == "" {
		opts.Format = export.FormatCSV
	}
	if opts.Encoding == "" {
		opts.Encoding = decode.DefaultEncoding
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = []string{".html", ".htm"}
	}
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		opts:    opts,
		fsw:     fsw,
		ready:   make(chan string, 100),
		done:    make(chan struct{}),
		pending: make(map[string]*time.Timer),
		seen:    make(map[string]string),
	}, nil
}

// Close stops the underlying watcher.
func (w *Watcher) Close() error {
	w.shutdown()
	w.mu.Lock()
	for _, t := range w.pending {
		t.Stop()
	}
	w.pending = map[string]*time.Timer{}
	w.mu.Unlock()
	return w.fsw.Close()
}

// shutdown releases pending settle timers; after it no timer blocks on ready.
func (w *Watcher) shutdown() {
	w.stop.Do(func() { close(w.done) })
}

// Run watches until ctx is cancelled. Conversion failures are logged and do
// not stop the loop. A Watcher runs at most once.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.shutdown()
	if err := w.fsw.Add(w.opts.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.opts.Dir, err)
	}
	log.Info().Str("dir", w.opts.Dir).Str("out", w.opts.OutDir).Str("format", w.opts.Format).Msg("watching for exports")

	if w.opts.ProcessExisting {
		entries, err := os.ReadDir(w.opts.Dir)
		if err != nil {
			return fmt.Errorf("scan %s: %w", w.opts.Dir, err)
		}
		for _, e := range entries {
			p := filepath.Join(w.opts.Dir, e.Name())
			if !e.IsDir() && w.isWatchedExtension(p) {
				w.schedule(p)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !w.isWatchedExtension(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.schedule(event.Name)
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				w.forget(event.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("watcher error")
		case p := <-w.ready:
			out, err := w.Process(ctx, p)
			if err != nil {
				log.Error().Err(err).Str("path", p).Msg("conversion failed")
				continue
			}
			if w.OnProcessed != nil {
				w.OnProcessed(out)
			}
		}
	}
}

// schedule converts path once it has been quiet for the settle period.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.opts.Settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.opts.Settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		select {
		case w.ready <- path:
		case <-w.done:
		}
	})
}

func (w *Watcher) forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
	delete(w.seen, path)
}

// Process converts one file and writes its export next to the others in
// OutDir. Content already processed for the same path is skipped.
func (w *Watcher) Process(ctx context.Context, path string) (Outcome, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Outcome{}, err
	}
	digest := cache.KeyFrom(w.opts.Encoding, raw)
	out := Outcome{Path: path, Digest: digest, Output: w.outputPath(path)}

	w.mu.Lock()
	prev := w.seen[path]
	w.mu.Unlock()
	if prev == digest {
		out.Skipped = true
		return out, nil
	}

	opts := pipeline.Options{Workers: w.opts.Workers}
	var res pipeline.Result
	if w.opts.Cache != nil {
		res, _, err = w.opts.Cache.Convert(ctx, raw, w.opts.Encoding, opts)
		// a failed save still returns the converted result
		if err != nil && len(res.Table.Columns) > 0 {
			log.Warn().Err(err).Msg("result cache unavailable")
			err = nil
		}
	} else {
		res, err = pipeline.Run(raw, w.opts.Encoding, opts)
	}
	if err != nil {
		return out, err
	}
	out.Rows = len(res.Table.Rows)
	out.Warnings = len(res.Warnings)
	for _, warn := range res.Warnings {
		log.Warn().Str("path", path).Int("row", warn.Row).Str("raw", warn.Raw).Msg("unparseable visit timestamp")
	}

	if err := os.MkdirAll(w.opts.OutDir, 0o755); err != nil {
		return out, fmt.Errorf("create output dir: %w", err)
	}
	if err := export.WriteFile(out.Output, w.opts.Format, res.Table); err != nil {
		return out, err
	}

	if w.opts.Store != nil {
		b, err := w.opts.Store.FindBatchByDigest(ctx, digest)
		switch {
		case err == nil:
			out.BatchID = b.ID
		case errors.Is(err, store.ErrNotFound):
			b, err = w.opts.Store.AddBatch(ctx, filepath.Base(path), digest, res.Table.Rows, len(res.Warnings))
			if err != nil {
				return out, err
			}
			out.BatchID = b.ID
		default:
			return out, err
		}
	}

	w.mu.Lock()
	w.seen[path] = digest
	w.mu.Unlock()
	log.Info().Str("path", path).Str("output", out.Output).Int("rows", out.Rows).Int("warnings", out.Warnings).Msg("converted")
	return out, nil
}

func (w *Watcher) outputPath(path string) string {
	base := filepath.Base(path)
	name := "processed_" + strings.TrimSuffix(base, filepath.Ext(base)) + "." + w.opts.Format
	return filepath.Join(w.opts.OutDir, name)
}

func (w *Watcher) isWatchedExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range w.opts.Extensions {
		if ext == e {
			return true
		}
	}
	return false
}
