package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperifyio/koteria/internal/pipeline"
)

// ResultCache stores conversion results on disk as <key>.json, keyed by the
// digest of the encoding name and the raw document bytes. A document that
// was already converted is served without re-running the pipeline.
type ResultCache struct {
	Dir string
	// StrictPerms, when true, enforces 0700 on cache directories and 0600 on
	// files to provide at-rest protection via restricted permissions.
	StrictPerms bool
}

func (c *ResultCache) ensureDir() error {
	if c == nil || c.Dir == "" {
		return errors.New("cache dir not configured")
	}
	perm := os.FileMode(0o755)
	if c.StrictPerms {
		perm = 0o700
	}
	if err := os.MkdirAll(c.Dir, perm); err != nil {
		return err
	}
	// If directory already existed and StrictPerms is on, tighten perms
	if c.StrictPerms {
		if info, err := os.Stat(c.Dir); err == nil {
			if info.Mode()&0o777 != 0o700 {
				_ = os.Chmod(c.Dir, 0o700)
			}
		}
	}
	return nil
}

// KeyFrom builds a cache key from the encoding name and document bytes.
func KeyFrom(encoding string, raw []byte) string {
	h := sha256.New()
	h.Write([]byte(encoding))
	h.Write([]byte("\n\n"))
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil))
}

func (c *ResultCache) pathFor(key string) string {
	return filepath.Join(c.Dir, key+".json")
}

// Get returns a cached result if present. A missing or unreadable entry is a
// miss, not an error.
func (c *ResultCache) Get(_ context.Context, key string) (pipeline.Result, bool, error) {
	if err := c.ensureDir(); err != nil {
		return pipeline.Result{}, false, err
	}
	p := c.pathFor(key)
	b, err := os.ReadFile(p)
	if err != nil {
		return pipeline.Result{}, false, nil
	}
	var res pipeline.Result
	if err := json.Unmarshal(b, &res); err != nil {
		// corrupt entry: drop it so the next save replaces it
		_ = os.Remove(p)
		return pipeline.Result{}, false, nil
	}
	// Touch file mtime on access so age-based purging keeps hot entries
	now := time.Now()
	_ = os.Chtimes(p, now, now)
	return res, true, nil
}

// Save writes a result to the cache atomically.
func (c *ResultCache) Save(_ context.Context, key string, res pipeline.Result) error {
	if err := c.ensureDir(); err != nil {
		return err
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	mode := os.FileMode(0o644)
	if c.StrictPerms {
		mode = 0o600
	}
	p := c.pathFor(key)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	return os.Rename(tmp, p)
}

// Convert returns the cached result for raw when present, and otherwise runs
// the pipeline and caches its result. Fatal pipeline errors are not cached.
// The second return value reports a cache hit.
func (c *ResultCache) Convert(ctx context.Context, raw []byte, encoding string, opts pipeline.Options) (pipeline.Result, bool, error) {
	key := KeyFrom(encoding, raw)
	if res, ok, err := c.Get(ctx, key); err == nil && ok {
		return res, true, nil
	}
	res, err := pipeline.Run(raw, encoding, opts)
	if err != nil {
		return pipeline.Result{}, false, err
	}
	if err := c.Save(ctx, key, res); err != nil {
		return res, false, fmt.Errorf("cache save: %w", err)
	}
	return res, false, nil
}
