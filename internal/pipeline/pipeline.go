// Package pipeline converts a legacy clinical-record export into a table of
// visit records: decode, segment, then normalize and extract each visit.
//
// Run is a pure function of its input. It touches no files, network or
// shared state, and two runs over the same bytes give identical results.
package pipeline

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/hyperifyio/koteria/internal/decode"
	"github.com/hyperifyio/koteria/internal/extract"
	"github.com/hyperifyio/koteria/internal/segment"
	"github.com/hyperifyio/koteria/internal/visit"
)

// Options tunes fragment processing. The zero value processes fragments
// sequentially with the HTML normalizer.
type Options struct {
	// Workers bounds concurrent fragment processing. Values below 2 mean
	// sequential; a negative value uses GOMAXPROCS.
	Workers int
	// Normalizer overrides the fragment-to-lines stage.
	Normalizer extract.Normalizer
}

// DateParseWarning records a row whose header timestamp could not be
// parsed. The row is still emitted with the raw text.
type DateParseWarning struct {
	Row int    `json:"row"`
	Raw string `json:"raw"`
}

func (w DateParseWarning) Error() string {
	return fmt.Sprintf("row %d: unparseable visit timestamp %q", w.Row, w.Raw)
}

// Result is the converted table plus non-fatal diagnostics.
type Result struct {
	Table    visit.Table        `json:"table"`
	Warnings []DateParseWarning `json:"warnings,omitempty"`
}

// Run decodes raw with the named encoding and extracts one record per visit
// marker. A *decode.DecodingError or *segment.SegmentationError aborts the
// whole document; no partial table is returned.
func Run(raw []byte, encoding string, opts Options) (Result, error) {
	text, err := decode.Decode(raw, encoding)
	if err != nil {
		return Result{}, err
	}
	return RunText(text, opts)
}

// RunFile reads path and runs the pipeline over its contents. The caller
// owns the file.
func RunFile(path string, encoding string, opts Options) (Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("read input: %w", err)
	}
	return Run(raw, encoding, opts)
}

// RunText runs the pipeline over already decoded text.
func RunText(text string, opts Options) (Result, error) {
	headers, fragments, err := segment.Split(text)
	if err != nil {
		return Result{}, err
	}
	normalizer := opts.Normalizer
	if normalizer == nil {
		normalizer = extract.HTMLNormalizer{}
	}

	rows := make([]visit.Record, len(fragments))
	process := func(i int) {
		rows[i] = visit.Extract(headers[i], normalizer.Lines(fragments[i]))
	}

	workers := opts.Workers
	if workers < 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(fragments) {
		workers = len(fragments)
	}
	if workers < 2 {
		for i := range fragments {
			process(i)
		}
	} else {
		// Each worker writes only rows[i] for the indexes it receives, so the
		// table stays in document order.
		next := make(chan int)
		var wg sync.WaitGroup
		wg.Add(workers)
		for w := 0; w < workers; w++ {
			go func() {
				defer wg.Done()
				for i := range next {
					process(i)
				}
			}()
		}
		for i := range fragments {
			next <- i
		}
		close(next)
		wg.Wait()
	}

	var warnings []DateParseWarning
	for i, r := range rows {
		if !r.VisitTimestamp.Parsed {
			warnings = append(warnings, DateParseWarning{Row: i, Raw: r.VisitTimestamp.Raw})
		}
	}
	return Result{Table: visit.NewTable(rows), Warnings: warnings}, nil
}
