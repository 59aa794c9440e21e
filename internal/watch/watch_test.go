package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/hyperifyio/koteria/internal/cache"
	"github.com/hyperifyio/koteria/internal/store"
)

const doc = "<B> 02/01/2025 09:07: Visit<BR></B>Owner: Jane Doe<BR>Patient: Rex No: 42<BR>" +
	"<B> 03/01/2025 10:00: Examination<BR></B>Owner: John Roe<BR>Patient: Tom No: 7<BR>"

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func newTestWatcher(t *testing.T, opts Options) *Watcher {
	t.Helper()
	w, err := New(opts)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestNew_RequiresDir(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without a directory")
	}
}

func TestProcess_WritesExportAndSkipsDuplicates(t *testing.T) {
	in := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "out")
	w := newTestWatcher(t, Options{Dir: in, OutDir: outDir, Cache: &cache.ResultCache{Dir: t.TempDir()}})

	src := filepath.Join(in, "history.html")
	writeFile(t, src, doc)

	out, err := w.Process(context.Background(), src)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Skipped || out.Rows != 2 {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Output != filepath.Join(outDir, "processed_history.csv") {
		t.Fatalf("output = %q", out.Output)
	}
	b, err := os.ReadFile(out.Output)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !strings.Contains(string(b), "Jane Doe") || !strings.Contains(string(b), "2025-01-03 10:00:00") {
		t.Fatalf("csv = %q", b)
	}

	again, err := w.Process(context.Background(), src)
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if !again.Skipped {
		t.Fatal("unchanged content should be skipped")
	}

	writeFile(t, src, doc+"<B> 04/01/2025 11:00: Visit<BR></B>Owner: Ann<BR>")
	changed, err := w.Process(context.Background(), src)
	if err != nil {
		t.Fatalf("third process: %v", err)
	}
	if changed.Skipped || changed.Rows != 3 {
		t.Fatalf("changed outcome = %+v", changed)
	}
}

func TestProcess_FatalErrorWritesNothing(t *testing.T) {
	in := t.TempDir()
	w := newTestWatcher(t, Options{Dir: in})
	src := filepath.Join(in, "broken.html")
	writeFile(t, src, "<B>01/01/2024 10:00: Visit<BR>Owner: A<BR>")

	if _, err := w.Process(context.Background(), src); err == nil {
		t.Fatal("expected segmentation error")
	}
	if _, err := os.Stat(filepath.Join(in, "processed_broken.csv")); !os.IsNotExist(err) {
		t.Fatalf("no export expected, stat err = %v", err)
	}
}

func TestProcess_ImportsOncePerDigest(t *testing.T) {
	in := t.TempDir()
	st, err := store.Open(filepath.Join(t.TempDir(), "koteria.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	w := newTestWatcher(t, Options{Dir: in, Format: "json", Store: st})
	a := filepath.Join(in, "a.html")
	b := filepath.Join(in, "b.htm")
	writeFile(t, a, doc)
	writeFile(t, b, doc)

	first, err := w.Process(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	second, err := w.Process(context.Background(), b)
	if err != nil {
		t.Fatal(err)
	}
	if first.BatchID == "" || first.BatchID != second.BatchID {
		t.Fatalf("identical content should share a batch: %q vs %q", first.BatchID, second.BatchID)
	}
	batches, err := st.Batches(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	if _, err := os.Stat(filepath.Join(in, "processed_b.json")); err != nil {
		t.Fatalf("json export missing: %v", err)
	}
}

func TestRun_ConvertsNewFiles(t *testing.T) {
	in := t.TempDir()
	outDir := t.TempDir()
	w := newTestWatcher(t, Options{Dir: in, OutDir: outDir, Settle: 20 * time.Millisecond, ProcessExisting: true})

	writeFile(t, filepath.Join(in, "existing.html"), doc)
	writeFile(t, filepath.Join(in, "notes.txt"), "ignored")

	done := make(chan Outcome, 10)
	w.OnProcessed = func(o Outcome) { done <- o }

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()

	got := map[string]bool{}
	deadline := time.After(10 * time.Second)
	created := false
	for len(got) < 2 {
		select {
		case o := <-done:
			got[filepath.Base(o.Path)] = true
			if !created {
				created = true
				writeFile(t, filepath.Join(in, "new.html"), doc)
			}
		case <-deadline:
			cancel()
			t.Fatalf("timed out, processed %v", got)
		}
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("run: %v", err)
	}
	if !got["existing.html"] || !got["new.html"] {
		t.Fatalf("processed = %v", got)
	}
	if _, err := os.Stat(filepath.Join(outDir, "processed_new.csv")); err != nil {
		t.Fatalf("export missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outDir, "processed_notes.csv")); !os.IsNotExist(err) {
		t.Fatal("non-html file should be ignored")
	}
}

func TestSchedule_DoesNotBlockAfterRunReturns(t *testing.T) {
	in := t.TempDir()
	w := newTestWatcher(t, Options{Dir: in, Settle: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	base := runtime.NumGoroutine()
	// more timers than the ready buffer holds
	n := cap(w.ready) + 20
	for i := 0; i < n; i++ {
		w.schedule(filepath.Join(in, fmt.Sprintf("f%d.html", i)))
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		w.mu.Lock()
		left := len(w.pending)
		w.mu.Unlock()
		if left == 0 && runtime.NumGoroutine() <= base {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timer callbacks still running: pending=%d goroutines=%d base=%d", left, runtime.NumGoroutine(), base)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
