package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperifyio/koteria/internal/app"
	"github.com/hyperifyio/koteria/internal/decode"
	"github.com/hyperifyio/koteria/internal/segment"
)

// Smoke test: run converts an English export to CSV.
func TestRun_ConvertWritesOutput(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.html")
	out := filepath.Join(dir, "out.csv")
	doc := "<B> 02/01/2025 09:07: Visit<BR></B>Owner: Jane Doe<BR>Patient: Rex No: 42<BR>"
	if err := os.WriteFile(in, []byte(doc), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	cfg := app.Config{InputPath: in, OutputPath: out, Encoding: decode.DefaultEncoding}
	if err := run(context.Background(), cfg); err != nil {
		t.Fatalf("run error: %v", err)
	}
	b, err := os.ReadFile(out)
	if err != nil || len(b) == 0 {
		t.Fatalf("expected output file, err=%v", err)
	}
}

func TestRun_UnclosedMarkerExitsTwo(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.html")
	if err := os.WriteFile(in, []byte("<B>01/01/2024 10:00: Visit<BR>x"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	err := run(context.Background(), app.Config{InputPath: in, OutputPath: filepath.Join(dir, "out.csv"), Encoding: decode.DefaultEncoding})
	if got := exitCode(err); got != 2 {
		t.Fatalf("exit code = %d for %v, want 2", got, err)
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{fmt.Errorf("wrapped: %w", &decode.DecodingError{Encoding: "cp1250", Offset: 3}), 2},
		{&segment.SegmentationError{Headers: 2, Fragments: 1}, 2},
		{os.ErrNotExist, 1},
	}
	for _, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Fatalf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestParseConfig_Precedence(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "koteria.yaml")
	yaml := "input: file.html\noutput: file.csv\nencoding: cp1250\nserve:\n  addr: :7000\n"
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(app.EnvOutput, "env.csv")
	t.Setenv(app.EnvServeAddr, "")

	cfg, err := parseConfig([]string{
		"-config", cfgPath,
		"-env", filepath.Join(dir, "missing.env"),
		"-encoding", "utf-8",
		"serve",
	}, io.Discard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Mode != app.ModeServe {
		t.Fatalf("Mode=%q", cfg.Mode)
	}
	if cfg.InputPath != "file.html" {
		t.Fatalf("InputPath=%q, want value from file", cfg.InputPath)
	}
	if cfg.OutputPath != "env.csv" {
		t.Fatalf("OutputPath=%q, env should beat file", cfg.OutputPath)
	}
	if cfg.Encoding != "utf-8" {
		t.Fatalf("Encoding=%q, flag should beat file", cfg.Encoding)
	}
	if cfg.ServeAddr != ":7000" {
		t.Fatalf("ServeAddr=%q", cfg.ServeAddr)
	}
}

func TestParseConfig_RejectsExtraArgs(t *testing.T) {
	if _, err := parseConfig([]string{"convert", "serve"}, io.Discard); err == nil {
		t.Fatal("expected error for two positional arguments")
	}
}
