package main

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("generated file is not valid CSV: %v", err)
	}
	return rows
}

func TestGeneratorWritesRows(t *testing.T) {
	dir := t.TempDir()
	g, err := NewGenerator(Config{Dir: dir, Files: 2, MaxRows: 6, Seed: 1}, nil)
	if err != nil {
		t.Fatalf("NewGenerator() error = %v", err)
	}
	stats, err := g.Run(context.Background())
	g.Close()
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Rows != 6 {
		t.Errorf("Rows = %d, want 6", stats.Rows)
	}

	paths := g.Paths()
	if len(paths) != 2 {
		t.Fatalf("Paths() = %v", paths)
	}
	first := readRows(t, paths[0])
	if strings.Join(first[0], ",") != strings.Join(header, ",") {
		t.Errorf("header = %v", first[0])
	}
	if len(first) != 4 {
		t.Errorf("first file rows = %d, want header + 3", len(first))
	}
	// Ids are global and alternate between files
	if first[1][0] != "1" || first[2][0] != "3" {
		t.Errorf("ids = %s, %s", first[1][0], first[2][0])
	}
	if _, err := time.Parse(time.RFC3339, first[1][1]); err != nil {
		t.Errorf("timestamp %q: %v", first[1][1], err)
	}
}

func TestGeneratorAppendsToExisting(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		g, err := NewGenerator(Config{Dir: dir, MaxRows: 2}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := g.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
		g.Close()
	}

	rows := readRows(t, filepath.Join(dir, "gen-000.csv"))
	if len(rows) != 5 {
		t.Errorf("rows = %d, want one header and 4 data rows", len(rows))
	}
}

func TestGeneratorRotateTruncate(t *testing.T) {
	dir := t.TempDir()
	g, err := NewGenerator(Config{Dir: dir, MaxRows: 10, RotateEvery: 4}, nil)
	if err != nil {
		t.Fatal(err)
	}
	stats, err := g.Run(context.Background())
	g.Close()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Rotations != 2 {
		t.Errorf("Rotations = %d, want 2", stats.Rotations)
	}

	rows := readRows(t, g.Paths()[0])
	if len(rows) != 3 || rows[1][0] != "9" {
		t.Errorf("rows after truncation = %v", rows)
	}
}

func TestGeneratorRotateRename(t *testing.T) {
	dir := t.TempDir()
	g, err := NewGenerator(Config{Dir: dir, MaxRows: 5, RotateEvery: 3, RotateMode: RotateRename}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	g.Close()

	path := g.Paths()[0]
	if rows := readRows(t, path+".1"); len(rows) != 4 {
		t.Errorf("rotated file rows = %d, want 4", len(rows))
	}
	if rows := readRows(t, path); len(rows) != 3 {
		t.Errorf("current file rows = %d, want 3", len(rows))
	}
}

func TestGeneratorStopsOnCancel(t *testing.T) {
	g, err := NewGenerator(Config{Dir: t.TempDir(), Rate: 50}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	stats, err := g.Run(ctx)
	if err != nil {
		t.Errorf("Run() error = %v", err)
	}
	if stats.Rows == 0 || stats.Rows > 20 {
		t.Errorf("Rows = %d, want a rate-limited count", stats.Rows)
	}
}

func TestNewGeneratorErrors(t *testing.T) {
	if _, err := NewGenerator(Config{}, nil); err == nil {
		t.Error("expected error without a directory")
	}
	if _, err := NewGenerator(Config{Dir: t.TempDir(), RotateMode: "shred"}, nil); err == nil {
		t.Error("expected error for unknown rotate mode")
	}
}
