package cmd

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var OutFilePerm = os.FileMode(0o755)

func isGzip(path string) bool {
	return strings.HasSuffix(path, ".gz")
}

// LoadJSON reads a JSON file, transparently decompressing .gz paths.
func LoadJSON[X any](inputPath string) (*X, error) {
	if inputPath == "" {
		return nil, fmt.Errorf("no path specified")
	}
	f, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %q: %w", inputPath, err)
	}
	defer f.Close()
	var r io.Reader = f
	if isGzip(inputPath) {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip reader for %q: %w", inputPath, err)
		}
		defer zr.Close()
		r = zr
	}
	var state X
	if err := json.NewDecoder(r).Decode(&state); err != nil {
		return nil, fmt.Errorf("failed to decode file %q: %w", inputPath, err)
	}
	return &state, nil
}

// WriteJSON writes the value as JSON, atomically via a temp file rename,
// gzip-compressing .gz paths. An empty path is a no-op; "-" writes to
// stdout.
func WriteJSON[X any](outputPath string, value X) error {
	if outputPath == "" {
		return nil
	}
	if outputPath == "-" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(value)
	}
	f, err := os.CreateTemp(filepath.Dir(outputPath), "."+filepath.Base(outputPath)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(f.Name()) // no-op after successful rename
	}()
	var w io.Writer = f
	var zw *gzip.Writer
	if isGzip(outputPath) {
		zw = gzip.NewWriter(f)
		w = zw
	}
	if err := json.NewEncoder(w).Encode(value); err != nil {
		return fmt.Errorf("failed to encode to %q: %w", outputPath, err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return err
		}
	}
	if err := f.Chmod(OutFilePerm); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), outputPath)
}
