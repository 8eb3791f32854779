// Package store persists generated scenarios and reads participant profiles
// from the local filesystem.
//
// Output documents live as one JSON file per scenario in the outputs
// directory. Writes are atomic (temp file plus rename) and serialised per
// store, so concurrent annotation saves on one file never interleave.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNotFound is returned when the requested file does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidName is returned for file names that would escape the store
	// directory.
	ErrInvalidName = errors.New("store: invalid file name")

	// ErrNoDirectory is returned when the store directory itself is missing.
	ErrNoDirectory = errors.New("store: directory missing")
)

// ValidateName rejects names that are empty, contain a path separator or
// refer to a parent directory.
func ValidateName(name string) error {
	if name == "" || name == "." || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// writeJSONAtomic encodes v as indented JSON (non-ASCII kept verbatim) and
// replaces path with it.
func writeJSONAtomic(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(path))
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
