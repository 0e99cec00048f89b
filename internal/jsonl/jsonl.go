// Package jsonl implements append/read helpers for the line-delimited JSON
// offline queue the Tier Manager falls back to when its retry budget is
// exhausted (spec §4.6 "writes a degraded-entry record to an offline
// queue file rather than dropping the migration"). Grounded on the
// teacher's cmd/bd JSONL export path: atomic temp-file-then-rename writes
// at 0600, one json.Encoder.Encode call per record.
package jsonl

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
)

// Append decodes nothing; it opens path for append (creating it and any
// parent directory if needed) and writes one JSON-encoded line for v.
func Append(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(v)
}

// ReadAll reads every line of path, unmarshaling each into a new T and
// calling visit with it. A missing file is treated as zero records, not
// an error.
func ReadAll[T any](path string, visit func(T) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			return err
		}
		if err := visit(v); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Rewrite atomically replaces path's contents with one line per item in
// items, using a temp-file-then-rename swap so a crash mid-write never
// corrupts the file readers in other processes might have open.
func Rewrite[T any](path string, items []T) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	enc := json.NewEncoder(tmp)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
