package utils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/projecteru2/core/log"
)

// StaleTempAge is how old an in-flight temp file must be before GC treats
// it as left behind by an interrupted download.
const StaleTempAge = time.Hour

// EnsureDirs creates each directory (and parents) with 0750.
func EnsureDirs(dirs ...string) error {
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return fmt.Errorf("mkdir %s: %w", d, err)
		}
	}
	return nil
}

// ValidFile reports whether path is an existing regular, non-empty file.
func ValidFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// AtomicWriteJSON marshals v and writes it to path via temp file -> fsync -> rename.
func AtomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return AtomicWriteFile(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// AtomicWriteFile streams content into a temp file next to path, fsyncs it and
// renames it over path. Readers never observe a partially written file.
func AtomicWriteFile(path string, write func(io.Writer) error) error {
	return AtomicWriteFileIn(filepath.Dir(path), path, write)
}

// AtomicWriteFileIn is AtomicWriteFile with the temp file placed in tmpDir,
// which must be on the same filesystem as path.
func AtomicWriteFileIn(tmpDir, path string, write func(io.Writer) error) (err error) {
	f, err := os.CreateTemp(tmpDir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()
	if err = write(f); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("fsync %s: %w", tmp, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// RemoveIfExists removes a file or empty directory, treating a missing path as success.
func RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveMatching removes every entry in dir for which match returns true.
// A missing dir is not an error. Failures are collected, not fatal.
func RemoveMatching(ctx context.Context, dir string, match func(os.DirEntry) bool) []error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return []error{fmt.Errorf("read %s: %w", dir, err)}
	}
	logger := log.WithFunc("utils.RemoveMatching")
	var errs []error
	for _, e := range entries {
		if !match(e) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", p, err))
			continue
		}
		logger.Infof(ctx, "removed %s", p)
	}
	return errs
}

// ScanSubdirs returns the names of the immediate subdirectories of dir.
func ScanSubdirs(dir string) []string {
	entries, _ := os.ReadDir(dir)
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out
}

// FilterUnreferenced returns elements of candidates not present in refs.
func FilterUnreferenced(candidates []string, refs map[string]struct{}) []string {
	var out []string
	for _, s := range candidates {
		if _, ok := refs[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}
