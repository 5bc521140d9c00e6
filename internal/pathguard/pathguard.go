// Package pathguard validates save paths against a base directory.
package pathguard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"torrentdesk/internal/domain"
)

// Resolve joins requested to baseDir, canonicalizes the result and verifies
// it stays inside the canonical base. Absolute requests are taken as-is. An
// empty request resolves to the base itself. The filesystem is only read.
func Resolve(requested, baseDir string) (string, error) {
	base, err := canonicalBase(baseDir)
	if err != nil {
		return "", err
	}

	candidate := requested
	switch {
	case strings.TrimSpace(requested) == "":
		candidate = base
	case !filepath.IsAbs(requested):
		candidate = filepath.Join(base, requested)
	}

	resolved, err := canonicalize(candidate, 0)
	if err != nil {
		return "", fmt.Errorf("%w: resolve %q: %v", domain.ErrInvalidInput, requested, err)
	}
	if !within(base, resolved) {
		return "", &domain.PathEscapeError{Requested: requested, Base: baseDir, Resolved: resolved}
	}
	return resolved, nil
}

// Contains checks a relative path supplied by torrent metadata against the
// save path. Absolute fragments are rejected outright.
func Contains(base, rel string) error {
	if rel == "" || filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return &domain.PathEscapeError{Requested: rel, Base: base}
	}
	_, err := Resolve(filepath.FromSlash(rel), base)
	return err
}

// Ensure creates dir if needed and checks that it is writable. It is a
// separate step from Resolve and should only be called with a resolved path.
func Ensure(dir string) error {
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("%w: %q is not absolute", domain.ErrInvalidInput, dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %q: %w", dir, err)
	}
	probe, err := os.CreateTemp(dir, ".torrentdesk-probe-*")
	if err != nil {
		return fmt.Errorf("%w: %q is not writable: %v", domain.ErrInvalidInput, dir, err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return nil
}

func canonicalBase(baseDir string) (string, error) {
	if baseDir == "" || !filepath.IsAbs(baseDir) {
		return "", fmt.Errorf("%w: base directory %q must be absolute", domain.ErrInvalidInput, baseDir)
	}
	info, err := os.Stat(baseDir)
	if err != nil {
		return "", fmt.Errorf("%w: base directory: %v", domain.ErrInvalidInput, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: base directory %q is not a directory", domain.ErrInvalidInput, baseDir)
	}
	return filepath.EvalSymlinks(filepath.Clean(baseDir))
}

const maxLinkDepth = 40

var errTooManyLinks = errors.New("too many levels of symbolic links")

// canonicalize resolves symlinks on the longest existing prefix of path and
// appends the remaining components lexically. A dangling link at the end of
// the prefix is followed by hand so its target is still checked.
func canonicalize(path string, depth int) (string, error) {
	if depth > maxLinkDepth {
		return "", errTooManyLinks
	}
	path = filepath.Clean(path)
	existing := path
	var rest []string
	for {
		_, err := os.Lstat(existing)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		rest = append(rest, filepath.Base(existing))
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if errors.Is(err, fs.ErrNotExist) {
		target, lerr := os.Readlink(existing)
		if lerr != nil {
			return "", err
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(existing), target)
		}
		resolved, err = canonicalize(target, depth+1)
	}
	if err != nil {
		return "", err
	}
	for i := len(rest) - 1; i >= 0; i-- {
		resolved = filepath.Join(resolved, rest[i])
	}
	return filepath.Clean(resolved), nil
}

func within(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
