// Package workspace is the filesystem side of a deployment: the version
// marker and header, artifact metadata, verified deletion of old installs
// and the install directory.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/artpar/hotswap/internal/core/artifact"
	"github.com/artpar/hotswap/internal/core/domain"
	"github.com/artpar/hotswap/internal/core/version"
)

// ErrStillPresent means a file survived deletion.
var ErrStillPresent = errors.New("file still present after deletion")

// Workspace performs filesystem operations for the pipeline.
type Workspace struct {
	logger *slog.Logger
}

// New creates a workspace.
func New(logger *slog.Logger) *Workspace {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workspace{logger: logger.With("component", "workspace")}
}

// =============================================================================
// Version
// =============================================================================

// BumpVersion increments the patch field of the version marker, writes it
// back and regenerates the derived header. It returns the marker as written.
func (w *Workspace) BumpVersion(spec domain.BuildSpec) (version.Marker, error) {
	data, err := os.ReadFile(spec.VersionFile)
	if err != nil {
		return version.Marker{}, fmt.Errorf("read version marker: %w", err)
	}

	bumped, old, next, err := version.BumpPatch(string(data), spec.VersionPrefix)
	if err != nil {
		return version.Marker{}, err
	}

	// Parse before writing so a marker missing header fields is left untouched.
	marker, err := version.ParseMarker(bumped, spec.VersionPrefix)
	if err != nil {
		return version.Marker{}, err
	}

	if err := writeFileAtomic(spec.VersionFile, []byte(bumped)); err != nil {
		return version.Marker{}, fmt.Errorf("write version marker: %w", err)
	}
	w.logger.Info("version bumped", "file", spec.VersionFile, "from_patch", old, "to_patch", next, "version", marker.Version())

	if spec.VersionHeader != "" {
		if err := writeFileAtomic(spec.VersionHeader, []byte(version.RenderHeader(marker))); err != nil {
			return version.Marker{}, fmt.Errorf("write version header: %w", err)
		}
		w.logger.Info("version header regenerated", "file", spec.VersionHeader)
	}
	return marker, nil
}

// ReadVersion parses the marker without changing it.
func (w *Workspace) ReadVersion(spec domain.BuildSpec) (version.Marker, error) {
	data, err := os.ReadFile(spec.VersionFile)
	if err != nil {
		return version.Marker{}, fmt.Errorf("read version marker: %w", err)
	}
	return version.ParseMarker(string(data), spec.VersionPrefix)
}

// writeFileAtomic replaces path keeping its permissions.
func writeFileAtomic(path string, data []byte) error {
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// =============================================================================
// Build Directory
// =============================================================================

// IsConfigured reports whether the configured marker exists.
func (w *Workspace) IsConfigured(marker string) bool {
	if marker == "" {
		return false
	}
	_, err := os.Stat(marker)
	return err == nil
}

// =============================================================================
// Artifacts
// =============================================================================

// Describe stats path now. A missing file is a descriptor with Exists
// false, not an error.
func (w *Workspace) Describe(path string) (artifact.Descriptor, error) {
	d := artifact.Descriptor{Path: path}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return d, nil
	}
	if err != nil {
		return d, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return d, fmt.Errorf("stat %s: is a directory", path)
	}
	d.Exists = true
	d.ModTime = info.ModTime()
	d.Size = info.Size()
	return d, nil
}

// RemoveVerified deletes every path and every match of globs inside dir,
// then confirms each one is gone. "Deleted" means absent afterwards, not
// that the delete call returned nil. It returns the files it removed.
func (w *Workspace) RemoveVerified(dir string, paths, globs []string) ([]string, error) {
	targets := map[string]struct{}{}
	for _, p := range paths {
		if p != "" {
			targets[p] = struct{}{}
		}
	}
	for _, g := range globs {
		pattern := g
		if !filepath.IsAbs(pattern) && dir != "" {
			pattern = filepath.Join(dir, g)
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", g, err)
		}
		for _, m := range matches {
			targets[m] = struct{}{}
		}
	}

	ordered := make([]string, 0, len(targets))
	for p := range targets {
		ordered = append(ordered, p)
	}
	sort.Strings(ordered)

	var removed []string
	for _, p := range ordered {
		if _, err := os.Lstat(p); errors.Is(err, fs.ErrNotExist) {
			w.logger.Debug("already clean", "path", p)
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("remove %s: %w", p, err)
		}
		if _, err := os.Lstat(p); !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("%w: %s", ErrStillPresent, p)
		}
		w.logger.Info("removed old artifact", "path", p)
		removed = append(removed, p)
	}
	return removed, nil
}

// EnsureDir creates dir and its parents.
func (w *Workspace) EnsureDir(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") && !strings.HasPrefix(path, `~\`) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
