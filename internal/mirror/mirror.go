// Package mirror performs the file I/O on the mirror directory: shallow
// snapshots for reconciliation and application of a reconciliation plan.
package mirror

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/varnishops/gitvcl/internal/reconcile"
)

const filePerm = 0644

// Dir is the mirror directory, which is also the git working copy.
type Dir struct {
	path   string
	logger *slog.Logger
}

// New returns a Dir rooted at path.
func New(path string, logger *slog.Logger) *Dir {
	return &Dir{path: path, logger: logger}
}

// Path returns the mirror root.
func (d *Dir) Path() string {
	return d.path
}

// List returns the names of the regular files at the top level of the
// mirror directory. Subdirectories, symlinks and .git (which may be a gitfile)
// are skipped.
func (d *Dir) List() ([]string, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("failed to list mirror directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.EqualFold(e.Name(), ".git") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Read returns the content of the named top-level file.
func (d *Dir) Read(name string) ([]byte, error) {
	if err := reconcile.ValidateName(name); err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(d.path, name))
}

// Apply writes and deletes the files named by plan. It stops at the first
// failure; files already written stay in place.
func (d *Dir) Apply(plan *reconcile.Plan) error {
	for _, w := range plan.ToWrite {
		d.logger.Info("writing file", "name", w.Artifact.Name, "id", w.Artifact.ID, "new", w.Created)
		if err := d.write(w.Artifact.Name, w.Content); err != nil {
			return fmt.Errorf("failed to write %s: %w", w.Artifact.Name, err)
		}
	}

	for _, name := range plan.ToDelete {
		d.logger.Info("deleting file", "name", name)
		if err := d.remove(name); err != nil {
			return fmt.Errorf("failed to delete %s: %w", name, err)
		}
	}

	return nil
}

func (d *Dir) remove(name string) error {
	if err := reconcile.ValidateLocalName(name); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(d.path, name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// write replaces name with content via a temp file and rename.
func (d *Dir) write(name string, content []byte) error {
	if err := reconcile.ValidateName(name); err != nil {
		return err
	}
	dst := filepath.Join(d.path, name)

	tmpFile, err := os.CreateTemp(d.path, ".gitvcl-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(content); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Chmod(filePerm); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}
