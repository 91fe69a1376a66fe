// Package workspace gives every job a private directory that is removed wholesale
// when the job ends.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/dontdude/buildbox/internal/domain"
)

const dirPrefix = "job-"

// Manager allocates workspaces under a single root directory.
type Manager struct {
	root string
}

// NewManager ensures root exists and returns a manager for it.
func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root %s: %w", root, err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root %s: %w", root, err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute directory all workspaces live in.
func (m *Manager) Root() string { return m.root }

// Create makes the workspace directory for jobID. It fails rather than reuse a
// directory that already exists.
func (m *Manager) Create(jobID string) (*Workspace, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || !filepath.IsLocal(jobID) {
		return nil, fmt.Errorf("invalid job id %q", jobID)
	}
	dir := filepath.Join(m.root, dirPrefix+jobID)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create workspace for job %s: %w", jobID, err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to open workspace for job %s: %w", jobID, err)
	}
	slog.Debug("Workspace created", "jobID", jobID, "path", dir)
	return &Workspace{path: dir, root: root, names: make(map[string]struct{})}, nil
}

// Sweep removes workspaces left behind by a previous process. It must run before
// any job is accepted.
func (m *Manager) Sweep() (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("failed to list workspace root: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.root, e.Name())); err != nil {
			slog.Warn("Failed to remove stale workspace", "dir", e.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Workspace is one job's directory. All writes go through an os.Root so nothing
// lands outside it.
type Workspace struct {
	path  string
	root  *os.Root
	names map[string]struct{}

	once       sync.Once
	destroyErr error
}

// Path returns the absolute workspace directory.
func (w *Workspace) Path() string { return w.path }

// WriteFile stores data under name and returns the cleaned relative path.
// Names that are unsafe, duplicated or already present are rejected with InvalidInput.
func (w *Workspace) WriteFile(name string, data []byte) (string, error) {
	clean, err := Sanitize(name)
	if err != nil {
		return "", err
	}
	if _, dup := w.names[clean]; dup {
		return "", domain.Errorf(domain.KindInvalidInput, "duplicate file name %q", clean)
	}

	if dir := filepath.Dir(clean); dir != "." {
		if err := w.root.MkdirAll(dir, 0o755); err != nil {
			if errors.Is(err, fs.ErrExist) || errors.Is(err, syscall.ENOTDIR) {
				return "", domain.Errorf(domain.KindInvalidInput, "file name %q collides with an existing path", clean)
			}
			return "", fmt.Errorf("failed to create directory for %q: %w", clean, err)
		}
	}
	f, err := w.root.OpenFile(clean, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", domain.Errorf(domain.KindInvalidInput, "file name %q collides with an existing path", clean)
		}
		return "", fmt.Errorf("failed to create %q: %w", clean, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write %q: %w", clean, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close %q: %w", clean, err)
	}
	w.names[clean] = struct{}{}
	return clean, nil
}

// Destroy removes the workspace and everything in it. Only the first call does
// any work; later calls return the first result.
func (w *Workspace) Destroy() error {
	w.once.Do(func() {
		w.root.Close()
		if err := os.RemoveAll(w.path); err != nil {
			w.destroyErr = fmt.Errorf("failed to remove workspace %s: %w", w.path, err)
			return
		}
		slog.Debug("Workspace removed", "path", w.path)
	})
	return w.destroyErr
}
