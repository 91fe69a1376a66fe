// Package artifact reads a toolchain's output back out of a job workspace.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/dontdude/buildbox/internal/domain"
)

// Collector reads declared outputs, never more than maxBytes.
type Collector struct {
	maxBytes int64
}

// NewCollector returns a collector capped at maxBytes; zero or less means no cap.
func NewCollector(maxBytes int64) *Collector {
	return &Collector{maxBytes: maxBytes}
}

// Collect returns the bytes of output, a path relative to workspace. The file is
// opened through an os.Root of the workspace, so a symlink pointing outside it is
// treated the same as a missing file.
func (c *Collector) Collect(workspace, output string) ([]byte, error) {
	root, err := os.OpenRoot(workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to open workspace: %w", err)
	}
	defer root.Close()

	f, err := root.Open(output)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.Errorf(domain.KindArtifactMissing, "toolchain exited successfully but produced no %s", output)
		}
		return nil, domain.Wrap(domain.KindArtifactMissing, err, fmt.Sprintf("output %s is outside the workspace or unreadable", output))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", output, err)
	}
	if !info.Mode().IsRegular() {
		return nil, domain.Errorf(domain.KindArtifactMissing, "output %s is not a regular file", output)
	}
	if c.maxBytes > 0 && info.Size() > c.maxBytes {
		return nil, c.tooLarge(output)
	}

	r := io.Reader(f)
	if c.maxBytes > 0 {
		// The file may still be growing if the toolchain left a writer behind.
		r = io.LimitReader(f, c.maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", output, err)
	}
	if c.maxBytes > 0 && int64(len(data)) > c.maxBytes {
		return nil, c.tooLarge(output)
	}
	return data, nil
}

func (c *Collector) tooLarge(output string) error {
	return domain.Errorf(domain.KindArtifactTooLarge, "output %s exceeds the %d byte limit", output, c.maxBytes)
}
