package workspace

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/dontdude/buildbox/internal/domain"
)

// Sanitize validates an uploaded file name and returns it in clean, slash-separated
// relative form. Any name that is absolute, contains a ".." element, a backslash or
// a NUL byte is rejected outright rather than rewritten.
func Sanitize(name string) (string, error) {
	switch {
	case name == "":
		return "", domain.Errorf(domain.KindInvalidInput, "empty file name")
	case strings.ContainsRune(name, 0):
		return "", domain.Errorf(domain.KindInvalidInput, "file name contains a NUL byte")
	case strings.Contains(name, `\`):
		return "", domain.Errorf(domain.KindInvalidInput, "file name %q contains a backslash", name)
	case strings.HasPrefix(name, "/") || filepath.IsAbs(name):
		return "", domain.Errorf(domain.KindInvalidInput, "file name %q is absolute", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", domain.Errorf(domain.KindInvalidInput, "file name %q escapes the workspace", name)
		}
	}

	clean := path.Clean(name)
	if clean == "." || !filepath.IsLocal(filepath.FromSlash(clean)) {
		return "", domain.Errorf(domain.KindInvalidInput, "file name %q is not a local path", name)
	}
	return clean, nil
}
